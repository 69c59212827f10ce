package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: WarnLevel, Format: TextFormat, Output: &buf})

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestJSONFormatIncludesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: DebugLevel, Format: JSONFormat, Output: &buf, Component: "statemanager"})

	logger.WithField("thread_id", uint32(7)).Info("registered vcpu")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "registered vcpu", entry.Message)
	assert.Equal(t, "statemanager", entry.Fields["component"])
	assert.EqualValues(t, 7, entry.Fields["thread_id"])
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLogLevel("bogus")
	assert.Error(t, err)
}

func TestWithComponentIsIndependent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: InfoLevel, Format: TextFormat, Output: &buf})
	scoped := base.WithComponent("tracelog")

	scoped.Info("hello")
	assert.True(t, strings.Contains(buf.String(), "component=tracelog"))

	buf.Reset()
	base.Info("hello")
	assert.False(t, strings.Contains(buf.String(), "component="))
}
