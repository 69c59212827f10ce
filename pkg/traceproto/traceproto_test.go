package traceproto

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		VcpuInit(7),
		VcpuResume(7),
		VcpuIdle(7),
		VcpuExit(7),
		Inst(0),
		Inst(1),
		Inst(2),
		Inst(1<<63 - 1),
		Inst(1 << 63),
		Inst(1<<63 + 1),
		Inst(1<<64 - 1),
	}

	for _, p := range cases {
		var buf bytes.Buffer
		require.NoError(t, p.Write(&buf))

		got, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestOrderingSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, VcpuInit(1).Write(&buf))
	require.NoError(t, Inst(0x1000).Write(&buf))
	require.NoError(t, Inst(0x1004).Write(&buf))
	require.NoError(t, VcpuResume(1).Write(&buf))
	require.NoError(t, VcpuExit(1).Write(&buf))

	var got []Packet
	for {
		p, err := Read(&buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, p)
	}

	require.Len(t, got, 5)
	assert.Equal(t, TagVcpuInit, got[0].Tag)
	assert.Equal(t, TagInst, got[1].Tag)
	assert.Equal(t, uint64(0x1000), got[1].Addr)
	assert.Equal(t, TagVcpuExit, got[4].Tag)
}

func TestInvalidTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF})
	_, err := Read(buf)
	assert.Error(t, err)
}

func TestTruncatedBodyIsUnexpectedEOF(t *testing.T) {
	// Inst tag followed by only 3 of 8 body bytes.
	buf := bytes.NewBuffer([]byte{byte(TagInst), 0x01, 0x02, 0x03})
	_, err := Read(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCleanEOFBetweenPackets(t *testing.T) {
	buf := &bytes.Buffer{}
	_, err := Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
