package replycell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFulfillThenWait(t *testing.T) {
	c := New[int]()
	c.Fulfill(42)

	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWaitBlocksUntilFulfilled(t *testing.T) {
	c := New[string]()

	done := make(chan string, 1)
	go func() {
		v, err := c.Wait(context.Background())
		require.NoError(t, err)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Fulfill was called")
	case <-time.After(20 * time.Millisecond):
	}

	c.Fulfill("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Fulfill")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	c := New[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCellCarriesStructValues(t *testing.T) {
	type reply struct {
		Addresses []uint64
		Err       error
	}

	c := New[reply]()
	c.Fulfill(reply{Addresses: []uint64{1, 2, 3}})

	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, v.Addresses)
	assert.NoError(t, v.Err)
}
