package statemanager

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oro-os/ktrace/internal/threadstate"
	"github.com/oro-os/ktrace/pkg/queryproto"
)

func newTestManager(t *testing.T) (*Manager, context.Context) {
	t.Helper()
	mgr := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)
	return mgr, ctx
}

func tempTraceFile(t *testing.T, addrs ...uint64) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "trace-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	buf := make([]byte, 8*len(addrs))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], a)
	}
	_, err = f.Write(buf)
	require.NoError(t, err)
	return f
}

func lowerHalf() *queryproto.TraceFilter {
	f := queryproto.FilterLowerHalf
	return &f
}

// TestScenarioOne walks init, three Inst, a Resume,
// then GetStatus/GetInstCount/GetTraceLog with and without the filter.
func TestScenarioOne(t *testing.T) {
	mgr, ctx := newTestManager(t)

	file := tempTraceFile(t, 0x1000, 0x1004, 0x8000000000001000)
	ts := threadstate.New(7, file)
	ts.Appended.Store(3)

	handle, err := mgr.Register(ctx, ts)
	require.NoError(t, err)
	handle.Resume()

	// Give the actor a moment to process the fire-and-forget lifecycle
	// message before asserting on it.
	require.Eventually(t, func() bool {
		resp, err := mgr.HandleClientRequest(ctx, queryproto.GetStatus(7))
		return err == nil && resp.Status == queryproto.StatusRunning
	}, time.Second, time.Millisecond)

	resp, err := mgr.HandleClientRequest(ctx, queryproto.GetInstCount(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.InstCount)

	resp, err = mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(7, 10, nil))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0x1004, 0x8000000000001000}, resp.Addresses)

	resp, err = mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(7, 10, lowerHalf()))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0x1004}, resp.Addresses)
}

// TestScenarioTwo checks that Exit makes the vCPU
// unobservable except as Dead/zero/empty, and OpenStream against it
// fails with BadThread.
func TestScenarioTwo(t *testing.T) {
	mgr, ctx := newTestManager(t)

	file := tempTraceFile(t, 0x1000)
	ts := threadstate.New(7, file)
	ts.Appended.Store(1)

	handle, err := mgr.Register(ctx, ts)
	require.NoError(t, err)
	handle.Exit()

	require.Eventually(t, func() bool {
		resp, err := mgr.HandleClientRequest(ctx, queryproto.GetStatus(7))
		return err == nil && resp.Status == queryproto.StatusDead
	}, time.Second, time.Millisecond)

	resp, err := mgr.HandleClientRequest(ctx, queryproto.GetInstCount(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.InstCount)

	resp, err = mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(7, 10, nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Addresses)

	client, server := net.Pipe()
	defer client.Close()
	go mgr.OpenStream(server, 7, nil)

	codec := queryproto.NewCodec(client)
	got, err := codec.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, queryproto.TypeError, got.Type)
	assert.Equal(t, queryproto.ErrBadThread, got.Code)
}

// TestScenarioFour checks that zero and the high-bit
// address are filtered out by LowerHalf, leaving only 0x42.
func TestScenarioFour(t *testing.T) {
	mgr, ctx := newTestManager(t)

	file := tempTraceFile(t, 0x0, 0x8000000000000001, 0x42)
	ts := threadstate.New(2, file)
	ts.Appended.Store(3)

	_, err := mgr.Register(ctx, ts)
	require.NoError(t, err)

	resp, err := mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(2, 3, lowerHalf()))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x42}, resp.Addresses)
}

func TestUnknownThreadGetStatusIsDead(t *testing.T) {
	mgr, ctx := newTestManager(t)
	resp, err := mgr.HandleClientRequest(ctx, queryproto.GetStatus(999))
	require.NoError(t, err)
	assert.Equal(t, queryproto.StatusDead, resp.Status)
}

func TestMalformedRequestTypeReturnsBadPacket(t *testing.T) {
	mgr, ctx := newTestManager(t)
	resp, err := mgr.HandleClientRequest(ctx, queryproto.Packet{Type: "NotARealType"})
	require.NoError(t, err)
	assert.Equal(t, queryproto.TypeError, resp.Type)
	assert.Equal(t, queryproto.ErrBadPacket, resp.Code)
}

func TestLowerHalfFilterAcrossManyBlocks(t *testing.T) {
	mgr, ctx := newTestManager(t)

	// 1200 entries spanning more than two 512-entry scan blocks; every
	// third one survives the filter.
	addrs := make([]uint64, 1200)
	var want []uint64
	for i := range addrs {
		if i%3 == 0 {
			addrs[i] = uint64(i + 1)
			want = append(want, addrs[i])
		} else {
			addrs[i] = 0x8000000000000000 | uint64(i+1)
		}
	}

	file := tempTraceFile(t, addrs...)
	ts := threadstate.New(3, file)
	ts.Appended.Store(uint64(len(addrs)))
	_, err := mgr.Register(ctx, ts)
	require.NoError(t, err)

	resp, err := mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(3, 20, lowerHalf()))
	require.NoError(t, err)

	wantTail := want[len(want)-20:]
	assert.Equal(t, wantTail, resp.Addresses)
}

func TestTwoVcpusDoNotCrossContaminate(t *testing.T) {
	mgr, ctx := newTestManager(t)

	f4 := tempTraceFile(t, 1, 2, 3)
	ts4 := threadstate.New(4, f4)
	ts4.Appended.Store(3)
	_, err := mgr.Register(ctx, ts4)
	require.NoError(t, err)

	f5 := tempTraceFile(t, 100, 200)
	ts5 := threadstate.New(5, f5)
	ts5.Appended.Store(2)
	_, err = mgr.Register(ctx, ts5)
	require.NoError(t, err)

	resp4, err := mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(4, 10, nil))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, resp4.Addresses)

	resp5, err := mgr.HandleClientRequest(ctx, queryproto.GetTraceLog(5, 10, nil))
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200}, resp5.Addresses)
}

func TestOpenStreamTailsAppendedData(t *testing.T) {
	mgr, ctx := newTestManager(t)

	file := tempTraceFile(t, 1, 2, 3)
	ts := threadstate.New(1, file)
	ts.Appended.Store(3)
	_, err := mgr.Register(ctx, ts)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	go mgr.OpenStream(server, 1, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, 4)
		file.Write(buf)
		ts.Appended.Add(1)
	}()

	var got []uint64
	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		_, err := readFull(client, buf)
		require.NoError(t, err)
		got = append(got, binary.LittleEndian.Uint64(buf))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, got)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
