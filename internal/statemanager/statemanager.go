// Package statemanager implements the daemon's single-owner actor: the
// only component that mutates the map from vCPU id to ThreadState. It
// is grounded on the mailbox/master-thread shape of
// original_source/ktraced/src/query_server.rs (an mpsc channel fed by a
// registration message, a thread-lifecycle message, and a client-request
// message carrying a single-assignment reply), generalized here with the
// fourth OpenStream message kind and the full GetTraceLog tail-read
// algorithm this implementation adds on top of that skeleton.
package statemanager

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/oro-os/ktrace/internal/replycell"
	"github.com/oro-os/ktrace/internal/threadstate"
	"github.com/oro-os/ktrace/pkg/infrastructure/logging"
	"github.com/oro-os/ktrace/pkg/queryproto"
)

// blockEntries is the backward-scan block size for the LowerHalf tail
// read, in 8-byte entries (4 KiB blocks).
const blockEntries = 512

// streamBufCapEntries bounds how many entries a streamer reads in one
// pass once data is available.
const streamBufCapEntries = 512

// streamPollInterval is the backoff between tail-poll attempts when a
// streamer has caught up to the current end of the log. Regular files
// never block a read the way a pipe does, so a genuine OS-level blocking
// is not available on this platform, so this backoff stands in for one,
// short-poll-sleep emulation with the same ordered, gap-free contract.
const streamPollInterval = 2 * time.Millisecond

// LifecycleKind enumerates the thread-lifecycle transitions a log
// writer reports.
type LifecycleKind int

const (
	LifecycleResume LifecycleKind = iota
	LifecycleIdle
	LifecycleExit
)

// Handle lets a log writer (internal/tracelog) report lifecycle
// transitions for the vCPU it registered, without exposing the
// manager's mailbox type to callers outside this package.
type Handle struct {
	id  uint32
	mgr *Manager
}

func (h *Handle) send(kind LifecycleKind) {
	h.mgr.mailbox <- lifecycleMsg{id: h.id, kind: kind}
}

// Resume reports that the vCPU has started or resumed executing.
func (h *Handle) Resume() { h.send(LifecycleResume) }

// Idle reports that the vCPU has gone idle.
func (h *Handle) Idle() { h.send(LifecycleIdle) }

// Exit reports that the vCPU has exited; its ThreadState is removed.
func (h *Handle) Exit() { h.send(LifecycleExit) }

type registerMsg struct {
	state *threadstate.ThreadState
	reply *replycell.Cell[*Handle]
}

type lifecycleMsg struct {
	id   uint32
	kind LifecycleKind
}

type clientMsg struct {
	req   queryproto.Packet
	reply *replycell.Cell[queryproto.Packet]
}

type openStreamMsg struct {
	conn     net.Conn
	threadID uint32
	filter   *queryproto.TraceFilter
}

// Manager is the single actor owning the thread map. Its zero value is
// not usable; construct one with New and run it with Run in its own
// goroutine before any other component sends to it.
type Manager struct {
	mailbox chan any
	threads map[uint32]*threadstate.ThreadState
	logger  *logging.Logger
}

// New constructs a Manager. logger may be nil, in which case the global
// logger is used.
func New(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("statemanager")
	}
	return &Manager{
		mailbox: make(chan any, 64),
		threads: make(map[uint32]*threadstate.ThreadState),
		logger:  logger,
	}
}

// Run drains the mailbox until ctx is done. It must be called exactly
// once, from the goroutine that owns the thread map for the lifetime of
// the daemon.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-m.mailbox:
			m.dispatch(raw)
		}
	}
}

func (m *Manager) dispatch(raw any) {
	switch msg := raw.(type) {
	case registerMsg:
		m.threads[msg.state.ID] = msg.state
		msg.reply.Fulfill(&Handle{id: msg.state.ID, mgr: m})
	case lifecycleMsg:
		m.applyLifecycle(msg)
	case clientMsg:
		msg.reply.Fulfill(m.handleClient(msg.req))
	case openStreamMsg:
		m.handleOpenStream(msg)
	default:
		m.logger.Errorf("unrecognized mailbox message %T", raw)
	}
}

func (m *Manager) applyLifecycle(msg lifecycleMsg) {
	ts, ok := m.threads[msg.id]
	if !ok {
		// Late arrival after removal, or a message for an id that was
		// never registered; tolerated silently.
		return
	}
	switch msg.kind {
	case LifecycleExit:
		delete(m.threads, msg.id)
		ts.File.Close()
	case LifecycleIdle:
		ts.Status = threadstate.Idle
	case LifecycleResume:
		ts.Status = threadstate.Running
	}
}

// Register inserts state into the thread map and returns a Handle for
// reporting its lifecycle. Called by internal/tracelog once per
// accepted producer connection, after it has observed VcpuInit.
func (m *Manager) Register(ctx context.Context, state *threadstate.ThreadState) (*Handle, error) {
	reply := replycell.New[*Handle]()
	m.mailbox <- registerMsg{state: state, reply: reply}
	return reply.Wait(ctx)
}

// HandleClientRequest forwards a decoded query packet to the manager
// and blocks for its response. Called by internal/queryserver for every
// request packet other than OpenStream.
func (m *Manager) HandleClientRequest(ctx context.Context, req queryproto.Packet) (queryproto.Packet, error) {
	reply := replycell.New[queryproto.Packet]()
	m.mailbox <- clientMsg{req: req, reply: reply}
	return reply.Wait(ctx)
}

// OpenStream hands conn off to the manager for a streaming response and
// returns immediately; the caller must not use conn again. Called by
// internal/queryserver on recognizing an OpenStream request.
func (m *Manager) OpenStream(conn net.Conn, threadID uint32, filter *queryproto.TraceFilter) {
	m.mailbox <- openStreamMsg{conn: conn, threadID: threadID, filter: filter}
}

func (m *Manager) handleClient(req queryproto.Packet) queryproto.Packet {
	switch req.Type {
	case queryproto.TypeGetStatus:
		ts, ok := m.threads[req.ThreadID]
		if !ok {
			return queryproto.StatusResponse(queryproto.StatusDead)
		}
		return queryproto.StatusResponse(wireStatus(ts.Status))
	case queryproto.TypeGetInstCount:
		ts, ok := m.threads[req.ThreadID]
		if !ok {
			return queryproto.InstCountResponse(0)
		}
		return queryproto.InstCountResponse(ts.Appended.Load())
	case queryproto.TypeGetTraceLog:
		ts, ok := m.threads[req.ThreadID]
		if !ok {
			return queryproto.TraceLogResponse(nil)
		}
		addrs, err := getTraceLog(ts, req.Count, req.Filter)
		if err != nil {
			m.logger.Errorf("trace log read for vcpu %d failed: %v", req.ThreadID, err)
			return queryproto.ErrorResponse(queryproto.ErrBadPacket)
		}
		return queryproto.TraceLogResponse(addrs)
	default:
		return queryproto.ErrorResponse(queryproto.ErrBadPacket)
	}
}

func (m *Manager) handleOpenStream(msg openStreamMsg) {
	ts, ok := m.threads[msg.threadID]
	if !ok {
		_ = queryproto.Encode(msg.conn, queryproto.ErrorResponse(queryproto.ErrBadThread))
		msg.conn.Close()
		return
	}

	clone, err := cloneFile(ts.File)
	if err != nil {
		m.logger.Errorf("failed to clone log handle for vcpu %d: %v", msg.threadID, err)
		msg.conn.Close()
		return
	}

	go runStreamer(clone, msg.conn, msg.filter, 0, m.logger)
}

func wireStatus(s threadstate.Status) queryproto.ThreadStatus {
	switch s {
	case threadstate.Running:
		return queryproto.StatusRunning
	case threadstate.Dead:
		return queryproto.StatusDead
	default:
		return queryproto.StatusIdle
	}
}

// cloneFile duplicates the file descriptor so a streamer's lifetime is
// independent of the ThreadState's: closing one side never affects the
// other. Both sides exclusively use ReadAt (pread), which does not
// consult or mutate the shared file offset a dup(2)'d descriptor
// carries, so an independent cursor is simply a
// local byte offset kept by each reader rather than a second seek
// position in the kernel.
func cloneFile(f *os.File) (*os.File, error) {
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

func fileSizeEntries(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()) / 8, nil
}

func getTraceLog(ts *threadstate.ThreadState, count uint64, filter *queryproto.TraceFilter) ([]uint64, error) {
	size, err := fileSizeEntries(ts.File)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return readTailUnfiltered(ts.File, size, count)
	}
	return readTailFiltered(ts.File, ts, size, count, *filter)
}

func readTailUnfiltered(f *os.File, size, count uint64) ([]uint64, error) {
	start := uint64(0)
	if size > count {
		start = size - count
	}
	n := size - start
	if n == 0 {
		return []uint64{}, nil
	}
	buf := make([]byte, n*8)
	if _, err := f.ReadAt(buf, int64(start*8)); err != nil {
		return nil, err
	}
	return decodeLE(buf), nil
}

// readTailFiltered scans backward in blockEntries-sized blocks from the
// end of the log, collecting filter-surviving addresses until count are
// gathered or the file is exhausted. It records in the thread's
// LastLowerHalf the highest index at which it kept an address; that
// value does not bound where the scan starts.
func readTailFiltered(f *os.File, ts *threadstate.ThreadState, size, count uint64, filter queryproto.TraceFilter) ([]uint64, error) {
	cursor := size

	var collected []uint64
	for cursor > 0 && uint64(len(collected)) < count {
		blockStart := uint64(0)
		if cursor > blockEntries {
			blockStart = cursor - blockEntries
		}
		n := cursor - blockStart

		buf := make([]byte, n*8)
		if _, err := f.ReadAt(buf, int64(blockStart*8)); err != nil {
			return nil, err
		}

		block := decodeLE(buf)
		var kept []uint64
		for i, addr := range block {
			if !filter.Keep(addr) {
				continue
			}
			kept = append(kept, addr)
			if idx := blockStart + uint64(i); idx > ts.LastLowerHalf.Load() {
				ts.LastLowerHalf.Store(idx)
			}
		}

		collected = append(kept, collected...)
		cursor = blockStart
	}

	if uint64(len(collected)) > count {
		collected = collected[uint64(len(collected))-count:]
	}
	if collected == nil {
		collected = []uint64{}
	}
	return collected, nil
}

func decodeLE(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return out
}

// runStreamer tails file from startEntries onward, applying filter and
// writing surviving addresses to conn as a raw little-endian u64 feed.
// It owns file and conn for its entire lifetime and closes both when a
// stat or read of file fails or a write to conn fails; a peer that has
// disconnected is noticed only at the next write.
func runStreamer(file *os.File, conn net.Conn, filter *queryproto.TraceFilter, startEntries uint64, logger *logging.Logger) {
	defer conn.Close()
	defer file.Close()

	counter := startEntries
	buf := make([]byte, streamBufCapEntries*8)

	for {
		info, err := file.Stat()
		if err != nil {
			logger.Errorf("streamer stat failed: %v", err)
			return
		}
		size := uint64(info.Size()) / 8

		available := size - counter
		if available == 0 {
			time.Sleep(streamPollInterval)
			continue
		}
		if available > streamBufCapEntries {
			available = streamBufCapEntries
		}

		chunk := buf[:available*8]
		if _, err := file.ReadAt(chunk, int64(counter*8)); err != nil {
			if err != io.EOF {
				logger.Errorf("streamer read failed: %v", err)
				return
			}
		}
		counter += available

		for i := uint64(0); i < available; i++ {
			addr := binary.LittleEndian.Uint64(chunk[i*8 : i*8+8])
			if filter != nil && !filter.Keep(addr) {
				continue
			}
			if _, err := conn.Write(chunk[i*8 : i*8+8]); err != nil {
				return
			}
		}
	}
}
