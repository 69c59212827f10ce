// Package threadstate defines the per-vCPU record the state manager
// (internal/statemanager) keeps in its thread map, grounded on the
// id/status pairing in
// original_source/ktraced/src/query_server.rs's ConnectionMessage/
// ThreadMessage plumbing, generalized with the trace-log file handle and
// append counter the original's log-writer side tracks informally.
package threadstate

import (
	"os"
	"sync/atomic"
)

// Status is a vCPU's lifecycle state as tracked by the state manager.
// It is distinct from queryproto.ThreadStatus: this is the internal
// model, that is the wire encoding derived from it.
type Status int

const (
	Idle Status = iota
	Running
	Dead
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ThreadState is one active vCPU's record. ID and File are set once at
// construction. Appended is an atomic counter written by the owning log
// writer (internal/tracelog) off the state manager's goroutine, and
// LastLowerHalf is an atomic value written by the state manager's
// filtered tail reads; Status is mutated only by the state manager, which is also
// the only component that ever deletes a ThreadState from its map, so
// no additional synchronization guards Status itself.
type ThreadState struct {
	ID     uint32
	File   *os.File
	Status Status

	// Appended is the count of instruction records written so far. The
	// log writer increments it with release semantics (after the
	// corresponding bytes are flushed).
	Appended atomic.Uint64

	// LastLowerHalf is the highest append index at which a filtered
	// tail read has kept a LowerHalf-surviving address. Tail reads
	// always scan back from the current end of the log, so a stale or
	// zero value never changes a result.
	LastLowerHalf atomic.Uint64
}

// New constructs a ThreadState in the Idle status, owning file.
func New(id uint32, file *os.File) *ThreadState {
	return &ThreadState{ID: id, File: file, Status: Idle}
}
