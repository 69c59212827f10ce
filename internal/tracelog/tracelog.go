// Package tracelog implements the per-vCPU log writer: one instance
// runs per accepted producer connection, owns that vCPU's append-only
// trace file, and reports lifecycle transitions to the state manager.
// It is grounded on the accept/handle shape of
// original_source/ktraced/src/main.rs's handle_vcpu_stream, generalized
// from its single-file-dump loop into the full registration and
// lifecycle-reporting sequence this implementation requires.
package tracelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"

	"github.com/oro-os/ktrace/internal/statemanager"
	"github.com/oro-os/ktrace/internal/threadstate"
	"github.com/oro-os/ktrace/pkg/infrastructure/logging"
	"github.com/oro-os/ktrace/pkg/traceproto"
)

// Handle runs the log writer for one accepted producer connection. It
// blocks until the connection closes or a protocol error occurs, and
// always closes conn before returning.
func Handle(ctx context.Context, conn net.Conn, mgr *statemanager.Manager, tmpDir string, logger *logging.Logger) {
	defer conn.Close()

	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("tracelog")
	}

	first, err := traceproto.Read(conn)
	if err != nil {
		logger.Warnf("trace connection closed before VcpuInit: %v", err)
		return
	}
	if first.Tag != traceproto.TagVcpuInit {
		logger.Errorf("trace connection violated protocol: first packet was tag %d, not VcpuInit", first.Tag)
		return
	}

	file, err := createUnlinkedTempFile(tmpDir)
	if err != nil {
		logger.Errorf("failed to create trace log file for vcpu %d: %v", first.ID, err)
		return
	}
	defer file.Close()

	logger.Infof("vcpu %d online", first.ID)

	ts := threadstate.New(first.ID, file)
	handle, err := mgr.Register(ctx, ts)
	if err != nil {
		logger.Errorf("failed to register vcpu %d: %v", first.ID, err)
		return
	}

	w := bufio.NewWriter(file)
	var addrBuf [8]byte

	for {
		pkt, err := traceproto.Read(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The producer dropped the connection without sending
				// VcpuExit. This ThreadState is left with its last
				// reported status rather than forced to Dead; the
				// query API will show stale Idle/Running until the
				// daemon restarts.
				logger.Warnf("vcpu %d connection closed without VcpuExit; status left as last reported", first.ID)
			} else {
				logger.Errorf("vcpu %d trace decode error: %v", first.ID, err)
			}
			flush(w, logger, first.ID)
			return
		}

		switch pkt.Tag {
		case traceproto.TagInst:
			binary.LittleEndian.PutUint64(addrBuf[:], pkt.Addr)
			if _, err := w.Write(addrBuf[:]); err != nil {
				logger.Errorf("vcpu %d log write failed: %v", first.ID, err)
				return
			}
			if err := w.Flush(); err != nil {
				logger.Errorf("vcpu %d log flush failed: %v", first.ID, err)
				return
			}
			ts.Appended.Add(1)
		case traceproto.TagVcpuResume:
			flush(w, logger, first.ID)
			handle.Resume()
		case traceproto.TagVcpuIdle:
			flush(w, logger, first.ID)
			handle.Idle()
		case traceproto.TagVcpuExit:
			flush(w, logger, first.ID)
			handle.Exit()
			logger.Infof("vcpu %d exited", first.ID)
			return
		default:
			logger.Errorf("vcpu %d sent unknown tag %d after init", first.ID, pkt.Tag)
			return
		}
	}
}

func flush(w *bufio.Writer, logger *logging.Logger, id uint32) {
	if err := w.Flush(); err != nil {
		logger.Warnf("vcpu %d final flush failed: %v", id, err)
	}
}

// createUnlinkedTempFile opens a fresh temp file under dir (or the
// default temp directory when dir is empty) and immediately unlinks it,
// so its storage is reclaimed automatically once the last open handle
// closes.
func createUnlinkedTempFile(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, "ktrace-log-*")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
