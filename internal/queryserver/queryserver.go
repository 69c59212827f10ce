// Package queryserver implements the client-facing front-end: one
// accept loop and one request/response handler per accepted connection.
// It is grounded on the acceptLoop/handleConnection shape
// of other_examples' Oculo ingestion daemon, generalized from that
// daemon's length-prefixed JSON framing to queryproto's self-describing
// msgpack records, and extended with the OpenStream hand-off needed to
// detach a connection into its own streaming goroutine.
package queryserver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/oro-os/ktrace/internal/statemanager"
	"github.com/oro-os/ktrace/pkg/infrastructure/logging"
	"github.com/oro-os/ktrace/pkg/queryproto"
)

// Server accepts query connections on a Unix domain socket and
// dispatches each to the state manager.
type Server struct {
	socketPath string
	mgr        *statemanager.Manager
	logger     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a Server bound to socketPath once Serve is called.
// logger may be nil, in which case the global logger is used.
func New(socketPath string, mgr *statemanager.Manager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("queryserver")
	}
	return &Server{socketPath: socketPath, mgr: mgr, logger: logger}
}

// Serve binds the listening socket (unlinking any stale path first) and
// accepts connections until ctx is done; an accept error outside
// shutdown is logged and the loop continues. It returns an error only
// if the socket cannot be bound, and otherwise blocks for the lifetime
// of the server.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Infof("query server listening on %s", s.socketPath)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				s.logger.Errorf("query accept failed: %v", err)
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection decodes requests from conn until OpenStream detaches
// it or the peer disconnects.
//
// A byte-level decode failure (truncated or corrupt msgpack) answers
// Error{BadPacket} and keeps the connection open for the next request,
// same as a packet that decodes cleanly but names a PacketType the
// state manager does not recognize (that case reaches statemanager's
// own default handler further down). A clean io.EOF means the peer
// disconnected with nothing left to read, so there is no request to
// answer and the connection is simply closed.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	codec := queryproto.NewCodec(conn)

	for {
		req, err := codec.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				conn.Close()
				return
			}
			if err := codec.WritePacket(queryproto.ErrorResponse(queryproto.ErrBadPacket)); err != nil {
				conn.Close()
				return
			}
			continue
		}

		if req.Type == queryproto.TypeOpenStream {
			// The manager now owns conn; do not touch it again.
			s.mgr.OpenStream(conn, req.ThreadID, req.Filter)
			return
		}

		resp, err := s.mgr.HandleClientRequest(ctx, req)
		if err != nil {
			conn.Close()
			return
		}
		if err := codec.WritePacket(resp); err != nil {
			conn.Close()
			return
		}
	}
}
