package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// maxRequestBytes caps a single newline-delimited request line.
const maxRequestBytes = 4 << 20 // 4MiB

// socketMode / socketDirMode match spec.md §4.6.1: owner-only socket file
// and parent directory.
const (
	socketMode    = 0o600
	socketDirMode = 0o700
)

// Server is the Unix-domain-socket transport: it accepts connections,
// verifies the peer's UID matches the daemon's own, and hands each
// newline-delimited JSON-RPC request to a Dispatcher.
type Server struct {
	socketPath string
	dispatcher *Dispatcher
	log        *slog.Logger

	listener *net.UnixListener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// NewServer constructs a Server bound to socketPath. Call Listen then
// Serve.
func NewServer(socketPath string, dispatcher *Dispatcher, log *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		dispatcher: dispatcher,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen creates the socket's parent directory and binds the listener,
// removing any stale socket file left by a previous crashed run.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), socketDirMode); err != nil {
		return fmt.Errorf("rpc: create socket directory: %w", err)
	}
	if err := os.Chmod(filepath.Dir(s.socketPath), socketDirMode); err != nil {
		return fmt.Errorf("rpc: chmod socket directory: %w", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("rpc: remove stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpc: resolve unix addr: %w", err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		l.Close()
		return fmt.Errorf("rpc: chmod socket: %w", err)
	}

	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	selfUID := uint32(os.Getuid())

	// Closing the listener is what unblocks AcceptUnix once ctx ends.
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if s.log != nil {
				s.log.Warn("rpc: accept failed", "error", err)
			}
			continue
		}

		s.track(conn)
		go s.handleConn(ctx, conn, selfUID)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting new connections, closes every active connection,
// and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return os.RemoveAll(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn, selfUID uint32) {
	defer s.untrack(conn)
	defer conn.Close()

	uid, err := peerUID(conn)
	if err != nil {
		if s.log != nil {
			s.log.Warn("rpc: peer credential check failed, closing connection", "error", err)
		}
		return
	}
	if uid != selfUID {
		if s.log != nil {
			s.log.Warn("rpc: peer uid mismatch, closing connection", "peer_uid", uid, "daemon_uid", selfUID)
		}
		return
	}
	peer := PeerInfo{UID: uid}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)

	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		responses, writeAny := s.handleLine(reqCtx, peer, trimmed)
		cancel()

		if !writeAny {
			continue
		}
		if err := enc.Encode(responses); err != nil {
			if s.log != nil {
				s.log.Warn("rpc: write response failed", "error", err)
			}
			return
		}
	}
}

// handleLine processes either a single request object or a JSON array
// (batch), per spec.md §4.6.1. Notifications produce no entry; an empty
// surviving batch produces no output at all.
func (s *Server) handleLine(ctx context.Context, peer PeerInfo, trimmed []byte) (any, bool) {
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return newErrorResponse(nil, ErrParse, "parse error: "+err.Error(), nil), true
		}
		if len(raws) == 0 {
			return newErrorResponse(nil, ErrInvalidRequest, "invalid request: empty batch", nil), true
		}

		var out []Response
		for _, raw := range raws {
			resp, isNotification := s.dispatcher.Handle(ctx, peer, raw)
			if isNotification {
				continue
			}
			out = append(out, resp)
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	}

	resp, isNotification := s.dispatcher.Handle(ctx, peer, trimmed)
	if isNotification {
		return nil, false
	}
	return resp, true
}
