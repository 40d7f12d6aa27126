package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
)

// Server accepts up to Count inbound connections from a listener.
type Server struct {
	ln     net.Listener
	count  int
	cfg    Config
	logger *slog.Logger

	id       int
	accepted atomic.Int64
}

// NewServer wraps an existing listener.
func NewServer(ln net.Listener, count int, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ln:     ln,
		count:  count,
		cfg:    cfg,
		logger: logger,
	}
}

// Listen opens a listener on addr and wraps it.
func Listen(network, addr string, count int, cfg Config, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, &ConnectionError{Op: "listen", Addr: addr, Err: err}
	}
	return NewServer(ln, count, cfg, logger), nil
}

// ID returns the factory id (0 = let the manager assign one).
func (s *Server) ID() int { return s.id }

// SetID assigns the factory id.
func (s *Server) SetID(id int) { s.id = id }

// Count returns the maximum number of connections this server accepts.
func (s *Server) Count() int { return s.count }

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Accept waits for the next inbound connection. Cancelling ctx closes the
// listener.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	if int(s.accepted.Load()) >= s.count {
		return nil, ErrServerDone
	}

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	nc, err := s.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return nil, &ConnectionError{Op: "accept", Addr: s.ln.Addr().String(), Err: err}
	}
	s.accepted.Add(1)

	conn := NewConn(s.cfg, s.logger)
	if err := conn.Attach(nc); err != nil {
		return nil, &ConnectionError{Op: "accept", Addr: s.ln.Addr().String(), Err: err}
	}

	s.logger.Debug("server accepted", "remote", nc.RemoteAddr().String(), "session", conn.Session().String())
	return conn, nil
}

// Close closes the listener; accepted connections are unaffected.
func (s *Server) Close() error {
	return s.ln.Close()
}
