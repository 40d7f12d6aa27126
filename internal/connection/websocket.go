package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsEndpoint presents a WebSocket as a byte stream. Each Write becomes one
// binary message; reads continue across message boundaries.
type wsEndpoint struct {
	conn *websocket.Conn
	r    io.Reader
}

func newWSEndpoint(conn *websocket.Conn) *wsEndpoint {
	return &wsEndpoint{conn: conn}
}

func (e *wsEndpoint) Read(p []byte) (int, error) {
	for {
		if e.r == nil {
			_, r, err := e.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			e.r = r
		}

		n, err := e.r.Read(p)
		if errors.Is(err, io.EOF) {
			e.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (e *wsEndpoint) Write(p []byte) (int, error) {
	if err := e.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *wsEndpoint) Close() error {
	e.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return e.conn.Close()
}

func (e *wsEndpoint) SetReadDeadline(t time.Time) error { return e.conn.SetReadDeadline(t) }

func (e *wsEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// WSClient establishes framed connections over WebSocket.
type WSClient struct {
	URL    string
	Header http.Header
	Config Config
	Dialer *websocket.Dialer

	id     int
	logger *slog.Logger
}

// NewWSClient creates a WebSocket client factory for url (ws:// or wss://).
func NewWSClient(url string, cfg Config, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		URL:    url,
		Config: cfg,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// ID returns the factory id (0 = let the manager assign one).
func (c *WSClient) ID() int { return c.id }

// SetID assigns the factory id.
func (c *WSClient) SetID(id int) { c.id = id }

// Connect performs the WebSocket handshake and returns a connected Conn.
func (c *WSClient) Connect(ctx context.Context) (*Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: c.URL, Err: err}
	}

	conn := NewConn(c.Config, c.logger)
	if err := conn.Attach(newWSEndpoint(ws)); err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: c.URL, Err: err}
	}

	c.logger.Debug("websocket connected", "url", c.URL, "session", conn.Session().String())
	return conn, nil
}

// WSServer is an http.Handler that upgrades up to Count requests and hands
// them out through Accept.
type WSServer struct {
	upgrader websocket.Upgrader
	count    int
	cfg      Config
	logger   *slog.Logger

	id       int
	upgraded atomic.Int64
	accepted atomic.Int64
	conns    chan *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSServer creates a WebSocket server factory.
func NewWSServer(count int, cfg Config, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	if count < 0 {
		count = 0
	}
	return &WSServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		count:  count,
		cfg:    cfg,
		logger: logger,
		conns:  make(chan *websocket.Conn, count),
		done:   make(chan struct{}),
	}
}

// ID returns the factory id (0 = let the manager assign one).
func (s *WSServer) ID() int { return s.id }

// SetID assigns the factory id.
func (s *WSServer) SetID(id int) { s.id = id }

// Count returns the maximum number of connections this server accepts.
func (s *WSServer) Count() int { return s.count }

// ServeHTTP upgrades the request while capacity remains.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	if int(s.upgraded.Add(1)) > s.count {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.upgraded.Add(-1)
		return
	}

	// Capacity was reserved above, so this never blocks.
	s.conns <- ws
}

// Accept waits for the next upgraded connection.
func (s *WSServer) Accept(ctx context.Context) (*Conn, error) {
	if int(s.accepted.Load()) >= s.count {
		return nil, ErrServerDone
	}

	select {
	case ws := <-s.conns:
		s.accepted.Add(1)
		conn := NewConn(s.cfg, s.logger)
		if err := conn.Attach(newWSEndpoint(ws)); err != nil {
			return nil, &ConnectionError{Op: "accept", Addr: ws.RemoteAddr().String(), Err: err}
		}
		return conn, nil
	case <-ctx.Done():
		return nil, &ConnectionError{Op: "accept", Addr: "websocket", Err: ctx.Err()}
	case <-s.done:
		return nil, &ConnectionError{Op: "accept", Addr: "websocket", Err: ErrClosed}
	}
}

// Close stops upgrading new requests and closes any upgraded connection not
// yet handed out by Accept.
func (s *WSServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for {
			select {
			case ws := <-s.conns:
				ws.Close()
			default:
				return
			}
		}
	})
	return nil
}
