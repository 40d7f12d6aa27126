package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/keepsock/internal/frame"
)

// Conn is one framed, heartbeat-kept peer link.
type Conn struct {
	id      atomic.Int64
	session uuid.UUID
	logger  *slog.Logger

	// Endpoint and settings
	mu           sync.RWMutex
	endpoint     Endpoint
	reader       *frame.Reader
	state        State
	timeout      time.Duration
	readDeadline time.Duration // 0 = no deadline armed
	hbRequest    string
	hbResponse   string
	sendMargin   time.Duration
	skipMargin   time.Duration
	maxPayload   int
	armOnAttach  bool

	// Write serialization; lastSent is only touched while holding writeMu.
	writeMu  sync.Mutex
	lastSent time.Time

	closeOnce sync.Once
	done      chan struct{}

	msgsSent atomic.Int64
	msgsRecv atomic.Int64
	hbSent   atomic.Int64
	hbRecv   atomic.Int64
}

// NewConn creates an unconnected connection. Attach supplies its endpoint.
func NewConn(cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	c := &Conn{
		session:     uuid.New(),
		state:       StateNew,
		timeout:     cfg.Timeout,
		hbRequest:   cfg.HeartbeatRequest,
		hbResponse:  cfg.HeartbeatResponse,
		sendMargin:  cfg.SendMargin,
		skipMargin:  cfg.SkipMargin,
		maxPayload:  cfg.MaxPayload,
		armOnAttach: cfg.ReadTimeout,
		done:        make(chan struct{}),
	}
	c.logger = logger.With("session", c.session.String())
	return c
}

// Attach installs an established endpoint and marks the connection connected.
// Attaching to a closed connection closes ep and returns ErrClosed.
func (c *Conn) Attach(ep Endpoint) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		ep.Close()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return errors.New("connection already attached")
	}

	c.endpoint = ep
	c.reader = frame.NewReader(ep, c.maxPayload)
	c.state = StateConnected
	if c.armOnAttach {
		c.readDeadline = c.timeout
	}
	c.mu.Unlock()

	c.logger.Debug("connection attached", "remote", c.RemoteAddr())
	return nil
}

// ID returns the id assigned by the manager or factory.
func (c *Conn) ID() int { return int(c.id.Load()) }

// SetID assigns the connection id.
func (c *Conn) SetID(id int) {
	c.id.Store(int64(id))
	c.logger = c.logger.With("conn", id)
}

// SetLogger replaces the connection's logger, keeping its session and id
// attributes. Call it before the connection is shared.
func (c *Conn) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger.With("session", c.session.String(), "conn", c.ID())
}

// Session returns the connection's log-correlation id.
func (c *Conn) Session() uuid.UUID { return c.session }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *slog.Logger { return c.logger }

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the endpoint is established and not closed.
func (c *Conn) IsConnected() bool { return c.State() == StateConnected }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer address when the endpoint exposes one.
func (c *Conn) RemoteAddr() string {
	c.mu.RLock()
	ep := c.endpoint
	c.mu.RUnlock()

	if a, ok := ep.(addresser); ok && a.RemoteAddr() != nil {
		return a.RemoteAddr().String()
	}
	return ""
}

// Timeout returns the heartbeat interval.
func (c *Conn) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// SetTimeout changes the heartbeat interval. On an established connection
// whose endpoint supports deadlines it also becomes the read timeout.
func (c *Conn) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("timeout must be > 0")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeout = d
	if c.endpoint == nil {
		return nil
	}
	if _, ok := c.endpoint.(readDeadliner); ok {
		c.readDeadline = d
	}
	return nil
}

// Heartbeat returns the request and response heartbeat payloads.
func (c *Conn) Heartbeat() (request, response string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hbRequest, c.hbResponse
}

// SetHeartbeat changes the heartbeat payloads. Empty strings are rejected
// because an empty frame is never valid on the wire.
func (c *Conn) SetHeartbeat(request, response string) error {
	if request == "" || response == "" {
		return errors.New("heartbeat payloads must not be empty")
	}

	c.mu.Lock()
	c.hbRequest, c.hbResponse = request, response
	c.mu.Unlock()
	return nil
}

// IsHeartbeat reports whether payload is the configured heartbeat response.
func (c *Conn) IsHeartbeat(payload []byte) bool {
	_, resp := c.Heartbeat()
	return len(payload) == len(resp) && string(payload) == resp
}

// liveEndpoint returns the endpoint or why there is none.
func (c *Conn) liveEndpoint() (Endpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateNew:
		return nil, ErrNotConnected
	case StateClosed:
		return nil, ErrClosed
	}
	return c.endpoint, nil
}

// Send writes payload as one frame. Concurrent calls never interleave on the
// wire.
func (c *Conn) Send(payload []byte) error {
	if err := c.write(payload); err != nil {
		return err
	}
	c.msgsSent.Add(1)
	return nil
}

func (c *Conn) write(payload []byte) error {
	if len(payload) < 1 {
		return &frame.ProtocolError{Reason: frame.ReasonEmpty}
	}

	ep, err := c.liveEndpoint()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.lastSent = time.Now()
	return frame.Write(ep, payload)
}

// LastSent returns the time of the most recent write.
func (c *Conn) LastSent() time.Time {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.lastSent
}

// ReadMessage reads the next frame, heartbeats included. Only one goroutine
// may read at a time.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.mu.RLock()
	state, ep, r, deadline := c.state, c.endpoint, c.reader, c.readDeadline
	c.mu.RUnlock()

	switch state {
	case StateNew:
		return nil, ErrNotConnected
	case StateClosed:
		return nil, ErrClosed
	}

	if deadline > 0 {
		if d, ok := ep.(readDeadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(deadline)); err != nil {
				return nil, err
			}
		}
	}

	return r.Read()
}

// ReadLoop reads frames until the connection fails or closes, passing every
// non-heartbeat payload to deliver in wire order. It returns the error that
// ended the loop; after Close that is ErrClosed.
func (c *Conn) ReadLoop(deliver func(payload []byte)) error {
	for c.IsConnected() {
		payload, err := c.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return ErrClosed
			}
			return err
		}

		if c.IsHeartbeat(payload) {
			c.hbRecv.Add(1)
			c.logger.Debug("heartbeat received")
			continue
		}

		c.msgsRecv.Add(1)
		deliver(payload)
	}
	return ErrClosed
}

// HeartbeatLoop keeps the peer's read timeout from firing while the link is
// idle. It sleeps until SendMargin before the interval runs out and sends the
// heartbeat request unless a write in the meantime already reset the clock.
// It returns nil when the connection closes and the write error otherwise.
func (c *Conn) HeartbeatLoop() error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for c.IsConnected() {
		timeout := c.Timeout()
		send, skip := c.margins(timeout)

		wait := timeout - c.idleFor(timeout) - send
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-c.done:
			return nil
		case <-timer.C:
		}

		if c.idleFor(timeout)+skip < timeout {
			continue
		}

		req, _ := c.Heartbeat()
		if err := c.write([]byte(req)); err != nil {
			if c.State() == StateClosed {
				return nil
			}
			return err
		}
		c.hbSent.Add(1)
		c.logger.Debug("heartbeat sent")
	}
	return nil
}

// idleFor returns the time since the last write, capped at timeout. A
// connection that never wrote counts as idle for the whole interval.
func (c *Conn) idleFor(timeout time.Duration) time.Duration {
	last := c.LastSent()
	if last.IsZero() {
		return timeout
	}
	if idle := time.Since(last); idle < timeout {
		return idle
	}
	return timeout
}

func (c *Conn) margins(timeout time.Duration) (time.Duration, time.Duration) {
	c.mu.RLock()
	send, skip := c.sendMargin, c.skipMargin
	c.mu.RUnlock()
	return margins(timeout, send, skip)
}

// Stats returns the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		MessagesSent:       c.msgsSent.Load(),
		MessagesReceived:   c.msgsRecv.Load(),
		HeartbeatsSent:     c.hbSent.Load(),
		HeartbeatsReceived: c.hbRecv.Load(),
		LastSentAt:         c.LastSent(),
	}
}

// Close releases the endpoint. Blocked reads and writes fail promptly.
// Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		ep := c.endpoint
		c.mu.Unlock()

		close(c.done)
		if ep != nil {
			err = ep.Close()
		}
		c.logger.Debug("connection closed")
	})
	return err
}
