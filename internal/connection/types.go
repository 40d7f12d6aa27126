package connection

import (
	"errors"
	"io"
	"net"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
	ErrServerDone   = errors.New("server accepted its configured connection count")
)

// ConnectionError reports a failed connect or accept.
type ConnectionError struct {
	Op   string // "dial" or "accept"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return e.Op + " " + e.Addr + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Endpoint is the byte stream a connection frames messages over.
type Endpoint interface {
	io.ReadWriteCloser
}

// readDeadliner is implemented by endpoints that support read timeouts.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// addresser is implemented by endpoints that know their peer.
type addresser interface {
	RemoteAddr() net.Addr
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultHeartbeat is the default heartbeat request and response payload.
const DefaultHeartbeat = "still alive"

// Config configures a connection.
type Config struct {
	Timeout           time.Duration // Heartbeat interval; the peer's read timeout is assumed to match
	HeartbeatRequest  string        // Payload this side sends as a heartbeat
	HeartbeatResponse string        // Payload this side recognizes as a heartbeat and suppresses
	SendMargin        time.Duration // Heartbeat is sent this long before Timeout elapses
	SkipMargin        time.Duration // Recent writes within Timeout-SkipMargin make a heartbeat unnecessary
	MaxPayload        int           // Largest accepted incoming payload (0 = frame.DefaultMaxPayload)
	ReadTimeout       bool          // Arm a read deadline of Timeout when the connection is established
	DialTimeout       time.Duration // Connect timeout for client factories (0 = none)
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		HeartbeatRequest:  DefaultHeartbeat,
		HeartbeatResponse: DefaultHeartbeat,
		SendMargin:        2 * time.Second,
		SkipMargin:        3 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HeartbeatRequest == "" {
		c.HeartbeatRequest = d.HeartbeatRequest
	}
	if c.HeartbeatResponse == "" {
		c.HeartbeatResponse = d.HeartbeatResponse
	}
	if c.SendMargin <= 0 {
		c.SendMargin = d.SendMargin
	}
	if c.SkipMargin <= 0 {
		c.SkipMargin = d.SkipMargin
	}
	return c
}

// margins returns the send and skip margins to use for timeout. Margins that
// would swallow the whole interval are scaled to timeout/5 and 3*timeout/10.
func margins(timeout, send, skip time.Duration) (time.Duration, time.Duration) {
	if send >= timeout {
		send = timeout / 5
		skip = timeout * 3 / 10
	}
	if skip < send {
		skip = send
	}
	return send, skip
}

// Stats holds per-connection counters.
type Stats struct {
	MessagesSent       int64
	MessagesReceived   int64
	HeartbeatsSent     int64
	HeartbeatsReceived int64
	LastSentAt         time.Time
}
