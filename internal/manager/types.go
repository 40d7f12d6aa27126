package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/workerpool"
)

// Errors
var (
	// ErrRejected is returned by AddClient and AddServer when the worker pool
	// has no room for the establishment task.
	ErrRejected = workerpool.ErrRejected

	ErrShutdown = errors.New("manager shut down")
)

// Config holds configuration for the Manager.
type Config struct {
	Pool        workerpool.Config
	MaxInvokers int // Concurrent callback workers; 1 keeps delivery in FIFO order

	// LogSink receives one formatted line per manager log record. When set it
	// replaces Logger.
	LogSink func(line string)
	Logger  *slog.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Pool:        workerpool.DefaultConfig(),
		MaxInvokers: 1,
	}
}

// ClientFactory produces outbound connections.
type ClientFactory interface {
	ID() int
	SetID(id int)
	Connect(ctx context.Context) (*connection.Conn, error)
}

// ServerFactory produces a bounded number of inbound connections.
type ServerFactory interface {
	ID() int
	SetID(id int)
	Count() int
	Accept(ctx context.Context) (*connection.Conn, error)
	Close() error
}

// Observer receives connection events. All methods run on an invoker worker,
// one event at a time in the order the events were produced.
type Observer interface {
	OnConnectionSucceeded(id int, conn *connection.Conn)
	OnConnectionFailed(id int, err error)
	OnMessage(id int, conn *connection.Conn, payload []byte) error
	OnDisconnected(id int, conn *connection.Conn)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are no-ops.
type ObserverFuncs struct {
	Succeeded    func(id int, conn *connection.Conn)
	Failed       func(id int, err error)
	Message      func(id int, conn *connection.Conn, payload []byte) error
	Disconnected func(id int, conn *connection.Conn)
}

func (o ObserverFuncs) OnConnectionSucceeded(id int, conn *connection.Conn) {
	if o.Succeeded != nil {
		o.Succeeded(id, conn)
	}
}

func (o ObserverFuncs) OnConnectionFailed(id int, err error) {
	if o.Failed != nil {
		o.Failed(id, err)
	}
}

func (o ObserverFuncs) OnMessage(id int, conn *connection.Conn, payload []byte) error {
	if o.Message != nil {
		return o.Message(id, conn, payload)
	}
	return nil
}

func (o ObserverFuncs) OnDisconnected(id int, conn *connection.Conn) {
	if o.Disconnected != nil {
		o.Disconnected(id, conn)
	}
}

// CallbackError reports an observer callback that returned an error or
// panicked.
type CallbackError struct {
	Event string
	ID    int
	Err   error
	Panic any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback %s (conn %d) panicked: %v", e.Event, e.ID, e.Panic)
	}
	return fmt.Sprintf("callback %s (conn %d): %v", e.Event, e.ID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Stats provides statistics about the manager.
type Stats struct {
	Connections int
	Invokers    int
	Queued      int
	Dispatched  int64
	Pool        workerpool.Stats
}

// Event names used in logs and CallbackError.
const (
	EventSucceeded    = "connection_succeeded"
	EventFailed       = "connection_failed"
	EventMessage      = "message"
	EventDisconnected = "disconnected"
)
