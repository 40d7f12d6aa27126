package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/dispatch"
	"github.com/rickgao/keepsock/internal/logging"
	"github.com/rickgao/keepsock/internal/workerpool"
)

// Manager runs connections on a shared worker pool and reports their events
// to observers through a single dispatch queue.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	pool  *workerpool.Pool
	queue *dispatch.Queue

	ctx    context.Context
	cancel context.CancelFunc

	// Registry and invoker count
	mu       sync.Mutex
	conns    map[*connection.Conn]struct{}
	servers  map[ServerFactory]struct{}
	invokers int
	closed   bool

	// live mirrors len(conns) so the queue can test it without m.mu.
	live       atomic.Int64
	nextID     atomic.Int64
	dispatched atomic.Int64
}

// New creates a Manager and starts its worker pool.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if cfg.LogSink != nil {
		logger = logging.NewSinkLogger(cfg.LogSink, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInvokers < 1 {
		cfg.MaxInvokers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		pool:    workerpool.New(cfg.Pool, logger),
		queue:   dispatch.NewQueue(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*connection.Conn]struct{}),
		servers: make(map[ServerFactory]struct{}),
	}
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// AddClient establishes a connection from factory on the pool. The outcome is
// reported to observer as connection-succeeded or connection-failed. It
// returns ErrRejected when the pool cannot take the task.
func (m *Manager) AddClient(factory ClientFactory, observer Observer) error {
	if m.isClosed() {
		return ErrShutdown
	}
	observer = orNoop(observer)
	id := m.assignID(factory)

	err := m.pool.Submit(func() {
		conn, err := factory.Connect(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("connect failed", "conn", id, "error", err)
			m.dispatch(EventFailed, id, func() error {
				observer.OnConnectionFailed(id, err)
				return nil
			})
			return
		}

		conn.SetID(id)
		m.start(conn, observer)
	})
	if err != nil {
		return fmt.Errorf("add client %d: %w", id, err)
	}
	return nil
}

// AddServer accepts up to factory.Count() connections on the pool. Each
// accepted connection gets its own id; a failed accept is reported under the
// server's id and the loop continues. Accepted connections therefore carry
// ids distinct from the factory's own. The factory is closed once the loop
// ends.
func (m *Manager) AddServer(factory ServerFactory, observer Observer) error {
	observer = orNoop(observer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.servers[factory] = struct{}{}
	m.mu.Unlock()

	id := m.assignID(factory)

	err := m.pool.Submit(func() {
		defer m.forgetServer(factory)
		m.acceptLoop(id, factory, observer)
	})
	if err != nil {
		m.forgetServer(factory)
		return fmt.Errorf("add server %d: %w", id, err)
	}
	return nil
}

func (m *Manager) acceptLoop(id int, factory ServerFactory, observer Observer) {
	logger := m.logger.With("server", id)

	for i := 0; i < factory.Count(); i++ {
		conn, err := factory.Accept(m.ctx)
		if errors.Is(err, connection.ErrServerDone) {
			break
		}
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "error", err)
			m.dispatch(EventFailed, id, func() error {
				observer.OnConnectionFailed(id, err)
				return nil
			})
			continue
		}

		conn.SetID(int(m.nextID.Add(1)))
		m.start(conn, observer)
	}

	if err := factory.Close(); err != nil {
		logger.Debug("server close error", "error", err)
	}
	logger.Debug("accept loop finished", "count", factory.Count())
}

// start registers conn, reports it established, and launches its reader and
// writer. Success is queued first so it precedes every message.
func (m *Manager) start(conn *connection.Conn, observer Observer) {
	id := conn.ID()
	conn.SetLogger(m.logger)

	if !m.register(conn) {
		conn.Close()
		return
	}

	conn.Logger().Info("connection established", "remote", conn.RemoteAddr())
	m.dispatch(EventSucceeded, id, func() error {
		observer.OnConnectionSucceeded(id, conn)
		return nil
	})

	// The reader owns deregistration and the disconnect report.
	if err := m.pool.Submit(func() { m.readTask(conn, observer) }); err != nil {
		m.logger.Warn("reader task rejected", "conn", id, "error", err)
		m.RemoveConnection(conn)
		m.dispatch(EventDisconnected, id, func() error {
			observer.OnDisconnected(id, conn)
			return nil
		})
		return
	}

	if err := m.pool.Submit(func() { m.writeTask(conn) }); err != nil {
		// Closing ends the reader, which reports the disconnect.
		m.logger.Warn("writer task rejected", "conn", id, "error", err)
		conn.Close()
	}
}

// readTask delivers inbound messages until the connection ends, then
// deregisters and closes it and reports the disconnect exactly once.
func (m *Manager) readTask(conn *connection.Conn, observer Observer) {
	id := conn.ID()

	err := conn.ReadLoop(func(payload []byte) {
		m.dispatch(EventMessage, id, func() error {
			return observer.OnMessage(id, conn, payload)
		})
	})
	if err != nil && !errors.Is(err, connection.ErrClosed) {
		conn.Logger().Warn("read failed", "error", err)
	}

	m.RemoveConnection(conn)
	m.dispatch(EventDisconnected, id, func() error {
		observer.OnDisconnected(id, conn)
		return nil
	})
}

func (m *Manager) writeTask(conn *connection.Conn) {
	if err := conn.HeartbeatLoop(); err != nil {
		conn.Logger().Warn("heartbeat failed", "error", err)
	}
}

// RemoveConnection deregisters and closes conn. Blocked invokers are woken
// so they can exit once nothing is left to deliver.
func (m *Manager) RemoveConnection(conn *connection.Conn) {
	m.deregister(conn)
	if err := conn.Close(); err != nil {
		conn.Logger().Debug("close error", "error", err)
	}
	if m.queue.Len() == 0 {
		m.queue.Wake()
	}
}

func (m *Manager) register(conn *connection.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.conns[conn]; !ok {
		m.conns[conn] = struct{}{}
		m.live.Add(1)
	}
	return true
}

func (m *Manager) deregister(conn *connection.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[conn]; ok {
		delete(m.conns, conn)
		m.live.Add(-1)
	}
}

func (m *Manager) forgetServer(factory ServerFactory) {
	m.mu.Lock()
	delete(m.servers, factory)
	m.mu.Unlock()
}

// dispatch queues one callback and makes sure an invoker will run it.
func (m *Manager) dispatch(event string, id int, fn func() error) {
	task := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &CallbackError{Event: event, ID: id, Panic: r}
			}
		}()
		if err := fn(); err != nil {
			return &CallbackError{Event: event, ID: id, Err: err}
		}
		return nil
	}

	if !m.queue.Push(task) {
		m.logger.Debug("dispatch queue closed, dropping event", "event", event, "conn", id)
		return
	}
	m.dispatched.Add(1)
	m.ensureInvoker()
}

func (m *Manager) ensureInvoker() {
	m.mu.Lock()
	if m.invokers >= m.cfg.MaxInvokers {
		m.mu.Unlock()
		return
	}
	m.invokers++
	m.mu.Unlock()

	if err := m.pool.Submit(m.invoke); err != nil {
		m.mu.Lock()
		m.invokers--
		m.mu.Unlock()
		if errors.Is(err, workerpool.ErrPoolClosed) {
			return
		}
		m.logger.Warn("invoker not started, events stay queued",
			"queued", m.queue.Len(),
			"error", err,
		)
	}
}

// invoke runs queued callbacks while connections are registered or events
// are pending.
func (m *Manager) invoke() {
	alive := func() bool { return m.live.Load() > 0 }

	for {
		task, ok := m.queue.Pop(alive)
		if ok {
			if err := task(); err != nil {
				m.logger.Error("callback failed", "error", err)
			}
			continue
		}

		// A dispatch that saw this invoker still counted will not start a
		// new one, so re-check the queue after giving up the slot.
		m.mu.Lock()
		m.invokers--
		if m.queue.Len() > 0 {
			m.invokers++
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		return
	}
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	conns, invokers := len(m.conns), m.invokers
	m.mu.Unlock()

	return Stats{
		Connections: conns,
		Invokers:    invokers,
		Queued:      m.queue.Len(),
		Dispatched:  m.dispatched.Load(),
		Pool:        m.pool.Stats(),
	}
}

// Shutdown closes every server and connection, stops the pool, and delivers
// any events still queued before returning.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*connection.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	servers := make([]ServerFactory, 0, len(m.servers))
	for s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down manager",
		"connections", len(conns),
		"servers", len(servers),
	)

	m.cancel()
	for _, s := range servers {
		if err := s.Close(); err != nil {
			m.logger.Debug("server close error", "server", s.ID(), "error", err)
		}
	}
	for _, c := range conns {
		c.Close()
	}
	m.queue.Wake()

	err := m.pool.Shutdown(ctx)
	m.queue.Close()
	if err != nil {
		m.logger.Warn("shutdown timeout", "error", err)
		return err
	}

	// Readers that finished after the last invoker left could not start a
	// new one on the stopped pool.
	m.drain()

	m.logger.Info("manager stopped")
	return nil
}

func (m *Manager) drain() {
	for {
		task, ok := m.queue.TryPop()
		if !ok {
			return
		}
		if err := task(); err != nil {
			m.logger.Error("callback failed", "error", err)
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type identified interface {
	ID() int
	SetID(id int)
}

// assignID gives f a manager-unique id unless it already has one.
func (m *Manager) assignID(f identified) int {
	if id := f.ID(); id != 0 {
		return id
	}
	id := int(m.nextID.Add(1))
	f.SetID(id)
	return id
}

func orNoop(o Observer) Observer {
	if o == nil {
		return ObserverFuncs{}
	}
	return o
}
