package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Errors
var (
	// ErrRejected is returned by Submit when every worker is busy and the
	// queue is full. Submissions are never buffered beyond QueueDepth.
	ErrRejected = errors.New("worker pool saturated: task rejected")

	ErrPoolClosed = errors.New("worker pool closed")
)

// Config configures a Pool.
type Config struct {
	Size       int // Number of workers
	QueueDepth int // Tasks that may wait for a free worker
}

// DefaultConfig returns the reference sizing: 10 workers, 10 queued tasks.
func DefaultConfig() Config {
	return Config{
		Size:       10,
		QueueDepth: 10,
	}
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	tasks chan func()
	group errgroup.Group

	mu     sync.RWMutex
	closed bool

	running  atomic.Int64
	rejected atomic.Int64
	finished atomic.Int64
}

// New creates a pool and starts its workers.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		tasks:  make(chan func(), cfg.QueueDepth),
	}

	for i := 0; i < cfg.Size; i++ {
		p.group.Go(func() error {
			p.worker()
			return nil
		})
	}

	return p
}

// Submit schedules task without blocking. It returns ErrRejected when the
// pool cannot take the task right now.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		p.rejected.Add(1)
		p.logger.Warn("worker pool backpressure, rejecting task",
			"size", p.cfg.Size,
			"queue_depth", p.cfg.QueueDepth,
			"running", p.running.Load(),
		)
		return ErrRejected
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// worker executes tasks until the pool is shut down.
func (p *Pool) worker() {
	for task := range p.tasks {
		p.run(task)
	}
}

// run executes one task; a panic is logged and the worker keeps serving.
func (p *Pool) run(task func()) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.finished.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
		}
	}()

	task()
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:     p.cfg.Size,
		Running:  int(p.running.Load()),
		Queued:   len(p.tasks),
		Rejected: p.rejected.Load(),
		Finished: p.finished.Load(),
	}
}

// Stats describes pool utilisation.
type Stats struct {
	Size     int
	Running  int
	Queued   int
	Rejected int64
	Finished int64
}
