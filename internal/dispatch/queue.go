package dispatch

import (
	"sync"

	"github.com/eapache/queue"
)

// Task is one pending callback invocation.
type Task func() error

// Queue is a thread-safe FIFO of tasks. Consumers block on a condition
// variable while it is empty.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool

	// Stats
	totalPushed int64
	totalPopped int64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task and wakes one waiting consumer.
// Returns false if the queue is closed.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items.Add(t)
	q.totalPushed++
	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest task. While the queue is empty it blocks
// as long as live reports true. Queued tasks are always handed out before
// Pop reports exhaustion, so a consumer that stops on false never strands
// work that was pushed before it looked.
//
// live is evaluated with the queue lock held; it must not call back into the
// queue.
func (q *Queue) Pop(live func() bool) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Length() == 0 && !q.closed && live() {
		q.cond.Wait()
	}

	if q.items.Length() == 0 {
		return nil, false
	}

	t := q.items.Remove().(Task)
	q.totalPopped++
	return t, true
}

// TryPop removes the oldest task without blocking.
func (q *Queue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		return nil, false
	}

	t := q.items.Remove().(Task)
	q.totalPopped++
	return t, true
}

// Wake releases every blocked consumer so it can re-check its live condition.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close stops accepting tasks and releases all waiters. Tasks already queued
// can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Count:       q.items.Length(),
		TotalPushed: q.totalPushed,
		TotalPopped: q.totalPopped,
	}
}

// Stats holds queue statistics.
type Stats struct {
	Count       int
	TotalPushed int64
	TotalPopped int64
}
