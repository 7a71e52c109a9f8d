package volhud

import (
	"sync"

	"go.uber.org/zap"
)

// DispatchQueue runs submitted functions one at a time, in submission order,
// on a single goroutine it owns
type DispatchQueue struct {
	name   string
	logger *zap.SugaredLogger

	lock    sync.Mutex
	wake    *sync.Cond
	pending []func()
	closed  bool

	done chan struct{}
}

func NewDispatchQueue(logger *zap.SugaredLogger, name string) *DispatchQueue {
	q := &DispatchQueue{
		name:   name,
		logger: logger.Named("queue." + name),
		done:   make(chan struct{}),
	}
	q.wake = sync.NewCond(&q.lock)

	go q.run()

	return q
}

// Async enqueues fn and returns immediately. It reports false if the queue
// is already closed, in which case fn never runs
func (q *DispatchQueue) Async(fn func()) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return false
	}

	q.pending = append(q.pending, fn)
	q.wake.Signal()

	return true
}

// Sync enqueues fn and waits until it ran. Must not be called from the queue's own goroutine
func (q *DispatchQueue) Sync(fn func()) bool {
	finished := make(chan struct{})

	if !q.Async(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	<-finished

	return true
}

// Close stops accepting work, drains what was already queued and waits for
// the queue goroutine to exit. Safe to call more than once
func (q *DispatchQueue) Close() {
	q.lock.Lock()
	if !q.closed {
		q.closed = true
		q.wake.Broadcast()
	}
	q.lock.Unlock()

	<-q.done
}

func (q *DispatchQueue) run() {
	defer close(q.done)

	for {
		q.lock.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.wake.Wait()
		}

		if len(q.pending) == 0 {
			q.lock.Unlock()
			q.logger.Debug("Queue drained and closed")
			return
		}

		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.lock.Unlock()

		fn()
	}
}
