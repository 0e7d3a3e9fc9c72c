// Package queue holds webhook-delivered candidates until they are ready to
// process. GitHub's APIs lag behind webhook delivery, so each item waits a
// configurable delay before the engine may drain it.
package queue

import (
	"sync"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
)

// Queue is a FIFO of candidates with delayed readiness. Delays suspend
// items without blocking: Enqueue returns immediately and a timer moves the
// item into the ready list when its delay elapses.
type Queue struct {
	mu      sync.Mutex
	ready   []selector.Candidate
	pending map[*time.Timer]struct{}
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{pending: make(map[*time.Timer]struct{})}
}

// Enqueue adds a candidate, ready after the given delay. A zero or negative
// delay makes it ready immediately. Enqueueing on a closed queue drops the
// candidate.
func (q *Queue) Enqueue(c selector.Candidate, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if delay <= 0 {
		q.ready = append(q.ready, c)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.pending, timer)
		if q.closed {
			return
		}
		q.ready = append(q.ready, c)
	})
	q.pending[timer] = struct{}{}
}

// Drain removes and returns all currently ready candidates in the order
// they became ready. Items still waiting on their delay are untouched.
func (q *Queue) Drain() []selector.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ready
	q.ready = nil
	return out
}

// Len returns the number of ready candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pending returns the number of candidates still waiting on their delay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops all delay timers and drops everything still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.pending {
		timer.Stop()
	}
	q.pending = make(map[*time.Timer]struct{})
	q.ready = nil
}
