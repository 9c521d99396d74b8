package engine

import "sync"

// readyQueue is a FIFO of process ids handed from the dispatcher to workers.
//
// An id stays "pending" from Enqueue until Done, so a process that is queued
// or mid-step is never queued twice.
//
// The queue uses a channel for signaling to enable context-aware waiting in
// worker loops.
type readyQueue struct {
	mu      sync.Mutex
	ids     []int64
	pending map[int64]bool
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		ids:     make([]int64, 0, 64),
		pending: make(map[int64]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds id unless it is already pending. Returns false if the id was
// not added.
func (q *readyQueue) Enqueue(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.pending[id] {
		return false
	}
	q.pending[id] = true
	q.ids = append(q.ids, id)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front id without blocking.
func (q *readyQueue) TryDequeue() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	// More work may remain for other waiters.
	if len(q.ids) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Done marks id as no longer pending.
func (q *readyQueue) Done(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
}

// Wait returns a channel that signals when ids may be available.
func (q *readyQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued ids, excluding in-flight ones.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Pending returns the number of queued plus in-flight ids.
func (q *readyQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the queue from accepting ids and wakes waiters.
func (q *readyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
