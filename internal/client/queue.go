package client

import "sync"

// queue is an unbounded FIFO drained by a single goroutine, so events are
// handled one at a time in arrival order and producers never block.
type queue struct {
	mu       sync.Mutex
	items    []any
	closing  bool
	handling bool
	wake     chan struct{}
	stopped  chan struct{}
}

func newQueue() *queue {
	return &queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// push enqueues v. Items pushed after close are dropped.
func (q *queue) push(v any) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run handles items until close, then drains what is left.
func (q *queue) run(handle func(any)) {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closing := q.closing
		q.handling = len(items) > 0
		q.mu.Unlock()

		for _, v := range items {
			handle(v)
		}
		if closing && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			<-q.wake
		}
	}
}

// close stops accepting items and waits until the queue is drained. Called
// while an item is being handled, as from a listener, it returns at once and
// run exits after the remaining items.
func (q *queue) close() {
	q.mu.Lock()
	q.closing = true
	busy := q.handling
	q.mu.Unlock()
	q.signal()
	if !busy {
		<-q.stopped
	}
}
