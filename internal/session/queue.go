package session

import "sync"

// queue is an unbounded multi-producer, single-consumer queue. Producers never
// block, the consumer waits on signal() and drains everything with pop().
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ch     chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ch: make(chan struct{}, 1)}
}

// push reports false once the queue has been closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ch <- struct{}{}:
	default:
	}
	return true
}

func (q *queue[T]) signal() <-chan struct{} {
	return q.ch
}

func (q *queue[T]) pop() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops pending items and rejects later pushes.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
