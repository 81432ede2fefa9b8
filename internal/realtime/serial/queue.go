// Package serial runs callbacks in order on a dedicated goroutine.
package serial

import "sync"

// Queue runs pushed funcs in order on its own goroutine. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []func()
	wake   chan struct{}
	closed bool
}

// New starts a queue.
func New() *Queue {
	q := &Queue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

// Push appends fn. It is dropped once the queue is closed.
func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the queue once every item pushed so far has run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
