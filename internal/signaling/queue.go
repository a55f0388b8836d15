package signaling

import "sync"

// queue delivers values in order on an unbuffered-looking channel without
// ever blocking the producer. Producers run on pion and websocket callback
// goroutines that must not stall on a slow consumer.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	out    chan T
	closed bool
	last   func(T) bool
	done   chan struct{}
}

// newQueue starts the pump. The pump exits after delivering a value for
// which last reports true, so a queue that reached its last value must be
// read to the end.
func newQueue[T any](last func(T) bool) *queue[T] {
	q := &queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		last: last,
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	if q.last(v) {
		q.closed = true
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pump() {
	defer close(q.done)
	defer close(q.out)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			q.out <- v
			if q.last(v) {
				return
			}
		}
	}
}
