package job

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push and Pop once the queue has been closed.
var ErrQueueClosed = errors.New("work queue closed")

// Queue is an unbounded FIFO of descriptors. Push never blocks; Pop blocks
// until an item is available, the queue is closed, or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []Descriptor
	closed bool

	ready chan struct{} // holds one token while items may be available
	done  chan struct{} // closed by Close
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends d to the tail of the queue.
func (q *Queue) Push(d Descriptor) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes and returns the head of the queue, waiting while it is empty.
// Items still queued when the queue is closed are not returned.
func (q *Queue) Pop(ctx context.Context) (Descriptor, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Descriptor{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = Descriptor{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			if more {
				q.signal()
			}
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		}
	}
}

// Close wakes all blocked poppers. Further Push and Pop calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued descriptors.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
