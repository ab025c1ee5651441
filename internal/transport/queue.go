package transport

import (
	"sync"

	"cipherline/internal/domain"
)

// queue is the bounded outbound FIFO. ready is signalled after every push.
type queue struct {
	mu       sync.Mutex
	frames   []domain.Frame
	capacity int
	ready    chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity, ready: make(chan struct{}, 1)}
}

// push appends f, evicting the oldest frames beyond capacity. It returns
// what was evicted.
func (q *queue) push(f domain.Frame) (dropped []domain.Frame) {
	q.mu.Lock()
	for len(q.frames) >= q.capacity {
		dropped = append(dropped, q.frames[0])
		q.frames[0] = domain.Frame{}
		q.frames = q.frames[1:]
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.signal()
	return dropped
}

// pushFront returns a frame whose write failed to the head. It may leave
// the queue one over capacity until the next push.
func (q *queue) pushFront(f domain.Frame) {
	q.mu.Lock()
	q.frames = append([]domain.Frame{f}, q.frames...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pop() (domain.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return domain.Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = domain.Frame{}
	q.frames = q.frames[1:]
	return f, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
