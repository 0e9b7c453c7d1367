package media

import (
	"errors"
	"sync"
	"time"
)

// Errors.
var (
	ErrNoSample    = errors.New("no sample available")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded sample buffer. The push side is a network
// connection, the read side is a pipeline callback that must never
// block. When full, the oldest sample is dropped.
type Queue struct {
	mu     sync.Mutex
	ch     chan *Sample
	closed bool
}

// NewQueue returns a queue holding up to size samples.
func NewQueue(size int) *Queue {
	return &Queue{
		ch: make(chan *Sample, size),
	}
}

// Push adds a sample, dropping the oldest one when full.
func (q *Queue) Push(sample *Sample) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	for {
		select {
		case q.ch <- sample:
			return nil
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

// TryRead returns the next sample without blocking.
func (q *Queue) TryRead() (*Sample, bool) {
	select {
	case sample := <-q.ch:
		return sample, true
	default:
		return nil, false
	}
}

// ReadTimeout waits up to timeout for a sample. Only used while
// peeking the first sample during pipeline construction.
func (q *Queue) ReadTimeout(timeout time.Duration) (*Sample, error) {
	select {
	case sample := <-q.ch:
		return sample, nil
	case <-time.After(timeout):
		return nil, ErrNoSample
	}
}

// Closed reports whether the push side is gone. Buffered samples may
// still be pending.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Clear drops all buffered samples.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Close rejects further pushes. Buffered samples stay readable so the
// tail of the stream reaches the client.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
