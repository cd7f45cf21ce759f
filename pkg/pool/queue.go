package pool

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrQueueFull   = errors.New("media queue full")
	ErrQueueClosed = errors.New("media queue closed")
)

// Queue is a bounded FIFO of filled buffers between one producer and one
// consumer.
type Queue struct {
	ch     chan *Buffer
	closed atomic.Bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Buffer, capacity)}
}

// Enqueue never blocks; ownership of b moves to the queue on success.
func (q *Queue) Enqueue(b *Buffer) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Poll waits up to timeout for the next buffer. A nil result means the
// timeout elapsed, so consumers can check their own stop flags in between.
func (q *Queue) Poll(timeout time.Duration) *Buffer {
	select {
	case b := <-q.ch:
		return b
	default:
	}
	if timeout <= 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-q.ch:
		return b
	case <-timer.C:
		return nil
	}
}

func (q *Queue) TryPoll() *Buffer {
	return q.Poll(0)
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close rejects further enqueues; buffers already queued stay pollable.
func (q *Queue) Close() {
	q.closed.Store(true)
}
