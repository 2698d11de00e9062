// Package queue carries job payloads from producers to worker pools.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
)

// ErrClosed is returned by a queue that has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is an at-least-once job transport with one FIFO per kind. A payload
// returned by Dequeue must be acknowledged once handled.
type Queue interface {
	Enqueue(ctx context.Context, p jobs.Payload) error
	Dequeue(ctx context.Context, kind jobs.Kind) (jobs.Payload, error)
	Ack(ctx context.Context, p jobs.Payload) error
}

// MemoryQueue is an in-process queue. Payloads are lost on exit.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[jobs.Kind][]jobs.Payload
	cond   *sync.Cond
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		queues: make(map[jobs.Kind][]jobs.Payload),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, p jobs.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
	q.queues[p.Kind] = append(q.queues[p.Kind], p)
	q.cond.Broadcast()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, kind jobs.Kind) (jobs.Payload, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return jobs.Payload{}, err
		}
		if items := q.queues[kind]; len(items) > 0 {
			p := items[0]
			q.queues[kind] = items[1:]
			return p, nil
		}
		if q.closed {
			return jobs.Payload{}, ErrClosed
		}
		q.cond.Wait()
	}
}

// Ack is a no-op: a dequeued payload is already gone.
func (q *MemoryQueue) Ack(context.Context, jobs.Payload) error { return nil }

// Len returns the number of waiting payloads of kind.
func (q *MemoryQueue) Len(kind jobs.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[kind])
}

// Close wakes blocked consumers; later calls fail with ErrClosed once the
// queue is drained.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
