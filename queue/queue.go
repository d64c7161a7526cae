// Package queue provides a bounded FIFO which evicts the oldest item when full.
// Producers never block: freshness wins over completeness.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Get when nothing arrives in time
var ErrTimeout = errors.New("queue: timeout")

// Stats is a snapshot of queue counters
type Stats struct {
	Capacity int
	Len      int
	Puts     uint64
	Drops    uint64
}

// Queue is a drop-oldest bounded FIFO. Safe for concurrent use
type Queue[T any] struct {
	items chan T
	puts  uint64
	drops uint64
}

// New creates queue with given capacity (at least 1)
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
	}
}

// Put enqueues item. When queue is full the oldest item is evicted first.
// Returns true when something has been evicted.
func (q *Queue[T]) Put(item T) bool {
	atomic.AddUint64(&q.puts, 1)
	evicted := false
	for {
		select {
		case q.items <- item:
			return evicted
		default:
		}
		// Full: drop the oldest. Concurrent consumer may have emptied a slot already
		select {
		case <-q.items:
			atomic.AddUint64(&q.drops, 1)
			evicted = true
		default:
		}
	}
}

// TryGet dequeues item without waiting
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Get waits for item up to timeout or until context is done
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	// Fast path: no timer allocation when item is ready
	select {
	case item := <-q.items:
		return item, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return item, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Drain removes all queued items
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			return n
		}
	}
}

// Len returns number of queued items
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns capacity
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Stats returns counters snapshot
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Capacity: cap(q.items),
		Len:      len(q.items),
		Puts:     atomic.LoadUint64(&q.puts),
		Drops:    atomic.LoadUint64(&q.drops),
	}
}
