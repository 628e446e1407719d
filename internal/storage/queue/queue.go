// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package queue provides an unbounded lock-free FIFO queue (Michael-Scott
// queue) whose nodes are recycled through a reclaim.Reclaimer.
//
// The queue always holds a sentinel node. Dequeue moves head to the sentinel's
// successor, takes its value and retires the old sentinel. The tail may lag
// one node behind; every operation that sees it lagging helps advance it.
package queue

import (
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
	"github.com/kianostad/lfebr/internal/monitoring/metrics"
)

// Hazard slots used by the queue.
const (
	slotHead = 0
	slotNext = 1
	slotTail = 0
)

// Config provides configuration options for a Queue.
type Config struct {
	Metrics *metrics.Metrics // Optional operation metrics
}

type node[T any] struct {
	own   reclaim.Ownership
	value T
	next  atomic.Pointer[node[T]]
	pool  *reclaim.Pool[node[T]]
}

func (n *node[T]) Ownership() *reclaim.Ownership { return &n.own }
func (n *node[T]) Reclaim()                      { n.pool.Put(n) }

// Queue is a lock-free FIFO queue safe for concurrent use.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	_    cpu.CacheLinePad
	tail atomic.Pointer[node[T]]
	_    cpu.CacheLinePad
	size atomic.Int64

	r       reclaim.Reclaimer
	pool    *reclaim.Pool[node[T]]
	metrics *metrics.Metrics
}

// New creates an empty queue reclaimed by r.
func New[T any](r reclaim.Reclaimer) *Queue[T] {
	return NewWithConfig[T](r, Config{})
}

// NewWithConfig creates a queue with custom configuration.
func NewWithConfig[T any](r reclaim.Reclaimer, cfg Config) *Queue[T] {
	q := &Queue[T]{
		r:       r,
		metrics: cfg.Metrics,
		pool: reclaim.NewPool(func(n *node[T]) {
			var zero T
			n.value = zero
			n.next.Store(nil)
		}),
	}
	var zero T
	sentinel := q.newNode(zero)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

func (q *Queue[T]) newNode(v T) *node[T] {
	n := q.pool.Get()
	n.own.Revive()
	n.pool = q.pool
	n.value = v
	return n
}

// Enqueue appends v at the tail.
func (q *Queue[T]) Enqueue(v T) {
	start := q.begin()
	n := q.newNode(v)

	g := q.r.Enter()
	defer g.Release()

	var bo iox.Backoff
	for {
		tail := q.tail.Load()
		g.Protect(slotTail, &tail.own)
		if q.tail.Load() != tail {
			continue
		}
		next := tail.next.Load()
		if next != nil {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			break
		}
		bo.Wait()
	}
	q.size.Add(1)
	q.observe(metrics.OpEnqueue, start)
}

// Dequeue removes and returns the oldest element. ok is false when the queue
// is empty.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	start := q.begin()
	g := q.r.Enter()
	defer g.Release()

	var bo iox.Backoff
	for {
		head := q.head.Load()
		g.Protect(slotHead, &head.own)
		if q.head.Load() != head {
			continue
		}
		tail := q.tail.Load()
		next := head.next.Load()
		if next == nil {
			if q.metrics != nil {
				q.metrics.RecordMiss(metrics.OpDequeue)
			}
			return v, false
		}
		g.Protect(slotNext, &next.own)
		if q.head.Load() != head {
			continue
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			// next is the new sentinel. Peek may still read its value, so it is
			// only cleared when the node is recycled.
			v = next.value
			q.size.Add(-1)
			g.Retire(head)
			q.observe(metrics.OpDequeue, start)
			return v, true
		}
		bo.Wait()
	}
}

// Peek returns the oldest element without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	g := q.r.Enter()
	defer g.Release()

	for {
		head := q.head.Load()
		g.Protect(slotHead, &head.own)
		if q.head.Load() != head {
			continue
		}
		next := head.next.Load()
		if next == nil {
			return v, false
		}
		g.Protect(slotNext, &next.own)
		if q.head.Load() != head {
			continue
		}
		return next.value, true
	}
}

// IsEmpty reports whether the queue had no elements at the moment of the call.
func (q *Queue[T]) IsEmpty() bool {
	g := q.r.Enter()
	defer g.Release()

	for {
		head := q.head.Load()
		g.Protect(slotHead, &head.own)
		if q.head.Load() == head {
			return head.next.Load() == nil
		}
	}
}

// Len returns the approximate number of elements.
func (q *Queue[T]) Len() int {
	if n := q.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Drain dequeues every element and returns them in FIFO order.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.Dequeue()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (q *Queue[T]) begin() time.Time {
	if q.metrics == nil {
		return time.Time{}
	}
	return time.Now()
}

func (q *Queue[T]) observe(op string, start time.Time) {
	if q.metrics != nil {
		q.metrics.RecordOp(op, time.Since(start))
	}
}
