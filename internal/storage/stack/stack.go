// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stack provides a lock-free LIFO stack (Treiber stack) whose nodes
// are recycled through a reclaim.Reclaimer.
//
// Popped nodes go back to a pool once the reclaimer proves no goroutine can
// still hold them, so a stale head pointer never matches a reused node in a
// compare-and-swap.
package stack

import (
	"errors"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
	"github.com/kianostad/lfebr/internal/monitoring/metrics"
)

// ErrCapacityExceeded is returned by Push on a full bounded stack.
var ErrCapacityExceeded = errors.New("stack: capacity exceeded")

// Config provides configuration options for a Stack.
type Config struct {
	Capacity int              // Maximum number of elements, 0 for unbounded
	Metrics  *metrics.Metrics // Optional operation metrics
}

type node[T any] struct {
	own   reclaim.Ownership
	value T
	next  atomic.Pointer[node[T]]
	pool  *reclaim.Pool[node[T]]
}

func (n *node[T]) Ownership() *reclaim.Ownership { return &n.own }
func (n *node[T]) Reclaim()                      { n.pool.Put(n) }

// Stack is a lock-free LIFO stack safe for concurrent use.
type Stack[T any] struct {
	head atomic.Pointer[node[T]]
	_    cpu.CacheLinePad
	size atomic.Int64

	capacity int64
	r        reclaim.Reclaimer
	pool     *reclaim.Pool[node[T]]
	metrics  *metrics.Metrics
}

// New creates an unbounded stack reclaimed by r.
func New[T any](r reclaim.Reclaimer) *Stack[T] {
	return NewWithConfig[T](r, Config{})
}

// NewWithConfig creates a stack with custom configuration.
func NewWithConfig[T any](r reclaim.Reclaimer, cfg Config) *Stack[T] {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	return &Stack[T]{
		capacity: int64(cfg.Capacity),
		r:        r,
		metrics:  cfg.Metrics,
		pool: reclaim.NewPool(func(n *node[T]) {
			var zero T
			n.value = zero
			n.next.Store(nil)
		}),
	}
}

func (s *Stack[T]) newNode(v T) *node[T] {
	n := s.pool.Get()
	n.own.Revive()
	n.pool = s.pool
	n.value = v
	return n
}

// Push adds v on top of the stack. It fails with ErrCapacityExceeded when a
// bounded stack is full.
//
// Push never dereferences a shared node, so it does not enter a guard.
func (s *Stack[T]) Push(v T) error {
	start := s.begin()
	if !s.reserve() {
		if s.metrics != nil {
			s.metrics.RecordError(metrics.OpPush)
		}
		return ErrCapacityExceeded
	}

	n := s.newNode(v)
	var bo iox.Backoff
	for {
		old := s.head.Load()
		n.next.Store(old)
		if s.head.CompareAndSwap(old, n) {
			break
		}
		bo.Wait()
	}
	s.observe(metrics.OpPush, start)
	return nil
}

// reserve claims room for one element.
func (s *Stack[T]) reserve() bool {
	if s.capacity == 0 {
		s.size.Add(1)
		return true
	}
	for {
		n := s.size.Load()
		if n >= s.capacity {
			return false
		}
		if s.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Pop removes and returns the top element. ok is false when the stack is empty.
func (s *Stack[T]) Pop() (v T, ok bool) {
	start := s.begin()
	g := s.r.Enter()
	defer g.Release()

	var bo iox.Backoff
	for {
		h := s.head.Load()
		if h == nil {
			s.miss(metrics.OpPop)
			return v, false
		}
		g.Protect(0, &h.own)
		if s.head.Load() != h {
			continue
		}
		next := h.next.Load()
		if s.head.CompareAndSwap(h, next) {
			v = h.value
			s.size.Add(-1)
			g.Retire(h)
			s.observe(metrics.OpPop, start)
			return v, true
		}
		bo.Wait()
	}
}

// Peek returns the top element without removing it.
func (s *Stack[T]) Peek() (v T, ok bool) {
	g := s.r.Enter()
	defer g.Release()

	for {
		h := s.head.Load()
		if h == nil {
			return v, false
		}
		g.Protect(0, &h.own)
		if s.head.Load() == h {
			return h.value, true
		}
	}
}

// Len returns the approximate number of elements.
func (s *Stack[T]) Len() int {
	if n := s.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// IsEmpty reports whether the stack had no elements at the moment of the call.
func (s *Stack[T]) IsEmpty() bool {
	return s.head.Load() == nil
}

// Drain pops every element and returns them in pop order.
func (s *Stack[T]) Drain() []T {
	var out []T
	for {
		v, ok := s.Pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (s *Stack[T]) begin() time.Time {
	if s.metrics == nil {
		return time.Time{}
	}
	return time.Now()
}

func (s *Stack[T]) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordOp(op, time.Since(start))
	}
}

func (s *Stack[T]) miss(op string) {
	if s.metrics != nil {
		s.metrics.RecordMiss(op)
	}
}
