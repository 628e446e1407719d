// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides a lock-free hash map with a fixed number of buckets.
//
// Each bucket is a singly linked list of nodes. New keys are inserted at the
// bucket head with a single compare-and-swap. Nodes are removed in two steps:
// a marker node is first swapped into the victim's next pointer, which freezes
// the victim, then the predecessor is swung past the victim and its marker.
// Any goroutine that meets a marked node helps finish the second step, and the
// goroutine whose swing succeeds retires both nodes.
//
// Replacing the value of an existing key is a single compare-and-swap that
// installs a marker followed by the new node, so readers always observe either
// the old or the new value and the key is never absent in between.
//
// # Usage Examples
//
//	registry := epoch.NewRegistry()
//	m := index.NewHashIndex[string, int](registry, 1024)
//
//	m.Insert("apples", 3)
//	if v, ok := m.Get("apples"); ok {
//	    fmt.Println(v)
//	}
//	m.Remove("apples")
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **No Resizing**: Chains grow without bound when the key count far exceeds the bucket count.
//   - **Values**: Values are copied in and out. Mutating a pointed-to value is not synchronized by the map.
package index

import (
	"hash/maphash"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"github.com/cespare/xxhash/v2"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
	"github.com/kianostad/lfebr/internal/monitoring/metrics"
)

// Hazard slots used while walking a bucket.
const (
	slotPrev   = 0
	slotCurr   = 1
	slotMarker = 2
	slotFirst  = 3
)

// Hasher maps a key to a 64-bit hash.
type Hasher[K comparable] func(K) uint64

// DefaultHasher returns a seeded hasher for any comparable key.
func DefaultHasher[K comparable]() Hasher[K] {
	seed := maphash.MakeSeed()
	return func(k K) uint64 {
		return maphash.Comparable(seed, k)
	}
}

// StringHasher returns an xxHash based hasher for string keys.
func StringHasher() Hasher[string] {
	return xxhash.Sum64String
}

// Config provides configuration options for a HashIndex.
type Config[K comparable] struct {
	Buckets uint64           // Number of buckets, a power of 2
	Hasher  Hasher[K]        // Defaults to DefaultHasher
	Metrics *metrics.Metrics // Optional operation metrics
}

// node is either an entry or a marker. A marker's only meaningful field is
// next, which points at the successor of the node it marks.
type node[K comparable, V any] struct {
	own    reclaim.Ownership
	key    K
	value  V
	marker bool
	next   atomic.Pointer[node[K, V]]
	pool   *reclaim.Pool[node[K, V]]
}

func (n *node[K, V]) Ownership() *reclaim.Ownership { return &n.own }
func (n *node[K, V]) Reclaim()                      { n.pool.Put(n) }

// HashIndex is a lock-free hash table with fixed-size buckets.
type HashIndex[K comparable, V any] struct {
	buckets []atomic.Pointer[node[K, V]]
	size    uint64
	mask    uint64
	count   atomic.Int64

	hash    Hasher[K]
	r       reclaim.Reclaimer
	pool    *reclaim.Pool[node[K, V]]
	metrics *metrics.Metrics
}

// NewHashIndex creates a new hash index with the given size (must be power of 2).
func NewHashIndex[K comparable, V any](r reclaim.Reclaimer, size uint64) *HashIndex[K, V] {
	return NewHashIndexWithConfig[K, V](r, Config[K]{Buckets: size})
}

// NewHashIndexWithConfig creates a hash index with custom configuration.
func NewHashIndexWithConfig[K comparable, V any](r reclaim.Reclaimer, cfg Config[K]) *HashIndex[K, V] {
	size := cfg.Buckets
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = DefaultHasher[K]()
	}
	return &HashIndex[K, V]{
		buckets: make([]atomic.Pointer[node[K, V]], size),
		size:    size,
		mask:    size - 1,
		hash:    cfg.Hasher,
		r:       r,
		metrics: cfg.Metrics,
		pool: reclaim.NewPool(func(n *node[K, V]) {
			var zk K
			var zv V
			n.key, n.value, n.marker = zk, zv, false
			n.next.Store(nil)
		}),
	}
}

func (h *HashIndex[K, V]) bucket(key K) *atomic.Pointer[node[K, V]] {
	return &h.buckets[h.hash(key)&h.mask]
}

func (h *HashIndex[K, V]) newNode(key K, value V) *node[K, V] {
	n := h.pool.Get()
	n.own.Revive()
	n.pool = h.pool
	n.key, n.value = key, value
	return n
}

func (h *HashIndex[K, V]) newMarker(next *node[K, V]) *node[K, V] {
	n := h.pool.Get()
	n.own.Revive()
	n.pool = h.pool
	n.marker = true
	n.next.Store(next)
	return n
}

// discard returns a node that was never published.
func (h *HashIndex[K, V]) discard(n *node[K, V]) {
	h.pool.Put(n)
}

// position is the result of a bucket walk.
type position[K comparable, V any] struct {
	prev  *atomic.Pointer[node[K, V]] // link that pointed at curr
	curr  *node[K, V]                 // matching node, nil when none matched
	next  *node[K, V]                 // curr's successor, never a marker
	first *node[K, V]                 // bucket head as last validated
}

// walk traverses bucket until match reports true, unlinking marked nodes on
// the way. restart, if not nil, is called whenever the walk starts over.
//
// Every node is protected and then re-validated through the link it was read
// from before it is dereferenced. On return curr is protected in slotCurr,
// the node owning prev in slotPrev and first in slotFirst.
func (h *HashIndex[K, V]) walk(g reclaim.Guard, bucket *atomic.Pointer[node[K, V]], match func(*node[K, V]) bool, restart func()) position[K, V] {
retry:
	for {
		if restart != nil {
			restart()
		}
		prev := bucket
		var first *node[K, V]
		curr := bucket.Load()
		for {
			if curr == nil {
				return position[K, V]{prev: prev, first: first}
			}
			g.Protect(slotCurr, &curr.own)
			if prev == bucket {
				g.Protect(slotFirst, &curr.own)
			}
			if prev.Load() != curr {
				continue retry
			}
			if prev == bucket {
				first = curr
			}

			next := curr.next.Load()
			if next != nil {
				g.Protect(slotMarker, &next.own)
				if curr.next.Load() != next {
					continue retry
				}
			}
			if next != nil && next.marker {
				// A marker is never replaced, so only prev proves it is still linked.
				if prev.Load() != curr {
					continue retry
				}
				succ := next.next.Load()
				if !prev.CompareAndSwap(curr, succ) {
					continue retry
				}
				g.Retire(curr)
				g.Retire(next)
				if prev == bucket {
					first = succ
				}
				curr = succ
				continue
			}

			if match(curr) {
				return position[K, V]{prev: prev, curr: curr, next: next, first: first}
			}
			g.Protect(slotPrev, &curr.own)
			prev = &curr.next
			curr = next
		}
	}
}

func (h *HashIndex[K, V]) find(g reclaim.Guard, bucket *atomic.Pointer[node[K, V]], key K) position[K, V] {
	return h.walk(g, bucket, func(n *node[K, V]) bool { return n.key == key }, nil)
}

// Insert stores value under key. If the key was present its previous value is
// returned with replaced set to true.
func (h *HashIndex[K, V]) Insert(key K, value V) (old V, replaced bool) {
	start := h.begin()
	bucket := h.bucket(key)
	g := h.r.Enter()
	defer g.Release()

	n := h.newNode(key, value)
	var bo iox.Backoff
	for {
		pos := h.find(g, bucket, key)
		if pos.curr == nil {
			n.next.Store(pos.first)
			if bucket.CompareAndSwap(pos.first, n) {
				h.count.Add(1)
				h.observe(metrics.OpInsert, start)
				return old, false
			}
			bo.Wait()
			continue
		}

		victim := pos.curr
		n.next.Store(pos.next)
		mk := h.newMarker(n)
		if victim.next.CompareAndSwap(pos.next, mk) {
			old = victim.value
			if pos.prev.CompareAndSwap(victim, n) {
				g.Retire(victim)
				g.Retire(mk)
			}
			h.observe(metrics.OpInsert, start)
			return old, true
		}
		h.discard(mk)
		bo.Wait()
	}
}

// Get returns the value stored under key.
func (h *HashIndex[K, V]) Get(key K) (v V, ok bool) {
	start := h.begin()
	g := h.r.Enter()
	defer g.Release()

	pos := h.find(g, h.bucket(key), key)
	if pos.curr == nil {
		h.miss(metrics.OpGet)
		return v, false
	}
	v = pos.curr.value
	h.observe(metrics.OpGet, start)
	return v, true
}

// Contains reports whether key is present.
func (h *HashIndex[K, V]) Contains(key K) bool {
	_, ok := h.Get(key)
	return ok
}

// Remove deletes key and returns the value it held.
func (h *HashIndex[K, V]) Remove(key K) (v V, ok bool) {
	start := h.begin()
	bucket := h.bucket(key)
	g := h.r.Enter()
	defer g.Release()

	var bo iox.Backoff
	for {
		pos := h.find(g, bucket, key)
		if pos.curr == nil {
			h.miss(metrics.OpRemove)
			return v, false
		}

		victim := pos.curr
		mk := h.newMarker(pos.next)
		if victim.next.CompareAndSwap(pos.next, mk) {
			v = victim.value
			h.count.Add(-1)
			if pos.prev.CompareAndSwap(victim, pos.next) {
				g.Retire(victim)
				g.Retire(mk)
			}
			h.observe(metrics.OpRemove, start)
			return v, true
		}
		h.discard(mk)
		bo.Wait()
	}
}

// Len returns the approximate number of keys.
func (h *HashIndex[K, V]) Len() int {
	if n := h.count.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Size returns the number of buckets in the index.
func (h *HashIndex[K, V]) Size() uint64 {
	return h.size
}

// BucketCount returns the number of entries in a specific bucket (for debugging).
func (h *HashIndex[K, V]) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= h.size {
		return 0
	}
	g := h.r.Enter()
	defer g.Release()

	count := 0
	h.walk(g, &h.buckets[bucketIdx],
		func(*node[K, V]) bool { count++; return false },
		func() { count = 0 })
	return count
}

func (h *HashIndex[K, V]) begin() time.Time {
	if h.metrics == nil {
		return time.Time{}
	}
	return time.Now()
}

func (h *HashIndex[K, V]) observe(op string, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordOp(op, time.Since(start))
	}
}

func (h *HashIndex[K, V]) miss(op string) {
	if h.metrics != nil {
		h.metrics.RecordMiss(op)
	}
}
