// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync/atomic"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
)

// bag is a batch of retired nodes. A bag is filled by a single record and
// sealed with the global epoch when it moves to the global list.
type bag struct {
	items []reclaim.Reclaimable
	epoch uint64
	next  *bag
}

func newBag(capacity int) *bag {
	return &bag{items: make([]reclaim.Reclaimable, 0, capacity)}
}

// Sealed bags are bucketed by epoch modulo 3: while the global epoch is E,
// bags sealed at E-2 or earlier are destroyable and at most three
// consecutive epochs carry live garbage.
const bagBuckets = 3

// deferredList is the global list of sealed bags. Each bucket is a push-only
// lock-free stack. Collectors take a whole bucket by swapping its head with nil,
// so a bag is only ever seen by one collector.
type deferredList struct {
	heads [bagBuckets]atomic.Pointer[bag]
}

func (l *deferredList) push(b *bag) {
	head := &l.heads[b.epoch%bagBuckets]
	for {
		old := head.Load()
		b.next = old
		if head.CompareAndSwap(old, b) {
			return
		}
	}
}

// collect destroys the bags sealed before minSafe and pushes the others back.
// Without all, only the bucket holding epoch minSafe-1 is examined.
func (l *deferredList) collect(minSafe uint64, all bool, destroy func(*bag)) int {
	destroyed := 0
	due := (minSafe - 1) % bagBuckets
	for i := range l.heads {
		if !all && uint64(i) != due {
			continue
		}
		for b := l.heads[i].Swap(nil); b != nil; {
			next := b.next
			if b.epoch < minSafe {
				destroyed += len(b.items)
				destroy(b)
			} else {
				l.push(b)
			}
			b = next
		}
	}
	return destroyed
}

// empty reports whether no sealed bag is waiting.
func (l *deferredList) empty() bool {
	for i := range l.heads {
		if l.heads[i].Load() != nil {
			return false
		}
	}
	return true
}
