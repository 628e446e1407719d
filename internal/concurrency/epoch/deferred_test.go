// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
)

func sealedBag(epoch uint64, counter *atomic.Int64, size int) *bag {
	b := newBag(size)
	b.epoch = epoch
	for i := 0; i < size; i++ {
		n := newTestNode(counter)
		n.own.Retire(epoch)
		b.items = append(b.items, n)
	}
	return b
}

func destroyInto(b *bag) {
	for _, n := range b.items {
		n.Ownership().Destroy()
		n.Reclaim()
	}
}

func TestDeferredListCollect(t *testing.T) {
	t.Parallel()
	var destroyed atomic.Int64
	var l deferredList

	for e := uint64(0); e < 6; e++ {
		l.push(sealedBag(e, &destroyed, 2))
	}

	// Nothing below epoch 0 exists.
	if n := l.collect(0, true, destroyInto); n != 0 {
		t.Errorf("Expected nothing collectible below epoch 0, got %d", n)
	}

	if n := l.collect(3, true, destroyInto); n != 6 {
		t.Errorf("Expected 6 nodes from epochs 0-2, got %d", n)
	}
	if destroyed.Load() != 6 {
		t.Errorf("Expected 6 destroyed nodes, got %d", destroyed.Load())
	}
	if l.empty() {
		t.Fatal("Expected bags of epochs 3-5 to remain")
	}

	if n := l.collect(math.MaxUint64, true, destroyInto); n != 6 {
		t.Errorf("Expected the remaining 6 nodes, got %d", n)
	}
	if !l.empty() {
		t.Error("Expected the list to be empty")
	}
}

func TestDeferredListDueBucket(t *testing.T) {
	t.Parallel()
	var destroyed atomic.Int64
	var l deferredList

	l.push(sealedBag(4, &destroyed, 1))
	l.push(sealedBag(5, &destroyed, 1))

	// minSafe 6 examines only the bucket of epoch 5.
	if n := l.collect(6, false, destroyInto); n != 1 {
		t.Errorf("Expected only the due bucket to be collected, got %d", n)
	}
	if n := l.collect(6, true, destroyInto); n != 1 {
		t.Errorf("Expected the remaining bag on a full sweep, got %d", n)
	}
}

func TestDeferredListConcurrentCollect(t *testing.T) {
	t.Parallel()
	const producers = 8
	const bagsPerProducer = 500

	var destroyed atomic.Int64
	var collected atomic.Int64
	var l deferredList

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < bagsPerProducer; j++ {
				l.push(sealedBag(uint64(j%6), &destroyed, 1))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < bagsPerProducer; j++ {
				collected.Add(int64(l.collect(4, j%2 == 0, destroyInto)))
			}
		}()
	}
	wg.Wait()
	collected.Add(int64(l.collect(math.MaxUint64, true, destroyInto)))

	if collected.Load() != producers*bagsPerProducer {
		t.Errorf("Expected %d collected nodes, got %d", producers*bagsPerProducer, collected.Load())
	}
	if destroyed.Load() != collected.Load() {
		t.Errorf("Expected every node destroyed exactly once, got %d destroys for %d nodes",
			destroyed.Load(), collected.Load())
	}
}
