// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides epoch-based memory reclamation for lock-free data structures.
//
// The registry keeps a global epoch counter and one participation record per
// active goroutine. A goroutine pins its record before it dereferences nodes of a
// shared structure and unpins when it is done. Nodes unlinked while goroutines are
// pinned are retired into deferred-free bags tagged with the global epoch, and a
// bag is destroyed once the global epoch is at least two ahead of its tag. The
// global epoch only advances when every pinned record has observed the current
// epoch, so a node is never destroyed while a guard that could have reached it is
// still live.
//
// # Key Features
//
//   - Lock-free pin, unpin, retire and advance
//   - Re-entrant pins through explicit participants
//   - Leased participation records for one-shot guards
//   - Participant-local bags, sealed into a lock-free global list
//   - Background collector for idle participants
//   - Implements reclaim.Reclaimer, so structures written against that
//     interface can switch strategy without code changes
//
// # Usage Examples
//
// One-shot guards lease a record from the registry:
//
//	r := epoch.NewRegistry()
//
//	g := r.Pin()
//	n := head.Load()
//	// ... n stays valid until Release
//	g.Release()
//
// Long-lived workers register once and pin through their participant:
//
//	p, err := r.Register()
//	if err != nil {
//	    return err
//	}
//	defer p.Unregister()
//
//	for job := range jobs {
//	    g := p.Pin()
//	    process(job)
//	    g.Release()
//	}
//
// # Dangers and Warnings
//
//   - **Guard Lifetime**: A guard must be released by the goroutine that pinned it.
//     A guard that is never released stops the global epoch and with it all reclamation.
//   - **Participants**: A Participant belongs to one goroutine and must be unregistered;
//     a forgotten participant holds its record and its unflushed bag forever.
//   - **Capacity**: Registration fails with ErrRegistryFull once MaxParticipants
//     participants are registered. Leased guards do not count against the limit;
//     the registry grows one record per concurrently pinned leased guard.
//   - **Retire**: A node may only be retired once, after it has been unlinked.
//
// # Memory Ordering
//
// All shared words are accessed through sync/atomic, whose operations are
// sequentially consistent. Publishing a pin, the loads that follow it, and the
// scan performed by an advancing goroutine are therefore totally ordered.
package epoch

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
)

var (
	// ErrRegistryFull is returned by Register when MaxParticipants participants
	// are already registered.
	ErrRegistryFull = errors.New("epoch: participant registry is full")
	// ErrParticipantsActive is returned by Close while records are still owned.
	ErrParticipantsActive = errors.New("epoch: participants still active")
)

const (
	DefaultMaxParticipants = 1024
	DefaultBagCapacity     = 64
	DefaultCollectInterval = 100 * time.Millisecond
)

// Config provides configuration options for a Registry.
type Config struct {
	MaxParticipants int           // Upper bound on registered participants
	BagCapacity     int           // Retired nodes buffered per record before sealing
	CollectInterval time.Duration // Period of the background collector
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxParticipants: DefaultMaxParticipants,
		BagCapacity:     DefaultBagCapacity,
		CollectInterval: DefaultCollectInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = d.MaxParticipants
	}
	if c.BagCapacity <= 0 {
		c.BagCapacity = d.BagCapacity
	}
	if c.CollectInterval <= 0 {
		c.CollectInterval = d.CollectInterval
	}
	return c
}

// record is a participation record. state packs the pin epoch and the pinned
// bit; the fields below the second pad belong to the goroutine owning the record.
type record struct {
	_     cpu.CacheLinePad
	state atomic.Uint64
	owned atomic.Bool
	_     cpu.CacheLinePad

	next *record
	reg  *Registry

	depth  int
	leased bool
	bag    *bag
	guard  Guard
}

const pinnedBit = 1

func (rec *record) pinned() (uint64, bool) {
	s := rec.state.Load()
	return s >> 1, s&pinnedBit != 0
}

// Registry is the epoch registry. The zero value is not usable; use NewRegistry.
type Registry struct {
	epoch atomic.Uint64
	_     cpu.CacheLinePad

	records    atomic.Pointer[record]
	allocated  atomic.Int32
	registered atomic.Int32
	garbage   deferredList
	cfg       Config

	advances  atomix.Uint64
	retired   atomix.Uint64
	reclaimed atomix.Uint64
}

// NewRegistry creates a new registry with the default configuration.
func NewRegistry() *Registry {
	return NewRegistryWithConfig(DefaultConfig())
}

// NewRegistryWithConfig creates a new registry with custom configuration.
// Zero fields take their default values.
func NewRegistryWithConfig(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register claims a participation record for the calling goroutine.
func (r *Registry) Register() (*Participant, error) {
	for {
		n := r.registered.Load()
		if int(n) >= r.cfg.MaxParticipants {
			return nil, fmt.Errorf("register participant: %w", ErrRegistryFull)
		}
		if r.registered.CompareAndSwap(n, n+1) {
			break
		}
	}
	return &Participant{reg: r, rec: r.acquire(false)}, nil
}

// Pin leases a participation record for the duration of one guard and pins it.
// The lease is returned to the registry by the outermost Release.
func (r *Registry) Pin() *Guard {
	return r.pin(r.acquire(true))
}

// Enter implements reclaim.Reclaimer.
func (r *Registry) Enter() reclaim.Guard {
	return r.Pin()
}

// SafeToDestroy reports whether a retired node is old enough to be destroyed.
func (r *Registry) SafeToDestroy(o *reclaim.Ownership) bool {
	return o.State() == reclaim.Retired && o.RetiredAt()+2 <= r.epoch.Load()
}

// Epoch returns the current global epoch.
func (r *Registry) Epoch() uint64 {
	return r.epoch.Load()
}

// TryAdvance moves the global epoch forward by one if every pinned record is
// pinned at the current epoch. It returns the epoch it observed afterwards and
// whether this call advanced it. Losing a race to another advancer is not an error.
func (r *Registry) TryAdvance() (uint64, bool) {
	global := r.epoch.Load()
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if e, pinned := rec.pinned(); pinned && e != global {
			return global, false
		}
	}
	if r.epoch.CompareAndSwap(global, global+1) {
		r.advances.Add(1)
		return global + 1, true
	}
	return r.epoch.Load(), false
}

// MinPinned returns the smallest epoch any record is pinned at.
func (r *Registry) MinPinned() (uint64, bool) {
	lowest, found := uint64(math.MaxUint64), false
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if e, pinned := rec.pinned(); pinned && e < lowest {
			lowest, found = e, true
		}
	}
	if !found {
		return 0, false
	}
	return lowest, true
}

// ActiveCount returns the number of pinned records.
func (r *Registry) ActiveCount() int {
	n := 0
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if _, pinned := rec.pinned(); pinned {
			n++
		}
	}
	return n
}

// Participants returns the number of records currently owned by a participant
// or a leased guard.
func (r *Registry) Participants() int {
	n := 0
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if rec.owned.Load() {
			n++
		}
	}
	return n
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Epoch        uint64 `json:"epoch"`
	Advances     uint64 `json:"advances"`
	Retired      uint64 `json:"retired"`
	Reclaimed    uint64 `json:"reclaimed"`
	Pending      uint64 `json:"pending"`
	Records      int    `json:"records"`
	Participants int    `json:"participants"`
	Pinned       int    `json:"pinned"`
}

// Stats returns current reclamation statistics.
func (r *Registry) Stats() Stats {
	reclaimed := r.reclaimed.Load()
	retired := r.retired.Load()
	s := Stats{
		Epoch:        r.epoch.Load(),
		Advances:     r.advances.Load(),
		Retired:      retired,
		Reclaimed:    reclaimed,
		Records:      int(r.allocated.Load()),
		Participants: r.Participants(),
		Pinned:       r.ActiveCount(),
	}
	if retired > reclaimed {
		s.Pending = retired - reclaimed
	}
	return s
}

// Collect seals the bags of idle records, tries to advance the epoch and
// destroys every bag that has become safe. It returns the number of nodes destroyed.
func (r *Registry) Collect() int {
	r.flushIdle()
	r.TryAdvance()
	return r.collect(true)
}

// Close destroys all remaining garbage. It fails with ErrParticipantsActive while
// any record is owned. Close must not run concurrently with Register or Pin.
func (r *Registry) Close() error {
	var claimed []*record
	defer func() {
		for _, rec := range claimed {
			rec.owned.Store(false)
		}
	}()

	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if !rec.owned.CompareAndSwap(false, true) {
			return ErrParticipantsActive
		}
		claimed = append(claimed, rec)
		r.seal(rec)
	}
	r.garbage.collect(math.MaxUint64, true, r.destroy)
	return nil
}

// acquire claims an idle record, allocating a new one when every record is
// owned. The record list only grows, so it is bounded by the peak number of
// registered participants plus concurrently pinned leased guards.
func (r *Registry) acquire(leased bool) *record {
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if !rec.owned.Load() && rec.owned.CompareAndSwap(false, true) {
			rec.leased = leased
			return rec
		}
	}
	return r.allocate(leased)
}

func (r *Registry) allocate(leased bool) *record {
	r.allocated.Add(1)
	rec := &record{reg: r, leased: leased, bag: newBag(r.cfg.BagCapacity)}
	rec.guard.rec = rec
	rec.owned.Store(true)
	for {
		head := r.records.Load()
		rec.next = head
		if r.records.CompareAndSwap(head, rec) {
			return rec
		}
	}
}

func (r *Registry) release(rec *record) {
	rec.leased = false
	rec.owned.Store(false)
}

func (r *Registry) pin(rec *record) *Guard {
	if rec.depth == 0 {
		rec.state.Store(r.epoch.Load()<<1 | pinnedBit)
	}
	rec.depth++
	return &rec.guard
}

func (r *Registry) unpin(rec *record) {
	if rec.depth <= 0 {
		panic("epoch: guard released more times than pinned")
	}
	rec.depth--
	if rec.depth > 0 {
		return
	}
	rec.state.Store(rec.state.Load() &^ pinnedBit)

	r.TryAdvance()
	r.collect(false)

	if rec.leased {
		r.release(rec)
	}
}

func (r *Registry) retire(rec *record, n reclaim.Reclaimable) {
	if rec.depth == 0 {
		panic("epoch: retire outside a pinned guard")
	}
	n.Ownership().Retire(r.epoch.Load())
	r.retired.Add(1)

	rec.bag.items = append(rec.bag.items, n)
	if len(rec.bag.items) >= r.cfg.BagCapacity {
		r.seal(rec)
	}
}

// seal moves the record's local bag to the global list.
func (r *Registry) seal(rec *record) {
	if len(rec.bag.items) == 0 {
		return
	}
	b := rec.bag
	rec.bag = newBag(r.cfg.BagCapacity)
	b.epoch = r.epoch.Load()
	r.garbage.push(b)
}

func (r *Registry) flushIdle() {
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if !rec.owned.Load() && rec.owned.CompareAndSwap(false, true) {
			r.seal(rec)
			rec.owned.Store(false)
		}
	}
}

func (r *Registry) collect(all bool) int {
	global := r.epoch.Load()
	if global < 2 {
		return 0
	}
	return r.garbage.collect(global-1, all, r.destroy)
}

func (r *Registry) destroy(b *bag) {
	for i, n := range b.items {
		reclaim.Destroy(n)
		b.items[i] = nil
	}
	r.reclaimed.Add(uint64(len(b.items)))
}
