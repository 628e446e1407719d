// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hazard implements hazard pointer reclamation.
//
// Each guard owns a record with reclaim.MaxSlots hazard slots. A goroutine
// publishes the node it is about to dereference in a slot and re-validates the
// pointer it loaded; a retired node is destroyed only when no slot holds it.
// Unlike epochs, a stalled goroutine only pins the nodes in its own slots.
//
// Domain implements reclaim.Reclaimer and is used to compare strategies on
// the same data structures.
package hazard

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
)

// Config provides configuration options for a Domain.
type Config struct {
	MaxRecords    int // Upper bound on hazard records
	ScanThreshold int // Retired nodes per record that trigger a scan
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRecords:    1024,
		ScanThreshold: 64,
	}
}

type record struct {
	_     cpu.CacheLinePad
	slots [reclaim.MaxSlots]atomic.Pointer[reclaim.Ownership]
	owned atomic.Bool
	_     cpu.CacheLinePad

	next    *record
	dom     *Domain
	retired []reclaim.Reclaimable
	guard   Guard
}

// Domain is a set of hazard records shared by the structures using it.
type Domain struct {
	records   atomic.Pointer[record]
	allocated atomic.Int32
	cfg       Config

	retired   atomix.Uint64
	reclaimed atomix.Uint64
	scans     atomix.Uint64
}

// NewDomain creates a domain with the default configuration.
func NewDomain() *Domain {
	return NewDomainWithConfig(DefaultConfig())
}

// NewDomainWithConfig creates a domain with custom configuration.
func NewDomainWithConfig(cfg Config) *Domain {
	d := DefaultConfig()
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = d.MaxRecords
	}
	if cfg.ScanThreshold <= 0 {
		cfg.ScanThreshold = d.ScanThreshold
	}
	return &Domain{cfg: cfg}
}

// Enter implements reclaim.Reclaimer.
func (d *Domain) Enter() reclaim.Guard {
	return d.Acquire()
}

// Acquire leases a hazard record. Once MaxRecords records exist and all of
// them are leased, it waits for one to be released.
func (d *Domain) Acquire() *Guard {
	var bo iox.Backoff
	for {
		for rec := d.records.Load(); rec != nil; rec = rec.next {
			if !rec.owned.Load() && rec.owned.CompareAndSwap(false, true) {
				return &rec.guard
			}
		}
		if d.grow() {
			break
		}
		bo.Wait()
	}

	rec := &record{dom: d}
	rec.guard.rec = rec
	rec.owned.Store(true)
	for {
		head := d.records.Load()
		rec.next = head
		if d.records.CompareAndSwap(head, rec) {
			return &rec.guard
		}
	}
}

// grow reserves room for one more record.
func (d *Domain) grow() bool {
	for {
		n := d.allocated.Load()
		if int(n) >= d.cfg.MaxRecords {
			return false
		}
		if d.allocated.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// SafeToDestroy reports whether a retired node is not protected by any slot.
func (d *Domain) SafeToDestroy(o *reclaim.Ownership) bool {
	if o.State() != reclaim.Retired {
		return false
	}
	for rec := d.records.Load(); rec != nil; rec = rec.next {
		for i := range rec.slots {
			if rec.slots[i].Load() == o {
				return false
			}
		}
	}
	return true
}

// Collect scans the retired lists of idle records and returns the number of
// nodes destroyed.
func (d *Domain) Collect() int {
	n := 0
	for rec := d.records.Load(); rec != nil; rec = rec.next {
		if !rec.owned.Load() && rec.owned.CompareAndSwap(false, true) {
			n += d.scan(rec)
			rec.owned.Store(false)
		}
	}
	return n
}

// Stats is a point-in-time view of the domain.
type Stats struct {
	Retired   uint64 `json:"retired"`
	Reclaimed uint64 `json:"reclaimed"`
	Pending   uint64 `json:"pending"`
	Scans     uint64 `json:"scans"`
	Records   int    `json:"records"`
}

// Stats returns current reclamation statistics.
func (d *Domain) Stats() Stats {
	retired, reclaimed := d.retired.Load(), d.reclaimed.Load()
	s := Stats{
		Retired:   retired,
		Reclaimed: reclaimed,
		Scans:     d.scans.Load(),
		Records:   int(d.allocated.Load()),
	}
	if retired > reclaimed {
		s.Pending = retired - reclaimed
	}
	return s
}

// scan destroys the record's retired nodes that no slot protects.
func (d *Domain) scan(rec *record) int {
	if len(rec.retired) == 0 {
		return 0
	}
	d.scans.Add(1)

	hazards := make(map[*reclaim.Ownership]struct{})
	for r := d.records.Load(); r != nil; r = r.next {
		for i := range r.slots {
			if o := r.slots[i].Load(); o != nil {
				hazards[o] = struct{}{}
			}
		}
	}

	kept := rec.retired[:0]
	destroyed := 0
	for _, n := range rec.retired {
		if _, protected := hazards[n.Ownership()]; protected {
			kept = append(kept, n)
			continue
		}
		reclaim.Destroy(n)
		destroyed++
	}
	clear(rec.retired[len(kept):])
	rec.retired = kept
	d.reclaimed.Add(uint64(destroyed))
	return destroyed
}

// Guard is a leased hazard record.
type Guard struct {
	rec *record
}

var _ reclaim.Guard = (*Guard)(nil)

// Protect publishes o in slot. The caller must re-validate the pointer it
// loaded before dereferencing it.
func (g *Guard) Protect(slot int, o *reclaim.Ownership) {
	g.rec.slots[slot].Store(o)
}

// Clear empties slot.
func (g *Guard) Clear(slot int) {
	g.rec.slots[slot].Store(nil)
}

// Retire defers destruction of an unlinked node until no slot protects it.
func (g *Guard) Retire(n reclaim.Reclaimable) {
	rec := g.rec
	n.Ownership().Retire(0)
	rec.dom.retired.Add(1)
	rec.retired = append(rec.retired, n)
	if len(rec.retired) >= rec.dom.cfg.ScanThreshold {
		rec.dom.scan(rec)
	}
}

// Release clears every slot and returns the record to the domain.
func (g *Guard) Release() {
	rec := g.rec
	for i := range rec.slots {
		rec.slots[i].Store(nil)
	}
	if len(rec.retired) >= rec.dom.cfg.ScanThreshold {
		rec.dom.scan(rec)
	}
	rec.owned.Store(false)
}
