// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import "github.com/kianostad/lfebr/internal/concurrency/reclaim"

// Guard is a pinned critical region. Nodes loaded from a shared structure while
// the guard is live are not destroyed before Release.
//
// A Guard is owned by the goroutine that pinned it and must not be shared.
type Guard struct {
	rec *record
}

var _ reclaim.Guard = (*Guard)(nil)

// Epoch returns the epoch the guard is pinned at.
func (g *Guard) Epoch() uint64 {
	e, _ := g.rec.pinned()
	return e
}

// Protect is a no-op: the pin already protects every node reachable under it.
func (g *Guard) Protect(int, *reclaim.Ownership) {}

// Retire defers destruction of an unlinked node until no pinned goroutine can
// still reach it. The caller must hold the only claim to n, which is the case
// for the goroutine whose CAS unlinked it.
func (g *Guard) Retire(n reclaim.Reclaimable) {
	g.rec.reg.retire(g.rec, n)
}

// Release unpins the guard. The outermost release of a participant also tries
// to advance the epoch and to destroy garbage that became safe.
func (g *Guard) Release() {
	g.rec.reg.unpin(g.rec)
}

// Participant is a goroutine's registration with a Registry. Pins through the
// same participant reuse its record and nest.
type Participant struct {
	reg *Registry
	rec *record
}

// Pin pins the participant, or deepens an existing pin.
func (p *Participant) Pin() *Guard {
	if p.rec == nil {
		panic("epoch: pin on unregistered participant")
	}
	return p.reg.pin(p.rec)
}

// Pinned reports whether the participant holds a live guard.
func (p *Participant) Pinned() bool {
	return p.rec != nil && p.rec.depth > 0
}

// Flush seals the participant's local bag into the global deferred-free list.
func (p *Participant) Flush() {
	if p.rec != nil {
		p.reg.seal(p.rec)
	}
}

// Unregister flushes the participant's local bag and frees its record for reuse.
// Unregistering twice is a no-op; unregistering while pinned panics.
func (p *Participant) Unregister() {
	if p.rec == nil {
		return
	}
	if p.rec.depth > 0 {
		panic("epoch: unregister while pinned")
	}
	p.reg.seal(p.rec)
	p.reg.release(p.rec)
	p.reg.registered.Add(-1)
	p.rec = nil
}
