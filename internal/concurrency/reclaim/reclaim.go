// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package reclaim defines the safe memory reclamation capability shared by the
// lock-free data structures.
//
// A node that has been unlinked from a lock-free structure may still be read by
// goroutines that loaded a pointer to it before the unlink. Nodes are recycled
// through typed pools, so handing an unlinked node straight back to its pool would
// let a stale reader observe a node that has been reused for a different value
// (the ABA problem). A Reclaimer decides when a retired node can no longer be
// reached by any reader and only then destroys it.
//
// # Ownership
//
// Every node embeds an Ownership record. Ownership moves in one direction:
//
//	Live --Retire--> Retired --Destroy--> Destroyed --Revive--> Live
//
// Live nodes belong to the structure that linked them. Retire hands the node to
// the reclamation subsystem, and Destroy is the single point where it leaves the
// subsystem. Each transition is a compare-and-swap, so a node retired or destroyed
// twice panics instead of silently corrupting a pool.
//
// # Protocol
//
// Structures are written once against Reclaimer and Guard:
//
//	g := r.Enter()
//	defer g.Release()
//
//	for {
//	    h := s.head.Load()
//	    g.Protect(0, h.Ownership())
//	    if s.head.Load() != h {
//	        continue // h may have been retired before it was protected
//	    }
//	    // h can be dereferenced until Release
//	}
//
// Protect is a no-op for epoch reclamation, where entering the guard already
// protects every node reachable during it, and publishes a hazard pointer for
// hazard pointer reclamation.
package reclaim

import (
	"fmt"
	"sync/atomic"
)

// MaxSlots is the number of protection slots a Guard offers.
const MaxSlots = 4

// State is the ownership state of a node.
type State uint32

const (
	// Live nodes are owned by a data structure.
	Live State = iota
	// Retired nodes are unlinked and owned by a Reclaimer.
	Retired
	// Destroyed nodes have been handed back to their allocator.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Retired:
		return "retired"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Ownership tracks which subsystem owns a node. The state and the retirement
// tag share one word so that both change in a single compare-and-swap.
type Ownership struct {
	word atomic.Uint64
}

const (
	stateBits = 2
	stateMask = 1<<stateBits - 1
)

func (o *Ownership) load() (State, uint64) {
	w := o.word.Load()
	return State(w & stateMask), w >> stateBits
}

// State returns the current ownership state.
func (o *Ownership) State() State {
	s, _ := o.load()
	return s
}

// RetiredAt returns the reclamation tag recorded by Retire.
func (o *Ownership) RetiredAt() uint64 {
	_, tag := o.load()
	return tag
}

// Retire transfers the node from its structure to the reclamation subsystem,
// tagging it with epoch. It panics if the node is not live.
func (o *Ownership) Retire(epoch uint64) {
	if !o.word.CompareAndSwap(uint64(Live), epoch<<stateBits|uint64(Retired)) {
		panic(fmt.Sprintf("reclaim: retire of %s node", o.State()))
	}
}

// Destroy marks a retired node as destroyed. It panics if the node is not retired.
func (o *Ownership) Destroy() {
	for {
		w := o.word.Load()
		if s := State(w & stateMask); s != Retired {
			panic(fmt.Sprintf("reclaim: destroy of %s node", s))
		}
		if o.word.CompareAndSwap(w, w&^stateMask|uint64(Destroyed)) {
			return
		}
	}
}

// Revive returns a destroyed or freshly allocated node to the live state.
func (o *Ownership) Revive() {
	o.word.Store(uint64(Live))
}

// Reclaimable is a node that can be handed to a Reclaimer.
type Reclaimable interface {
	// Ownership returns the ownership record embedded in the node. Its address
	// identifies the node.
	Ownership() *Ownership
	// Reclaim resets the node and returns it to its allocator.
	Reclaim()
}

// Destroy completes the ownership transfer of a retired node and reclaims it.
func Destroy(r Reclaimable) {
	r.Ownership().Destroy()
	r.Reclaim()
}

// Guard is a scope in which nodes loaded from a structure stay valid.
type Guard interface {
	// Protect announces that the node owning o is about to be dereferenced.
	// Callers must re-validate the pointer they loaded after protecting it.
	Protect(slot int, o *Ownership)
	// Retire hands an unlinked node to the reclaimer. The node is destroyed
	// once no guard can still reach it.
	Retire(r Reclaimable)
	// Release ends the scope. The guard must not be used afterwards.
	Release()
}

// Reclaimer is a safe memory reclamation strategy.
type Reclaimer interface {
	// Enter opens a guard for the calling goroutine.
	Enter() Guard
	// SafeToDestroy reports whether a retired node could be destroyed now.
	SafeToDestroy(o *Ownership) bool
}
