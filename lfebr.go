// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lfebr provides lock-free data structures with epoch-based memory
// reclamation.
//
// A goroutine that reads a shared node pins the current epoch first. Nodes
// unlinked from a structure are retired rather than freed, and a retired node
// is destroyed and returned to its pool only after every goroutine that could
// still hold it has unpinned. Node reuse therefore never produces an ABA match
// on a stale pointer.
//
// # Quick Start
//
//	import "github.com/kianostad/lfebr"
//
//	rt := lfebr.NewRuntime(lfebr.DefaultConfig())
//	defer rt.Close(ctx)
//
//	s := lfebr.NewStack[int](rt, 0)
//	s.Push(1)
//	v, ok := s.Pop()
//
//	q := lfebr.NewQueue[string](rt)
//	q.Enqueue("a")
//	w, ok := q.Dequeue()
//
//	m := lfebr.NewStringMap[int](rt, 1024)
//	m.Insert("apples", 3)
//	n, ok := m.Get("apples")
//
// # Key Features
//
//   - Treiber stack, Michael-Scott queue and a fixed-bucket hash map
//   - Epoch registry with lock-free advancement and batched reclamation
//   - Hazard pointer domain with the same interface, for comparison
//   - Explicit goroutine registration for long-lived workers
//   - Metrics with Prometheus and JSON export
//
// # Goroutine Registration
//
// Operations lease a participation record for their duration, so callers need
// no setup. A long-lived worker may instead register once and pin its own
// participant around a batch of operations:
//
//	p, err := registry.Register()
//	if err != nil {
//	    return err
//	}
//	defer p.Unregister()
//
//	g := p.Pin()
//	// ... operations ...
//	g.Release()
//
// # Reclamation Strategies
//
// Every structure takes a Reclaimer. A Registry and a HazardDomain are
// interchangeable:
//
//	s := lfebr.NewStackWith[int](lfebr.NewHazardDomain())
//
// # Dangers and Warnings
//
//   - **Stalled goroutines**: A goroutine that stays pinned stops the epoch and
//     therefore all reclamation under that registry.
//   - **Close**: Registry.Close and Runtime.Close fail while any participant is
//     registered or pinned.
//   - **Misuse panics**: Releasing a guard twice, retiring outside a guard or
//     unregistering while pinned panic.
package lfebr

import (
	"github.com/kianostad/lfebr/internal/concurrency/epoch"
	"github.com/kianostad/lfebr/internal/concurrency/hazard"
	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
	core "github.com/kianostad/lfebr/internal/core"
	"github.com/kianostad/lfebr/internal/monitoring/metrics"
	"github.com/kianostad/lfebr/internal/storage/index"
	"github.com/kianostad/lfebr/internal/storage/queue"
	"github.com/kianostad/lfebr/internal/storage/stack"
)

// Re-export the reclamation types
type (
	// Reclaimer is a memory reclamation strategy
	Reclaimer = reclaim.Reclaimer

	// Registry is the epoch registry
	Registry = epoch.Registry

	// RegistryConfig configures a Registry
	RegistryConfig = epoch.Config

	// Participant is a goroutine registered with a Registry
	Participant = epoch.Participant

	// Guard is a pinned epoch guard
	Guard = epoch.Guard

	// HazardDomain is the hazard pointer strategy
	HazardDomain = hazard.Domain

	// Runtime owns a registry, its collector and metrics
	Runtime = core.Runtime

	// Config configures a Runtime
	Config = core.Config

	// Metrics collects operation metrics
	Metrics = metrics.Metrics
)

// Re-export the data structures
type (
	// Stack is a lock-free LIFO stack
	Stack[T any] = stack.Stack[T]

	// Queue is a lock-free FIFO queue
	Queue[T any] = queue.Queue[T]

	// Map is a lock-free hash map with fixed buckets
	Map[K comparable, V any] = index.HashIndex[K, V]
)

// Sentinel errors
var (
	ErrRegistryFull       = epoch.ErrRegistryFull
	ErrParticipantsActive = epoch.ErrParticipantsActive
	ErrCapacityExceeded   = stack.ErrCapacityExceeded
)

// DefaultConfig returns the default Runtime configuration.
func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewRuntime creates a runtime.
func NewRuntime(cfg Config) *Runtime {
	return core.NewRuntime(cfg)
}

// NewRegistry creates an epoch registry with the default configuration.
func NewRegistry() *Registry {
	return epoch.NewRegistry()
}

// NewRegistryWithConfig creates an epoch registry.
func NewRegistryWithConfig(cfg RegistryConfig) *Registry {
	return epoch.NewRegistryWithConfig(cfg)
}

// NewHazardDomain creates a hazard pointer domain with the default configuration.
func NewHazardDomain() *HazardDomain {
	return hazard.NewDomain()
}

// NewStack creates a stack owned by rt. A capacity of 0 means unbounded.
func NewStack[T any](rt *Runtime, capacity int) *Stack[T] {
	return core.NewStack[T](rt, capacity)
}

// NewQueue creates a queue owned by rt.
func NewQueue[T any](rt *Runtime) *Queue[T] {
	return core.NewQueue[T](rt)
}

// NewMap creates a map owned by rt with a power-of-two bucket count.
func NewMap[K comparable, V any](rt *Runtime, buckets uint64) *Map[K, V] {
	return core.NewMap[K, V](rt, buckets)
}

// NewStringMap creates a string-keyed map owned by rt.
func NewStringMap[V any](rt *Runtime, buckets uint64) *Map[string, V] {
	return core.NewStringMap[V](rt, buckets)
}

// NewStackWith creates an unbounded stack reclaimed by r.
func NewStackWith[T any](r Reclaimer) *Stack[T] {
	return stack.New[T](r)
}

// NewQueueWith creates a queue reclaimed by r.
func NewQueueWith[T any](r Reclaimer) *Queue[T] {
	return queue.New[T](r)
}

// NewMapWith creates a map reclaimed by r.
func NewMapWith[K comparable, V any](r Reclaimer, buckets uint64) *Map[K, V] {
	return index.NewHashIndex[K, V](r, buckets)
}
