// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core wires an epoch registry, its background collector and optional
// metrics into a Runtime, and builds the lock-free structures on top of it.
//
// A Runtime is the unit of ownership: every structure created from it shares
// its registry, so garbage from all of them is reclaimed together, and Close
// tears the whole set down.
//
// # Usage Examples
//
//	rt := core.NewRuntime(core.DefaultConfig())
//	defer rt.Close(ctx)
//
//	s := core.NewStack[int](rt, 0)
//	q := core.NewQueue[string](rt)
//	m := core.NewStringMap[int](rt, 1024)
//
// # Dangers and Warnings
//
//   - **Close**: Close fails while goroutines are still registered or pinned.
//     Structures must not be used after Close.
//   - **Metrics**: The metrics processor runs a goroutine; Close stops it.
package core

import (
	"context"
	"fmt"

	"github.com/kianostad/lfebr/internal/concurrency/epoch"
	"github.com/kianostad/lfebr/internal/monitoring/metrics"
	"github.com/kianostad/lfebr/internal/storage/index"
	"github.com/kianostad/lfebr/internal/storage/queue"
	"github.com/kianostad/lfebr/internal/storage/stack"
)

// Config provides configuration options for a Runtime.
type Config struct {
	Registry   epoch.Config
	Background bool                   // Run a background collector
	Metrics    *metrics.MetricsConfig // nil disables metrics
}

// DefaultConfig returns a configuration with a background collector and
// metrics enabled.
func DefaultConfig() Config {
	mc := metrics.DefaultMetricsConfig()
	return Config{
		Registry:   epoch.DefaultConfig(),
		Background: true,
		Metrics:    &mc,
	}
}

// Runtime owns the reclamation machinery shared by a set of structures.
type Runtime struct {
	registry  *epoch.Registry
	collector *epoch.Collector
	metrics   *metrics.Metrics
}

// NewRuntime creates a runtime and starts its collector when configured.
func NewRuntime(cfg Config) *Runtime {
	reg := epoch.NewRegistryWithConfig(cfg.Registry)
	rt := &Runtime{
		registry:  reg,
		collector: epoch.NewCollector(reg),
	}
	if cfg.Metrics != nil {
		rt.metrics = metrics.NewMetricsWithConfig(*cfg.Metrics)
	}
	if cfg.Background {
		rt.collector.Start()
	}
	return rt
}

// Registry returns the runtime's epoch registry.
func (rt *Runtime) Registry() *epoch.Registry {
	return rt.registry
}

// Metrics returns the runtime's metrics, or nil when disabled.
func (rt *Runtime) Metrics() *metrics.Metrics {
	return rt.metrics
}

// GetMetrics refreshes the reclamation gauges and returns a metrics snapshot.
// It returns the zero snapshot when metrics are disabled.
func (rt *Runtime) GetMetrics(ctx context.Context) metrics.MetricsSnapshot {
	if rt.metrics == nil {
		return metrics.MetricsSnapshot{}
	}
	rt.publish()
	return rt.metrics.GetStats()
}

func (rt *Runtime) publish() {
	s := rt.registry.Stats()
	rt.metrics.SetReclamation(metrics.ReclamationMetrics{
		Strategy:     "epoch",
		Epoch:        s.Epoch,
		Advances:     s.Advances,
		Retired:      s.Retired,
		Reclaimed:    s.Reclaimed,
		Pending:      s.Pending,
		Participants: s.Participants,
		Pinned:       s.Pinned,
	})
}

// Flush runs collection cycles until no garbage is pending, a cycle makes no
// progress, or ctx is done. It returns the number of nodes destroyed.
func (rt *Runtime) Flush(ctx context.Context) (int, error) {
	total := 0
	for idle := 0; idle < 3 && rt.registry.Stats().Pending > 0; {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n := rt.collector.ForceCollect()
		if n == 0 {
			idle++
		}
		total += n
	}
	return total, nil
}

// Close stops the collector and metrics and destroys all remaining garbage.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.collector.Stop()
	if rt.metrics != nil {
		rt.publish()
		rt.metrics.Close()
	}
	if err := rt.registry.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	return nil
}

// NewStack creates a stack reclaimed by rt. A capacity of 0 means unbounded.
func NewStack[T any](rt *Runtime, capacity int) *stack.Stack[T] {
	return stack.NewWithConfig[T](rt.registry, stack.Config{
		Capacity: capacity,
		Metrics:  rt.metrics,
	})
}

// NewQueue creates a queue reclaimed by rt.
func NewQueue[T any](rt *Runtime) *queue.Queue[T] {
	return queue.NewWithConfig[T](rt.registry, queue.Config{Metrics: rt.metrics})
}

// NewMap creates a hash map with the given power-of-two bucket count.
func NewMap[K comparable, V any](rt *Runtime, buckets uint64) *index.HashIndex[K, V] {
	return index.NewHashIndexWithConfig[K, V](rt.registry, index.Config[K]{
		Buckets: buckets,
		Metrics: rt.metrics,
	})
}

// NewStringMap creates a string-keyed hash map hashed with xxHash.
func NewStringMap[V any](rt *Runtime, buckets uint64) *index.HashIndex[string, V] {
	return index.NewHashIndexWithConfig[string, V](rt.registry, index.Config[string]{
		Buckets: buckets,
		Hasher:  index.StringHasher(),
		Metrics: rt.metrics,
	})
}
