// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics records operation counts, latencies and reclamation gauges
// for the lock-free structures.
//
// Recording never blocks the caller: events are enqueued on a bounded lock-free
// MPSC queue and applied by a background goroutine. When the queue is full the
// event is dropped and counted. Reading statistics first drains pending events,
// so a snapshot reflects every event recorded before it was taken.
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	s := stack.NewWithConfig[int](registry, stack.Config{Metrics: m})
//	s.Push(1)
//
//	fmt.Print(m.ExportPrometheus())
package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Operation names accepted by the Record methods.
const (
	OpPush    = "push"
	OpPop     = "pop"
	OpEnqueue = "enqueue"
	OpDequeue = "dequeue"
	OpInsert  = "insert"
	OpGet     = "get"
	OpRemove  = "remove"
)

// Operations lists every tracked operation in export order.
var Operations = []string{OpPush, OpPop, OpEnqueue, OpDequeue, OpInsert, OpGet, OpRemove}

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationStats aggregates one operation.
type OperationStats struct {
	Count   uint64       `json:"count"`
	Misses  uint64       `json:"misses"`
	Errors  uint64       `json:"errors"`
	Latency LatencyStats `json:"latency"`
}

// ReclamationMetrics describes the state of a reclamation strategy.
type ReclamationMetrics struct {
	Strategy     string `json:"strategy"`
	Epoch        uint64 `json:"epoch"`
	Advances     uint64 `json:"advances"`
	Retired      uint64 `json:"retired"`
	Reclaimed    uint64 `json:"reclaimed"`
	Pending      uint64 `json:"pending"`
	Participants int    `json:"participants"`
	Pinned       int    `json:"pinned"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    map[string]OperationStats `json:"operations"`
	Reclamation   ReclamationMetrics        `json:"reclamation"`
	Dropped       uint64                    `json:"dropped"`
	Configuration MetricsConfig             `json:"config"`
}

type eventKind uint8

const (
	eventOp eventKind = iota
	eventMiss
	eventError
)

// MetricEvent represents a single metric event
type MetricEvent struct {
	Kind     eventKind
	Op       string
	Duration time.Duration
}

// DurationRingBuffer keeps the most recent durations of one operation.
type DurationRingBuffer struct {
	mu     sync.RWMutex
	values []time.Duration
	next   int
	full   bool
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{values: make([]time.Duration, capacity)}
}

// Push adds an item, overwriting the oldest one when the buffer is full.
func (rb *DurationRingBuffer) Push(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.values[rb.next] = d
	rb.next++
	if rb.next == len(rb.values) {
		rb.next = 0
		rb.full = true
	}
}

// Len returns the number of durations held.
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *DurationRingBuffer) len() int {
	if rb.full {
		return len(rb.values)
	}
	return rb.next
}

// GetStats calculates latency statistics over the buffered durations.
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := append([]time.Duration(nil), rb.values[:rb.len()]...)
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the pth value of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize        int `json:"buffer_size"`         // Capacity of the event queue
	LatencyBufferSize int `json:"latency_buffer_size"` // Durations kept per operation
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:        8192,
		LatencyBufferSize: 1024,
	}
}

type opCounters struct {
	count   uint64
	misses  uint64
	errors  uint64
	latency *DurationRingBuffer
}

// Metrics collects events from any number of goroutines.
type Metrics struct {
	config MetricsConfig

	events    lfq.Queue[MetricEvent]
	consumeMu sync.Mutex // the queue has a single consumer at a time
	dropped   atomix.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.RWMutex
	ops         map[string]*opCounters
	reclamation ReclamationMetrics
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	d := DefaultMetricsConfig()
	if config.BufferSize < 2 {
		config.BufferSize = d.BufferSize
	}
	if config.LatencyBufferSize <= 0 {
		config.LatencyBufferSize = d.LatencyBufferSize
	}

	m := &Metrics{
		config: config,
		events: lfq.BuildMPSC[MetricEvent](lfq.New(config.BufferSize).SingleConsumer().Compact()),
		done:   make(chan struct{}),
		ops:    make(map[string]*opCounters, len(Operations)),
	}
	for _, op := range Operations {
		m.ops[op] = &opCounters{latency: NewDurationRingBuffer(config.LatencyBufferSize)}
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents applies queued events until Close.
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	var bo iox.Backoff
	for {
		select {
		case <-m.done:
			m.drain()
			return
		default:
		}
		if m.drain() > 0 {
			bo.Reset()
			continue
		}
		bo.Wait()
	}
}

// drain applies every queued event and returns how many were applied.
func (m *Metrics) drain() int {
	m.consumeMu.Lock()
	defer m.consumeMu.Unlock()

	n := 0
	for {
		ev, err := m.events.Dequeue()
		if err != nil {
			return n
		}
		m.apply(ev)
		n++
	}
}

func (m *Metrics) apply(ev MetricEvent) {
	c, ok := m.ops[ev.Op]
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case eventOp:
		c.count++
		c.latency.Push(ev.Duration)
	case eventMiss:
		c.misses++
	case eventError:
		c.errors++
	}
}

func (m *Metrics) enqueue(ev MetricEvent) {
	if err := m.events.Enqueue(&ev); err != nil {
		m.dropped.Add(1)
	}
}

// RecordOp records a completed operation and its latency.
func (m *Metrics) RecordOp(op string, d time.Duration) {
	m.enqueue(MetricEvent{Kind: eventOp, Op: op, Duration: d})
}

// RecordMiss records an operation that found its structure empty or its key absent.
func (m *Metrics) RecordMiss(op string) {
	m.enqueue(MetricEvent{Kind: eventMiss, Op: op})
}

// RecordError records a rejected operation.
func (m *Metrics) RecordError(op string) {
	m.enqueue(MetricEvent{Kind: eventError, Op: op})
}

// SetReclamation replaces the reclamation gauges.
func (m *Metrics) SetReclamation(r ReclamationMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclamation = r
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.drain()

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Operations:    make(map[string]OperationStats, len(m.ops)),
		Reclamation:   m.reclamation,
		Dropped:       m.dropped.Load(),
		Configuration: m.config,
	}
	for op, c := range m.ops {
		snap.Operations[op] = OperationStats{
			Count:   c.count,
			Misses:  c.misses,
			Errors:  c.errors,
			Latency: c.latency.GetStats(),
		}
	}
	return snap
}

// ExportPrometheus exports metrics in Prometheus format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	family := func(name, help, typ string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	}

	family("lfebr_operations_total", "Total number of operations", "counter")
	for _, op := range Operations {
		fmt.Fprintf(&b, "lfebr_operations_total{operation=%q} %d\n", op, stats.Operations[op].Count)
	}
	family("lfebr_misses_total", "Operations that found nothing to return", "counter")
	for _, op := range Operations {
		fmt.Fprintf(&b, "lfebr_misses_total{operation=%q} %d\n", op, stats.Operations[op].Misses)
	}
	family("lfebr_errors_total", "Rejected operations", "counter")
	for _, op := range Operations {
		fmt.Fprintf(&b, "lfebr_errors_total{operation=%q} %d\n", op, stats.Operations[op].Errors)
	}
	family("lfebr_latency_nanoseconds", "Average latency for operations", "gauge")
	for _, op := range Operations {
		fmt.Fprintf(&b, "lfebr_latency_nanoseconds{operation=%q} %d\n", op, stats.Operations[op].Latency.Mean.Nanoseconds())
	}

	r := stats.Reclamation
	gauges := []struct {
		name, help, typ string
		value           uint64
	}{
		{"lfebr_reclaim_epoch", "Global reclamation epoch", "gauge", r.Epoch},
		{"lfebr_reclaim_advances_total", "Epoch advances", "counter", r.Advances},
		{"lfebr_reclaim_retired_total", "Nodes retired", "counter", r.Retired},
		{"lfebr_reclaim_reclaimed_total", "Nodes destroyed", "counter", r.Reclaimed},
		{"lfebr_reclaim_pending", "Nodes retired but not yet destroyed", "gauge", r.Pending},
		{"lfebr_reclaim_participants", "Owned participation records", "gauge", uint64(r.Participants)},
		{"lfebr_reclaim_pinned", "Pinned participation records", "gauge", uint64(r.Pinned)},
		{"lfebr_metrics_dropped_total", "Metric events dropped on a full queue", "counter", stats.Dropped},
	}
	for _, g := range gauges {
		family(g.name, g.help, g.typ)
		fmt.Fprintf(&b, "%s %d\n", g.name, g.value)
	}

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the metrics processor. Events recorded before Close are
// applied; events recorded afterwards are only visible through GetStats.
func (m *Metrics) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
