// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks the lock-free structures under epoch and hazard
// pointer reclamation.
//
// Each workload runs for 1, 2, 4, ... goroutines up to -max-goroutines and
// prints throughput together with the reclaimer's retired, reclaimed and
// pending node counts, so the cost and the lag of each strategy can be
// compared side by side.
//
// # Usage
//
//	go run ./cmd/bench
//	go run ./cmd/bench -ops 200000 -max-goroutines 16 -strategy hazard
//
// # Workloads
//
//   - stack: paired push/pop per iteration
//   - queue: paired enqueue/dequeue per iteration
//   - map: 80% get, 10% insert, 10% remove over a fixed key space
//   - memory: heap growth of stack churn before and after reclamation
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Benchmarks can consume significant CPU and memory resources.
//   - **Garbage Collection**: Go's GC may impact benchmark results unpredictably.
package main

import (
	"flag"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kianostad/lfebr/internal/concurrency/epoch"
	"github.com/kianostad/lfebr/internal/concurrency/hazard"
	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
	"github.com/kianostad/lfebr/internal/storage/index"
	"github.com/kianostad/lfebr/internal/storage/queue"
	"github.com/kianostad/lfebr/internal/storage/stack"
)

type options struct {
	ops           int
	maxGoroutines int
	buckets       uint64
	keys          int
	strategies    []string
}

type strategy struct {
	name string
	new  func() reclaim.Reclaimer
}

var strategies = []strategy{
	{"epoch", func() reclaim.Reclaimer { return epoch.NewRegistry() }},
	{"hazard", func() reclaim.Reclaimer { return hazard.NewDomain() }},
}

func main() {
	var opts options
	var strategyFlag string
	flag.IntVar(&opts.ops, "ops", 100000, "operations per goroutine")
	flag.IntVar(&opts.maxGoroutines, "max-goroutines", runtime.GOMAXPROCS(0), "largest goroutine count")
	flag.Uint64Var(&opts.buckets, "buckets", 1024, "map bucket count (power of 2)")
	flag.IntVar(&opts.keys, "keys", 10000, "map key space")
	flag.StringVar(&strategyFlag, "strategy", "epoch,hazard", "comma separated reclamation strategies")
	flag.Parse()

	if opts.ops <= 0 || opts.maxGoroutines <= 0 || opts.keys <= 0 {
		log.Fatal("ops, max-goroutines and keys must be positive")
	}
	if opts.buckets == 0 || opts.buckets&(opts.buckets-1) != 0 {
		log.Fatalf("buckets must be a power of 2, got %d", opts.buckets)
	}
	opts.strategies = strings.Split(strategyFlag, ",")

	fmt.Println("Lock-Free Reclamation Benchmarks")
	fmt.Println("================================")

	for _, s := range strategies {
		if !selected(opts.strategies, s.name) {
			continue
		}
		fmt.Printf("\n[%s]\n", s.name)
		benchmarkStack(s, opts)
		benchmarkQueue(s, opts)
		benchmarkMap(s, opts)
		benchmarkMemory(s, opts)
	}
}

func selected(names []string, name string) bool {
	for _, n := range names {
		if strings.TrimSpace(n) == name {
			return true
		}
	}
	return false
}

func goroutineCounts(max int) []int {
	var counts []int
	for n := 1; n < max; n *= 2 {
		counts = append(counts, n)
	}
	return append(counts, max)
}

// run starts n goroutines executing body ops times each and returns the elapsed time.
func run(n, ops int, body func(id, i int)) time.Duration {
	var wg sync.WaitGroup
	start := time.Now()
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				body(id, i)
			}
		}(g)
	}
	wg.Wait()
	return time.Since(start)
}

func report(n, ops int, d time.Duration, r reclaim.Reclaimer) {
	total := n * ops
	fmt.Printf("   %2d goroutines: %d ops in %v (%.0f ops/sec) %s\n",
		n, total, d.Round(time.Microsecond), float64(total)/d.Seconds(), reclaimStats(r))
}

func reclaimStats(r reclaim.Reclaimer) string {
	switch r := r.(type) {
	case *epoch.Registry:
		s := r.Stats()
		return fmt.Sprintf("[epoch=%d retired=%d reclaimed=%d pending=%d]", s.Epoch, s.Retired, s.Reclaimed, s.Pending)
	case *hazard.Domain:
		s := r.Stats()
		return fmt.Sprintf("[scans=%d retired=%d reclaimed=%d pending=%d]", s.Scans, s.Retired, s.Reclaimed, s.Pending)
	}
	return ""
}

func benchmarkStack(s strategy, opts options) {
	fmt.Println("\n1. Stack push/pop")
	for _, n := range goroutineCounts(opts.maxGoroutines) {
		r := s.new()
		st := stack.New[int](r)
		d := run(n, opts.ops, func(id, i int) {
			st.Push(i)
			st.Pop()
		})
		report(n, opts.ops, d, r)
	}
}

func benchmarkQueue(s strategy, opts options) {
	fmt.Println("\n2. Queue enqueue/dequeue")
	for _, n := range goroutineCounts(opts.maxGoroutines) {
		r := s.new()
		q := queue.New[int](r)
		d := run(n, opts.ops, func(id, i int) {
			q.Enqueue(i)
			q.Dequeue()
		})
		report(n, opts.ops, d, r)
	}
}

func benchmarkMap(s strategy, opts options) {
	fmt.Println("\n3. Map mixed workload (80% get, 10% insert, 10% remove)")
	for _, n := range goroutineCounts(opts.maxGoroutines) {
		r := s.new()
		m := index.NewHashIndex[int, int](r, opts.buckets)
		for k := 0; k < opts.keys; k++ {
			m.Insert(k, k)
		}
		d := run(n, opts.ops, func(id, i int) {
			k := (id*7919 + i) % opts.keys
			switch i % 10 {
			case 0:
				m.Insert(k, i)
			case 1:
				m.Remove(k)
			default:
				m.Get(k)
			}
		})
		report(n, opts.ops, d, r)
	}
}

func benchmarkMemory(s strategy, opts options) {
	fmt.Println("\n4. Memory usage")
	r := s.new()
	st := stack.New[[64]byte](r)

	var before, churned, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	n := opts.maxGoroutines
	run(n, opts.ops, func(id, i int) {
		st.Push([64]byte{})
		st.Pop()
	})
	runtime.ReadMemStats(&churned)

	switch r := r.(type) {
	case *epoch.Registry:
		for i := 0; i < 3; i++ {
			r.Collect()
		}
	case *hazard.Domain:
		r.Collect()
	}
	runtime.GC()
	runtime.ReadMemStats(&after)

	fmt.Printf("   total allocated during churn: %d KB for %d ops\n", (churned.TotalAlloc-before.TotalAlloc)/1024, n*opts.ops)
	fmt.Printf("   heap in use after reclamation: %d KB %s\n", after.HeapInuse/1024, reclaimStats(r))
}
