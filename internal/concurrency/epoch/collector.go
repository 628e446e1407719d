// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
)

// Collector drives reclamation in the background. Without it, garbage retired
// by participants that stop pinning stays in their bags until they pin again or
// unregister.
type Collector struct {
	reg      *Registry
	interval time.Duration
	running  atomic.Bool
	stop     atomic.Bool
	wg       sync.WaitGroup

	cycles    atomix.Uint64
	reclaimed atomix.Uint64
}

// NewCollector creates a collector ticking at the registry's CollectInterval.
func NewCollector(reg *Registry) *Collector {
	return &Collector{
		reg:      reg,
		interval: reg.cfg.CollectInterval,
	}
}

// Start begins background collection. Starting a stopped or running collector
// does nothing.
func (c *Collector) Start() {
	if c.stop.Load() || !c.running.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go c.run()
}

// Stop stops the collector and waits for the loop to exit.
func (c *Collector) Stop() {
	c.stop.Store(true)
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for !c.stop.Load() {
		<-ticker.C
		c.collect()
	}
}

func (c *Collector) collect() int {
	n := c.reg.Collect()
	c.cycles.Add(1)
	c.reclaimed.Add(uint64(n))
	return n
}

// ForceCollect performs an immediate collection cycle and returns the number
// of nodes destroyed.
func (c *Collector) ForceCollect() int {
	return c.collect()
}

// Cycles returns the number of completed collection cycles.
func (c *Collector) Cycles() uint64 {
	return c.cycles.Load()
}

// Reclaimed returns the number of nodes destroyed by this collector.
func (c *Collector) Reclaimed() uint64 {
	return c.reclaimed.Load()
}
