// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/lfebr/internal/concurrency/reclaim"
)

// testNode counts how often it was destroyed.
type testNode struct {
	own       reclaim.Ownership
	destroyed *atomic.Int64
}

func (n *testNode) Ownership() *reclaim.Ownership { return &n.own }
func (n *testNode) Reclaim()                      { n.destroyed.Add(1) }

func newTestNode(counter *atomic.Int64) *testNode {
	return &testNode{destroyed: counter}
}

// collectUntilIdle runs collection cycles until nothing is pending or the
// attempts run out.
func collectUntilIdle(r *Registry, attempts int) {
	for i := 0; i < attempts && r.Stats().Pending > 0; i++ {
		r.Collect()
	}
}

func TestRegistryBasicOperations(t *testing.T) {
	Convey("Given a new registry", t, func() {
		r := NewRegistry()

		Convey("Initially", func() {
			So(r.Epoch(), ShouldEqual, 0)
			So(r.ActiveCount(), ShouldEqual, 0)
			So(r.Participants(), ShouldEqual, 0)
			_, pinned := r.MinPinned()
			So(pinned, ShouldBeFalse)
		})

		Convey("When pinning a leased guard", func() {
			g := r.Pin()

			Convey("Then the guard is pinned at the current epoch", func() {
				So(g.Epoch(), ShouldEqual, 0)
				So(r.ActiveCount(), ShouldEqual, 1)
				So(r.Participants(), ShouldEqual, 1)
				lowest, pinned := r.MinPinned()
				So(pinned, ShouldBeTrue)
				So(lowest, ShouldEqual, 0)
			})

			Convey("When releasing it", func() {
				g.Release()

				Convey("Then the record is idle and returned", func() {
					So(r.ActiveCount(), ShouldEqual, 0)
					So(r.Participants(), ShouldEqual, 0)
				})

				Convey("And the next pin reuses the record", func() {
					g2 := r.Pin()
					So(r.Stats().Records, ShouldEqual, 1)
					g2.Release()
				})
			})
		})

		Convey("The effective configuration has defaults", func() {
			So(r.Config(), ShouldResemble, DefaultConfig())
		})
	})
}

func TestRegistryAdvance(t *testing.T) {
	Convey("Given a participant pinned at epoch 0", t, func() {
		r := NewRegistry()
		p, err := r.Register()
		So(err, ShouldBeNil)
		g := p.Pin()

		Convey("The epoch advances once", func() {
			e, ok := r.TryAdvance()
			So(ok, ShouldBeTrue)
			So(e, ShouldEqual, 1)

			Convey("But not twice while the pin is stale", func() {
				e, ok = r.TryAdvance()
				So(ok, ShouldBeFalse)
				So(e, ShouldEqual, 1)
				So(r.Epoch(), ShouldEqual, 1)
			})

			Convey("And advances again after release", func() {
				g.Release()
				before := r.Epoch()
				e, ok = r.TryAdvance()
				So(ok, ShouldBeTrue)
				So(e, ShouldEqual, before+1)
			})
		})

		Reset(func() {
			if p.Pinned() {
				g.Release()
			}
			p.Unregister()
		})
	})
}

func TestParticipantReentrantPin(t *testing.T) {
	Convey("Given a registered participant", t, func() {
		r := NewRegistry()
		p, err := r.Register()
		So(err, ShouldBeNil)

		Convey("Nested pins share one guard", func() {
			outer := p.Pin()
			inner := p.Pin()
			So(inner, ShouldPointTo, outer)
			So(inner.Epoch(), ShouldEqual, outer.Epoch())

			inner.Release()
			So(p.Pinned(), ShouldBeTrue)
			So(r.ActiveCount(), ShouldEqual, 1)

			outer.Release()
			So(p.Pinned(), ShouldBeFalse)
			So(r.ActiveCount(), ShouldEqual, 0)

			Convey("And releasing once more panics", func() {
				So(func() { outer.Release() }, ShouldPanic)
			})
		})

		Convey("Unregister is idempotent", func() {
			p.Unregister()
			p.Unregister()
			So(r.Participants(), ShouldEqual, 0)

			Convey("And pinning afterwards panics", func() {
				So(func() { p.Pin() }, ShouldPanic)
			})
		})

		Convey("Unregister while pinned panics", func() {
			g := p.Pin()
			So(func() { p.Unregister() }, ShouldPanic)
			g.Release()
			p.Unregister()
		})
	})
}

func TestRegistryCapacity(t *testing.T) {
	Convey("Given a registry with two records", t, func() {
		r := NewRegistryWithConfig(Config{MaxParticipants: 2})
		p1, err := r.Register()
		So(err, ShouldBeNil)
		p2, err := r.Register()
		So(err, ShouldBeNil)

		Convey("A third registration fails", func() {
			_, err := r.Register()
			So(errors.Is(err, ErrRegistryFull), ShouldBeTrue)
		})

		Convey("A leased pin does not count against the limit", func() {
			g := r.Pin()
			So(r.Stats().Records, ShouldEqual, 3)
			So(r.ActiveCount(), ShouldEqual, 1)
			g.Release()

			_, err := r.Register()
			So(errors.Is(err, ErrRegistryFull), ShouldBeTrue)
		})

		Convey("Unregistering frees a record for reuse", func() {
			p1.Unregister()
			p3, err := r.Register()
			So(err, ShouldBeNil)
			So(r.Stats().Records, ShouldEqual, 2)
			p3.Unregister()
		})

		Reset(func() {
			p1.Unregister()
			p2.Unregister()
		})
	})
}

func TestRetireIsDeferred(t *testing.T) {
	Convey("Given a reader pinned before a node is retired", t, func() {
		var destroyed atomic.Int64
		r := NewRegistry()

		reader, err := r.Register()
		So(err, ShouldBeNil)
		rg := reader.Pin()

		writer, err := r.Register()
		So(err, ShouldBeNil)
		n := newTestNode(&destroyed)
		wg := writer.Pin()
		wg.Retire(n)
		wg.Release()
		writer.Flush()

		Convey("The node survives any number of collections", func() {
			for i := 0; i < 10; i++ {
				r.Collect()
			}
			So(n.own.State(), ShouldEqual, reclaim.Retired)
			So(r.SafeToDestroy(&n.own), ShouldBeFalse)
			So(destroyed.Load(), ShouldEqual, 0)
			So(r.Epoch(), ShouldBeLessThanOrEqualTo, rg.Epoch()+1)
		})

		Convey("When the reader releases", func() {
			rg.Release()
			collectUntilIdle(r, 5)

			Convey("Then the node is destroyed exactly once", func() {
				So(n.own.State(), ShouldEqual, reclaim.Destroyed)
				So(destroyed.Load(), ShouldEqual, 1)

				stats := r.Stats()
				So(stats.Retired, ShouldEqual, 1)
				So(stats.Reclaimed, ShouldEqual, 1)
				So(stats.Pending, ShouldEqual, 0)
			})
		})

		Reset(func() {
			if reader.Pinned() {
				rg.Release()
			}
			reader.Unregister()
			writer.Unregister()
		})
	})
}

func TestRetireMisuse(t *testing.T) {
	Convey("Given a pinned guard", t, func() {
		var destroyed atomic.Int64
		r := NewRegistry()
		p, err := r.Register()
		So(err, ShouldBeNil)
		g := p.Pin()
		n := newTestNode(&destroyed)

		Convey("Retiring the same node twice panics", func() {
			g.Retire(n)
			So(func() { g.Retire(n) }, ShouldPanic)
		})

		Convey("Retiring after release panics", func() {
			g.Release()
			So(func() { g.Retire(n) }, ShouldPanic)
		})

		Reset(func() {
			if p.Pinned() {
				g.Release()
			}
			p.Unregister()
		})
	})
}

func TestBagSealing(t *testing.T) {
	Convey("Given a registry with four-node bags", t, func() {
		var destroyed atomic.Int64
		r := NewRegistryWithConfig(Config{BagCapacity: 4})
		p, err := r.Register()
		So(err, ShouldBeNil)

		g := p.Pin()
		for i := 0; i < 3; i++ {
			g.Retire(newTestNode(&destroyed))
		}

		Convey("A partial bag stays local", func() {
			So(r.garbage.empty(), ShouldBeTrue)
		})

		Convey("A full bag is sealed to the global list", func() {
			g.Retire(newTestNode(&destroyed))
			So(r.garbage.empty(), ShouldBeFalse)
			So(p.rec.bag.items, ShouldBeEmpty)
		})

		Reset(func() {
			g.Release()
			p.Unregister()
		})
	})
}

func TestRegistryClose(t *testing.T) {
	Convey("Given a registry with retired garbage", t, func() {
		var destroyed atomic.Int64
		r := NewRegistry()
		p, err := r.Register()
		So(err, ShouldBeNil)

		g := p.Pin()
		for i := 0; i < 10; i++ {
			g.Retire(newTestNode(&destroyed))
		}
		g.Release()

		Convey("Close fails while the participant is registered", func() {
			So(r.Close(), ShouldEqual, ErrParticipantsActive)
			So(destroyed.Load(), ShouldEqual, 0)
			p.Unregister()
		})

		Convey("Close destroys everything once participants are gone", func() {
			p.Unregister()
			So(r.Close(), ShouldBeNil)
			So(destroyed.Load(), ShouldEqual, 10)
			So(r.Stats().Pending, ShouldEqual, 0)
			So(r.Participants(), ShouldEqual, 0)
		})
	})
}

func TestRegistryConcurrentAccess(t *testing.T) {
	Convey("Given a new registry", t, func() {
		r := NewRegistryWithConfig(Config{BagCapacity: 8})
		var destroyed atomic.Int64

		Convey("When participants pin, retire and release concurrently", func() {
			const numGoroutines = 8
			const numOps = 2000

			stop := make(chan struct{})
			monotonic := make(chan bool, 1)
			go func() {
				last := r.Epoch()
				ok := true
				for {
					select {
					case <-stop:
						monotonic <- ok
						return
					default:
					}
					e := r.Epoch()
					if e < last {
						ok = false
					}
					last = e
				}
			}()

			var wg sync.WaitGroup
			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func(leased bool) {
					defer wg.Done()
					if leased {
						for j := 0; j < numOps; j++ {
							g := r.Pin()
							g.Retire(newTestNode(&destroyed))
							g.Release()
						}
						return
					}
					p, err := r.Register()
					if err != nil {
						t.Error(err)
						return
					}
					defer p.Unregister()
					for j := 0; j < numOps; j++ {
						g := p.Pin()
						g.Retire(newTestNode(&destroyed))
						g.Release()
					}
				}(i%2 == 0)
			}
			wg.Wait()
			close(stop)
			collectUntilIdle(r, 10)

			Convey("Then every retired node is destroyed exactly once", func() {
				stats := r.Stats()
				So(stats.Retired, ShouldEqual, numGoroutines*numOps)
				So(stats.Reclaimed, ShouldEqual, stats.Retired)
				So(destroyed.Load(), ShouldEqual, numGoroutines*numOps)
			})

			Convey("And the epoch never moved backwards", func() {
				So(<-monotonic, ShouldBeTrue)
			})

			Convey("And no record is left pinned", func() {
				So(r.ActiveCount(), ShouldEqual, 0)
				So(r.Participants(), ShouldEqual, 0)
			})
		})
	})
}

func TestRegistryLeasesBeyondMaxParticipants(t *testing.T) {
	Convey("Given a registry whose participant limit is reached", t, func() {
		r := NewRegistryWithConfig(Config{MaxParticipants: 4})
		var workers []*Participant
		for i := 0; i < 4; i++ {
			p, err := r.Register()
			So(err, ShouldBeNil)
			workers = append(workers, p)
		}
		_, err := r.Register()
		So(errors.Is(err, ErrRegistryFull), ShouldBeTrue)

		Convey("More goroutines than the limit can hold leased guards at once", func() {
			const n = 64
			var pinned, done sync.WaitGroup
			release := make(chan struct{})
			panics := make(chan any, n)

			pinned.Add(n)
			done.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer done.Done()
					defer func() {
						if p := recover(); p != nil {
							panics <- p
							pinned.Done()
						}
					}()
					g := r.Pin()
					pinned.Done()
					<-release
					g.Release()
				}()
			}
			pinned.Wait()
			So(r.ActiveCount(), ShouldEqual, n)
			close(release)
			done.Wait()
			close(panics)

			So(len(panics), ShouldEqual, 0)
			So(r.ActiveCount(), ShouldEqual, 0)
			So(r.Participants(), ShouldEqual, 4)
			So(r.Stats().Records, ShouldEqual, n+4)

			for _, p := range workers {
				p.Unregister()
			}
			So(r.Close(), ShouldBeNil)
		})
	})
}
