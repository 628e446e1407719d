// Licensed under the MIT License. See LICENSE file in the project root for details.

package reclaim

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// Pool provides object pooling for nodes to reduce memory allocations.
// Nodes come out of Get live and go back through Put once destroyed.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	gets   atomix.Uint64
	puts   atomix.Uint64
	allocs atomix.Uint64
}

// NewPool creates a new Pool. reset clears a node before it is pooled and may be nil.
func NewPool[T any](reset func(*T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return new(T)
	}
	return p
}

// Get retrieves a node from the pool or allocates a new one.
func (p *Pool[T]) Get() *T {
	p.gets.Add(1)
	return p.pool.Get().(*T)
}

// Put returns a node to the pool after resetting its fields.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.puts.Add(1)
	p.pool.Put(v)
}

// Gets returns the number of nodes handed out.
func (p *Pool[T]) Gets() uint64 { return p.gets.Load() }

// Puts returns the number of nodes returned.
func (p *Pool[T]) Puts() uint64 { return p.puts.Load() }

// Allocs returns the number of nodes allocated because the pool was empty.
func (p *Pool[T]) Allocs() uint64 { return p.allocs.Load() }
