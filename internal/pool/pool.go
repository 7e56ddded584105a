// Package pool implements the engine's fixed-capacity, non-blocking
// allocators: a MultiAllocSingleReleasePool for rarely cross-thread
// types, and a PerThreadPool/CrossThreadPool pair for hot-path allocation
// from the owning thread with lock-free push-back from any other thread.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/ring"
)

var log = logging.ForService("pool")

// MultiAllocSingleReleasePool is a fixed-capacity bump-allocated block plus
// a free-list ring. Any thread may Alloc; Release is serialized by a mutex
// since cross-thread release is rare for the types this pool backs
// (session events, in practice).
type MultiAllocSingleReleasePool[T any] struct {
	blocks    []T
	free      *ring.Pointer[int32] // indices into blocks, -1 meaning "none"
	releaseMu sync.Mutex
	bumped    atomic.Int64
	capacity  int32
}

// NewMultiAllocSingleReleasePool preallocates capacity blocks of T.
func NewMultiAllocSingleReleasePool[T any](capacity int) *MultiAllocSingleReleasePool[T] {
	p := &MultiAllocSingleReleasePool[T]{
		blocks:   make([]T, capacity),
		free:     ring.NewPointer[int32](capacity + 1),
		capacity: int32(capacity),
	}
	return p
}

// Alloc returns a pointer to a zeroed-or-reused T plus its stable slot
// index (needed by Release), or (nil, -1) if the pool is exhausted. Never
// blocks, never grows.
func (p *MultiAllocSingleReleasePool[T]) Alloc() (*T, int32) {
	if idx, ok := p.free.Pop(); ok {
		return &p.blocks[idx], idx
	}
	n := p.bumped.Add(1) - 1
	if n >= int64(p.capacity) {
		p.bumped.Add(-1)
		log.Warn("pool exhausted", "capacity", p.capacity)
		return nil, -1
	}
	return &p.blocks[n], int32(n)
}

// At returns the block at idx, as returned by a prior Alloc.
func (p *MultiAllocSingleReleasePool[T]) At(idx int32) *T {
	return &p.blocks[idx]
}

// Release returns the slot at idx to the free-list. idx must have
// originated from this pool's Alloc; passing a foreign index is a
// programming invariant violation.
func (p *MultiAllocSingleReleasePool[T]) Release(idx int32) {
	if idx < 0 || idx >= p.capacity {
		log.Error("release of index foreign to pool", "index", idx, "capacity", p.capacity)
		return
	}
	p.releaseMu.Lock()
	defer p.releaseMu.Unlock()
	if !p.free.Push(idx) {
		log.Warn("pool free-list full on release, leaking slot", "capacity", p.capacity)
	}
}

// CrossThreadPool is a per-thread bump allocator: Alloc is lock-free and
// only ever called from the owning goroutine. Other goroutines return
// freed items via Push, delivered through an SPSC ring attached to this
// pool (one ring per (releasing-thread, pool) pair would be ideal; this
// single shared ring is a pragmatic compromise).
type CrossThreadPool[T any] struct {
	blocks   []T
	inUse    []atomic.Bool
	bumped   atomic.Int64
	capacity int32
	returned *ring.Pointer[int32] // pushed by foreign threads
	trash    *ring.Pointer[*CrossThreadPool[T]]
}

// NewCrossThreadPool preallocates capacity blocks of T for one owning thread.
func NewCrossThreadPool[T any](capacity int) *CrossThreadPool[T] {
	return &CrossThreadPool[T]{
		blocks:   make([]T, capacity),
		inUse:    make([]atomic.Bool, capacity),
		capacity: int32(capacity),
		returned: ring.NewPointer[int32](capacity + 1),
	}
}

// Alloc is lock-free and must only be called from the owning thread. It
// first drains returned indices pushed by other threads, then bumps.
func (p *CrossThreadPool[T]) Alloc() (*T, int32) {
	if idx, ok := p.returned.Pop(); ok {
		p.inUse[idx].Store(true)
		return &p.blocks[idx], idx
	}
	n := p.bumped.Add(1) - 1
	if n >= int64(p.capacity) {
		p.bumped.Add(-1)
		log.Warn("cross-thread pool exhausted", "capacity", p.capacity)
		return nil, -1
	}
	p.inUse[n].Store(true)
	return &p.blocks[n], int32(n)
}

// Push returns idx to the pool's free-list. Safe to call from any thread,
// including the owner (a self-return is just a degenerate case). idx must
// have come from this pool's Alloc.
func (p *CrossThreadPool[T]) Push(idx int32) {
	if idx < 0 || idx >= p.capacity {
		log.Error("release of index foreign to pool", "index", idx, "capacity", p.capacity)
		return
	}
	if !p.inUse[idx].CompareAndSwap(true, false) {
		return // double release, ignore rather than corrupt the free-list
	}
	if !p.returned.Push(idx) {
		log.Warn("cross-thread pool free-list full, leaking slot", "index", idx)
	}
}

// Registry tracks CrossThreadPools whose owning thread has exited, for
// deferred cleanup by a reaper.
type Registry[T any] struct {
	trash *ring.Pointer[*CrossThreadPool[T]]
}

// NewRegistry creates a trash collector with room for capacity retired pools.
func NewRegistry[T any](capacity int) *Registry[T] {
	return &Registry[T]{trash: ring.NewPointer[*CrossThreadPool[T]](capacity + 1)}
}

// Retire marks p's owning thread as gone; p is queued for deferred cleanup
// rather than freed immediately, since in-flight Push calls from other
// threads may still reference it.
func (r *Registry[T]) Retire(p *CrossThreadPool[T]) {
	if !r.trash.Push(p) {
		log.Error("pool registry trash ring full, pool leaked", "capacity", p.capacity)
	}
}

// Reap drains the trash ring, invoking cleanup for each retired pool. Meant
// to be called periodically from a non-RT maintenance goroutine.
func (r *Registry[T]) Reap(cleanup func(*CrossThreadPool[T])) int {
	n := 0
	for {
		p, ok := r.trash.Pop()
		if !ok {
			return n
		}
		cleanup(p)
		n++
	}
}

// ExhaustionError builds the standard resource-exhaustion error for
// callers that need to surface a pool-full condition rather than silently
// dropping.
func ExhaustionError(poolName string) error {
	return errors.Newf("%s pool exhausted", poolName).
		Component("pool").
		Category(errors.CategoryExhaustion).
		Context("pool", poolName).
		Build()
}
