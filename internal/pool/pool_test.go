package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionEventSlot struct {
	ActionSample int64
}

func TestMultiAllocSingleReleasePoolAllocReuse(t *testing.T) {
	p := NewMultiAllocSingleReleasePool[sessionEventSlot](4)

	a, idxA := p.Alloc()
	require.NotNil(t, a)
	a.ActionSample = 10

	b, idxB := p.Alloc()
	require.NotNil(t, b)
	assert.NotEqual(t, idxA, idxB)

	p.Release(idxA)
	c, idxC := p.Alloc()
	require.NotNil(t, c)
	assert.Equal(t, idxA, idxC, "released slot should be reused before bumping further")
}

func TestMultiAllocSingleReleasePoolExhaustionReturnsNil(t *testing.T) {
	p := NewMultiAllocSingleReleasePool[sessionEventSlot](2)
	_, i1 := p.Alloc()
	_, i2 := p.Alloc()
	require.GreaterOrEqual(t, i1, int32(0))
	require.GreaterOrEqual(t, i2, int32(0))

	ptr, idx := p.Alloc()
	assert.Nil(t, ptr)
	assert.Equal(t, int32(-1), idx)
}

func TestCrossThreadPoolOwnerAllocOtherThreadPush(t *testing.T) {
	p := NewCrossThreadPool[sessionEventSlot](8)

	var wg sync.WaitGroup
	released := make(chan int32, 8)

	// Owner thread allocates.
	var indices []int32
	for i := 0; i < 4; i++ {
		_, idx := p.Alloc()
		require.GreaterOrEqual(t, idx, int32(0))
		indices = append(indices, idx)
	}

	// A different goroutine returns them.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, idx := range indices {
			p.Push(idx)
			released <- idx
		}
	}()
	wg.Wait()
	close(released)

	seen := map[int32]bool{}
	for idx := range released {
		seen[idx] = true
	}
	assert.Len(t, seen, 4)

	// Owner can now reuse the returned slots without exceeding capacity.
	reused := 0
	for i := 0; i < 4; i++ {
		_, idx := p.Alloc()
		if idx >= 0 {
			reused++
		}
	}
	assert.Equal(t, 4, reused)
}

func TestCrossThreadPoolDoubleReleaseIgnored(t *testing.T) {
	p := NewCrossThreadPool[sessionEventSlot](2)
	_, idx := p.Alloc()
	require.GreaterOrEqual(t, idx, int32(0))

	p.Push(idx)
	p.Push(idx) // double free must not corrupt the free-list

	first, _ := p.Alloc()
	require.NotNil(t, first)
	second, secondIdx := p.Alloc()
	// capacity is 2 and only one slot was ever returned once validly, so
	// this second alloc must bump to the untouched slot, not double-hand
	// out the same index.
	require.NotNil(t, second)
	assert.NotEqual(t, idx, secondIdx)
}

func TestRegistryReapInvokesCleanupForEachRetiredPool(t *testing.T) {
	reg := NewRegistry[sessionEventSlot](4)
	p1 := NewCrossThreadPool[sessionEventSlot](2)
	p2 := NewCrossThreadPool[sessionEventSlot](2)
	reg.Retire(p1)
	reg.Retire(p2)

	var cleaned []*CrossThreadPool[sessionEventSlot]
	n := reg.Reap(func(p *CrossThreadPool[sessionEventSlot]) {
		cleaned = append(cleaned, p)
	})
	assert.Equal(t, 2, n)
	assert.Len(t, cleaned, 2)
}
