package hashalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singcha/velox/bytestream"
	"github.com/singcha/velox/hashalloc"
	"github.com/singcha/velox/pagepool"
)

func newTestAllocator(t *testing.T) (*hashalloc.Allocator, *pagepool.SimplePool) {
	t.Helper()
	pool := pagepool.NewSimplePool(4096, 0)
	return hashalloc.New(pool, nil), pool
}

func fillPattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

// fragment carves count free blocks of size payload bytes out of the
// allocator's slab, separated by live blocks so they do not coalesce.
func fragment(t *testing.T, alloc *hashalloc.Allocator, size, count int) {
	t.Helper()
	var toFree []hashalloc.Header
	for i := 0; i < count; i++ {
		toFree = append(toFree, alloc.Allocate(size, true))
		alloc.Allocate(size, true)
	}
	for _, h := range toFree {
		alloc.Free(h)
	}
}

func TestAllocateExactSize(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	h := alloc.Allocate(100, true)
	require.Equal(t, 100, alloc.BlockSize(h))
	require.NoError(t, alloc.CheckConsistency())
}

func TestAllocateBoundaries(t *testing.T) {
	alloc, pool := newTestAllocator(t)

	h := alloc.Allocate(hashalloc.MinAlloc, true)
	require.Equal(t, hashalloc.MinAlloc, alloc.BlockSize(h))

	h = alloc.Allocate(hashalloc.MaxAlloc-1, true)
	require.Equal(t, hashalloc.MaxAlloc-1, alloc.BlockSize(h))

	h = alloc.Allocate(hashalloc.MaxAlloc, true)
	require.Equal(t, hashalloc.MaxAlloc, alloc.BlockSize(h))
	require.Zero(t, alloc.SizeFromPool())

	runs := len(pool.Runs())
	h = alloc.Allocate(hashalloc.MaxAlloc+1, true)
	require.Equal(t, hashalloc.MaxAlloc+1, alloc.BlockSize(h))
	require.Len(t, pool.Runs(), runs+1)
	require.NotZero(t, alloc.SizeFromPool())
	require.NoError(t, alloc.CheckConsistency())

	alloc.Free(h)
	require.Len(t, pool.Runs(), runs)
	require.Zero(t, alloc.SizeFromPool())
	require.NoError(t, alloc.CheckConsistency())
}

func TestAllocateNonExactReturnsWholeBlock(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	fragment(t, alloc, 100, 1)

	h := alloc.Allocate(16, false)
	require.Equal(t, 100, alloc.BlockSize(h))
	require.NoError(t, alloc.CheckConsistency())
}

func TestStandaloneOversized(t *testing.T) {
	alloc, pool := newTestAllocator(t)

	runsBefore := len(pool.Runs())
	h := alloc.Allocate(1<<17, true)
	require.Equal(t, 1<<17, alloc.BlockSize(h))
	require.Len(t, pool.Runs(), runsBefore+1)
	require.NoError(t, alloc.CheckConsistency())

	alloc.Free(h)
	require.Len(t, pool.Runs(), runsBefore)
	require.NoError(t, alloc.CheckConsistency())
}

func TestCoalesceNeighbors(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	// Create the slab and record its fully-free baseline.
	h := alloc.Allocate(32, true)
	alloc.Free(h)
	require.Equal(t, int64(1), alloc.NumFree())
	baseline := alloc.FreeBytes()

	a := alloc.Allocate(100, true)
	b := alloc.Allocate(100, true)
	c := alloc.Allocate(100, true)

	alloc.Free(a)
	require.NoError(t, alloc.CheckConsistency())
	alloc.Free(c)
	require.NoError(t, alloc.CheckConsistency())
	alloc.Free(b)
	require.NoError(t, alloc.CheckConsistency())

	// The last free merges a, b, c and the slab remainder back into a
	// single block.
	require.Equal(t, int64(1), alloc.NumFree())
	require.Equal(t, baseline, alloc.FreeBytes())
}

func TestFreeSingleAndChained(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	h := alloc.Allocate(64, true)
	alloc.Free(h)
	require.Equal(t, int64(1), alloc.NumFree())
	baseline := alloc.FreeBytes()

	fragment(t, alloc, 100, 2)
	stream := bytestream.New()
	start := alloc.NewWrite(stream, 16)
	require.NoError(t, stream.Append(fillPattern(1000)))
	alloc.FinishWrite(stream, 0)
	require.True(t, alloc.IsContinued(start.Header))

	// One free call drains the whole chain.
	alloc.Free(start.Header)
	require.NoError(t, alloc.CheckConsistency())

	// The separators left behind by fragment are still live, so the slab
	// is not yet fully free.
	require.Less(t, alloc.FreeBytes(), baseline)
}

func TestDoubleFreePanics(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	h := alloc.Allocate(100, true)
	alloc.Free(h)
	require.Panics(t, func() { alloc.Free(h) })
}

func TestSlabFallbackForSmallPool(t *testing.T) {
	pool := pagepool.NewSimplePool(4096, 8192)
	alloc := hashalloc.New(pool, nil)

	h := alloc.Allocate(100, true)
	require.Equal(t, 100, alloc.BlockSize(h))
	require.NoError(t, alloc.CheckConsistency())
}

func TestCloseReturnsStandaloneBlocks(t *testing.T) {
	alloc, pool := newTestAllocator(t)

	alloc.Allocate(100, true)
	alloc.Allocate(1<<17, true)
	alloc.Allocate(1<<18, true)
	require.Len(t, pool.Runs(), 3)

	require.NoError(t, alloc.Close())
	require.Len(t, pool.Runs(), 1)
	require.Zero(t, alloc.SizeFromPool())
	require.NoError(t, alloc.CheckConsistency())
}

func TestConsistencyAfterMixedOperations(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	var live []hashalloc.Header
	for _, size := range []int{30, 200, 1500, 64, 800, 2500, 90} {
		live = append(live, alloc.Allocate(size, true))
		require.NoError(t, alloc.CheckConsistency())
	}
	for _, i := range []int{1, 3, 5} {
		alloc.Free(live[i])
		require.NoError(t, alloc.CheckConsistency())
	}

	stream := bytestream.New()
	start := alloc.NewWrite(stream, 50)
	require.NoError(t, stream.Append(fillPattern(3000)))
	alloc.FinishWrite(stream, 0)
	require.NoError(t, alloc.CheckConsistency())

	alloc.Free(start.Header)
	require.NoError(t, alloc.CheckConsistency())
	for _, i := range []int{0, 2, 4, 6} {
		alloc.Free(live[i])
		require.NoError(t, alloc.CheckConsistency())
	}
	require.Equal(t, int64(1), alloc.NumFree())
}

func TestDumpJSON(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	alloc.Allocate(100, true)
	alloc.Allocate(1<<17, true)

	out, err := alloc.DumpJSON()
	require.NoError(t, err)
	require.Contains(t, string(out), "FreeBlocks")
	require.Contains(t, string(out), "Standalone")
}
