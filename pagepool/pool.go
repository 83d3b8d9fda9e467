// Package pagepool defines the upstream memory pool collaborator that
// hashalloc builds slabs on top of. The pool hands out page-aligned runs
// for slab growth and standalone fixed-size buffers for oversized
// allocations that bypass the free-list path entirely.
//
// hashalloc never talks to an OS allocator directly; it only ever holds a
// non-owning Pool reference, matching how the upstream pool is described
// as an external collaborator.
package pagepool

import "github.com/cockroachdb/errors"

// ErrRunTooLarge is returned by NewRun when the requested run would not
// fit in the pool's largest size class and the pool has no fallback path
// for it.
var ErrRunTooLarge = errors.New("pagepool: run exceeds largest size class")

// ErrNotOwned is returned by Free when asked to release a buffer the pool
// did not itself hand out.
var ErrNotOwned = errors.New("pagepool: buffer not owned by this pool")

// Pool is the upstream memory pool hashalloc consumes. An implementation
// need not be thread-safe; hashalloc's own concurrency model (single
// owner, single thread) is the only caller.
type Pool interface {
	// PageSize returns the pool's native page size in bytes.
	PageSize() int

	// LargestSizeClass returns the largest single run the pool can hand
	// out through NewRun without falling back to a fixed allocation.
	LargestSizeClass() int

	// NewRun requests a page-aligned buffer of at least bytes length,
	// rounded up to a whole number of pages. It returns ErrRunTooLarge
	// if bytes exceeds LargestSizeClass and the pool cannot fall back.
	NewRun(bytes int) ([]byte, error)

	// AllocateFixed requests a standalone buffer of exactly bytes
	// length, bypassing the page-run path. Used for oversized
	// allocations that exceed the allocator's free-list ceiling.
	AllocateFixed(bytes int) ([]byte, error)

	// Free returns a buffer previously obtained from NewRun or
	// AllocateFixed back to the pool.
	Free(buf []byte) error

	// Runs returns every buffer the pool has currently handed out,
	// oldest first. hashalloc's consistency checker compares its length
	// against the number of live slabs and standalone blocks it tracks.
	Runs() [][]byte
}
