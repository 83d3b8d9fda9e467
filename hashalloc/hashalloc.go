// Package hashalloc implements an arena allocator for short, append-only
// byte sequences such as hash-table payloads and aggregation state. It
// carves variable-size blocks out of page-aligned slabs obtained from an
// upstream pagepool.Pool, and it can thread a single logical write
// across a chain of non-contiguous blocks, so a growing write never
// copies what it has already written.
//
// The allocator is single-owner: no operation may be called concurrently
// with any other on the same instance. Misuse (double free, overlapping
// writes, out-of-range positions) is treated as a correctness bug and
// aborts via panic.
package hashalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/singcha/velox/internal/blockheader"
	"github.com/singcha/velox/internal/freelist"
	"github.com/singcha/velox/pagepool"
)

const (
	headerSize = blockheader.Size
	linkSize   = 8

	// MinAlloc is the smallest payload a block can carry: two link words
	// for the free-list linkage plus the size trailer of a free block,
	// rounded up to word alignment.
	MinAlloc = 24

	// MaxAlloc is the largest allocation served through the free-list
	// path; exact-size requests above it go straight to the pool as
	// standalone blocks.
	MaxAlloc = 1 << 16
)

// Header identifies a block: the slab it lives in and the byte offset of
// its boundary tag within that slab.
type Header struct {
	slab int32
	off  int32
}

var nilHeader = Header{slab: -1, off: -1}

// IsNil reports whether h identifies no block.
func (h Header) IsNil() bool { return h == nilHeader }

// Position is a cursor into a chain: a block plus a byte offset within
// that block's slab. It does not keep the block alive; freeing the block
// leaves the position dangling.
type Position struct {
	Header Header
	Offset int32
}

// NilPosition is returned by Seek for offsets past the end of a chain.
var NilPosition = Position{Header: nilHeader, Offset: -1}

// IsNil reports whether p identifies no position.
func (p Position) IsNil() bool { return p == NilPosition }

// Allocator allocates blocks out of slabs obtained from an upstream
// pool. Blocks carry their metadata in an in-band boundary tag; free
// blocks additionally embed their free-list linkage in their own
// payload, so the allocator needs no side tables beyond the standalone
// oversized map.
type Allocator struct {
	pool   pagepool.Pool
	logger *slog.Logger

	slabs [][]byte
	// fromPool maps the slab index of a standalone oversized allocation
	// to the total byte count obtained from the pool for it. Entries are
	// removed when the block is returned; the slab slot is tombstoned so
	// other slab indices stay stable.
	fromPool *swiss.Map[int32, int]

	store    *blockStore
	lists    *freelist.Lists
	unitSize int

	numFree         int64
	freeBytes       int64
	cumulativeBytes int64
	sizeFromPool    int64

	currentHeader     Header
	currentRangeStart int32
}

// New returns an Allocator drawing slabs from pool. logger may be nil,
// in which case slog.Default is used; the only log line is a warning for
// unusually large slab requests.
func New(pool pagepool.Pool, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		pool:          pool,
		logger:        logger,
		fromPool:      swiss.NewMap[int32, int](16),
		unitSize:      16 * pool.PageSize(),
		currentHeader: nilHeader,
	}
	a.store = &blockStore{a: a}
	a.lists = freelist.New(a.store)
	return a
}

// Close returns every standalone oversized block to the pool. Slab
// memory is released when the pool's own runs are destroyed.
func (a *Allocator) Close() error {
	var err error
	a.fromPool.Iter(func(slab int32, _ int) bool {
		if ferr := a.pool.Free(a.slabs[slab]); ferr != nil && err == nil {
			err = ferr
		}
		a.slabs[slab] = nil
		return false
	})
	a.fromPool = swiss.NewMap[int32, int](1)
	a.sizeFromPool = 0
	return err
}

// BlockSize returns the payload byte count of the block at h.
func (a *Allocator) BlockSize(h Header) int { return a.hdr(h).Size() }

// IsContinued reports whether the block at h links to a continuation
// block.
func (a *Allocator) IsContinued(h Header) bool { return a.hdr(h).IsContinued() }

// NumFree returns the number of blocks currently on the free lists.
func (a *Allocator) NumFree() int64 { return a.numFree }

// FreeBytes returns the total bytes held on the free lists, headers
// included.
func (a *Allocator) FreeBytes() int64 { return a.freeBytes }

// CumulativeBytes returns the bytes currently handed out to callers.
func (a *Allocator) CumulativeBytes() int64 { return a.cumulativeBytes }

// SizeFromPool returns the bytes held in standalone blocks obtained
// directly from the pool.
func (a *Allocator) SizeFromPool() int64 { return a.sizeFromPool }

// Allocate returns a block of at least size payload bytes. With
// exactSize the block is trimmed to size, raised to MinAlloc if smaller;
// a leftover tail of MinAlloc bytes or less stays attached to the block
// rather than becoming a free block (requests above MaxAlloc bypass the
// slabs entirely and are exactly size); without it the allocator
// returns whatever block the free lists yield, which may be larger or,
// if memory is fragmented, somewhat smaller than requested.
func (a *Allocator) Allocate(size int, exactSize bool) Header {
	if size > MaxAlloc && exactSize {
		if uint64(size) > blockheader.SizeMask {
			fatalf(ErrAllocationFailed, "request of %d bytes exceeds the largest encodable block", size)
		}
		return a.allocateFromPool(size)
	}
	h, ok := a.allocateFromFreeLists(size, exactSize, exactSize)
	if !ok {
		a.newSlab(size)
		h, ok = a.allocateFromFreeLists(size, exactSize, exactSize)
		if !ok {
			fatalf(ErrAllocationFailed, "no block of %d bytes after growing a new slab", size)
		}
	}
	return h
}

// Free returns the block at h, and every continuation block linked from
// it, to the allocator. Neighboring free blocks are coalesced eagerly;
// standalone oversized blocks go back to the pool whole.
func (a *Allocator) Free(h Header) {
	for !h.IsNil() {
		if h.slab < 0 || int(h.slab) >= len(a.slabs) || a.slabs[h.slab] == nil {
			fatalf(ErrCorruptBlock, "free of block in dead slab %d", h.slab)
		}
		hdr := a.hdr(h)
		continued := nilHeader
		if hdr.IsContinued() {
			continued = a.nextContinued(h)
			hdr.ClearContinued()
		}
		if _, ok := a.fromPool.Get(h.slab); ok && h.off == 0 {
			a.freeToPool(h)
			h = continued
			continue
		}
		if hdr.IsFree() {
			fatalf(ErrDoubleFree, "block %d:%d", h.slab, h.off)
		}
		size := hdr.Size()
		a.freeBytes += int64(size + headerSize)
		a.cumulativeBytes -= int64(size)
		if next, ok := hdr.Next(); ok {
			if next.IsPreviousFree() {
				fatalf(ErrCorruptBlock, "stale previousFree flag to the right of block %d:%d", h.slab, h.off)
			}
			if next.IsFree() {
				a.numFree--
				a.removeFromFreeList(Header{slab: h.slab, off: int32(next.Offset)})
				hdr.SetSize(size + next.Size() + headerSize)
				if merged, ok := hdr.Next(); ok && merged.IsFree() {
					fatalf(ErrCorruptBlock, "adjacent free blocks after forward coalesce at %d:%d", h.slab, h.off)
				}
			}
		}
		if hdr.IsPreviousFree() {
			prev := a.previousFreeBlock(h)
			a.removeFromFreeList(prev)
			p := a.hdr(prev)
			p.SetSize(p.Size() + hdr.Size() + headerSize)
			h = prev
			hdr = p
		} else {
			a.numFree++
		}
		a.lists.Insert(refOf(h), hdr.Size())
		a.markAsFree(h)
		h = continued
	}
	a.debugCheck()
}

// allocateFromFreeLists walks the size classes for a fitting free block.
// With mustHaveSize the result is guaranteed to hold preferredSize
// bytes; otherwise the largest of a bounded prefix of candidates is
// acceptable, down to classes smaller than the request.
func (a *Allocator) allocateFromFreeLists(preferredSize int, mustHaveSize, isFinalSize bool) (Header, bool) {
	if preferredSize < MinAlloc {
		preferredSize = MinAlloc
	}
	if a.numFree == 0 {
		return nilHeader, false
	}
	index := freelist.ClassIndexFromMask(preferredSize, a.lists.NonEmptyMask())
	for index < freelist.NumClasses {
		if h, ok := a.allocateFromFreeList(preferredSize, mustHaveSize, isFinalSize, index); ok {
			return h, true
		}
		index = a.lists.NextNonEmpty(index + 1)
	}
	if mustHaveSize {
		return nilHeader, false
	}
	for index = freelist.ClassIndex(preferredSize) - 1; index >= 0; index-- {
		if h, ok := a.allocateFromFreeList(preferredSize, false, isFinalSize, index); ok {
			return h, true
		}
	}
	return nilHeader, false
}

func (a *Allocator) allocateFromFreeList(preferredSize int, mustHaveSize, isFinalSize bool, index int) (Header, bool) {
	ref := a.lists.FindFit(index, preferredSize, mustHaveSize)
	if ref == freelist.NoRef {
		return nilHeader, false
	}
	h := headerOfRef(ref)
	hdr := a.hdr(h)
	a.numFree--
	a.freeBytes -= int64(hdr.Size() + headerSize)
	a.removeFromFreeList(h)
	if next, ok := hdr.Next(); ok {
		next.ClearPreviousFree()
	}
	a.cumulativeBytes += int64(hdr.Size())
	if isFinalSize {
		a.freeRestOfBlock(h, preferredSize)
	}
	return h, true
}

// freeRestOfBlock shrinks the block at h to keepBytes and frees the
// remainder, provided the slack is worth a block of its own. Standalone
// pool blocks are never split; they must go back to the pool whole.
func (a *Allocator) freeRestOfBlock(h Header, keepBytes int) {
	if keepBytes < MinAlloc {
		keepBytes = MinAlloc
	}
	hdr := a.hdr(h)
	freeSize := hdr.Size() - keepBytes - headerSize
	if freeSize <= MinAlloc {
		return
	}
	if _, ok := a.fromPool.Get(h.slab); ok {
		return
	}

	hdr.SetSize(keepBytes)
	tail := hdr.End()
	blockheader.New(a.slabs[h.slab], tail, freeSize)
	a.Free(Header{slab: h.slab, off: int32(tail)})
}

// newSlab obtains a fresh page-aligned run from the pool, writes the
// arena-end sentinel, and frees the run's single covering block into the
// lists. Requests too large for the pool's run path fall back to a fixed
// allocation, which indicates a performance problem worth logging.
func (a *Allocator) newSlab(size int) {
	needed := roundUp(size+2*headerSize, a.pool.PageSize())
	if needed < a.unitSize {
		needed = a.unitSize
	}
	var buf []byte
	if needed > a.pool.LargestSizeClass() {
		a.logger.Warn("unusually large allocation request", "bytes", size)
		b, err := a.pool.AllocateFixed(needed)
		if err != nil {
			fatalf(err, "growing slab by %d bytes", needed)
		}
		buf = b
	} else {
		b, err := a.pool.NewRun(needed)
		if err != nil {
			fatalf(err, "growing slab by %d bytes", needed)
		}
		buf = b
	}
	available := len(buf) - headerSize
	blockheader.WriteArenaEnd(buf, available)
	a.cumulativeBytes += int64(available)

	idx := int32(len(a.slabs))
	a.slabs = append(a.slabs, buf)
	blockheader.New(buf, 0, available-headerSize)
	a.Free(Header{slab: idx, off: 0})
}

// allocateFromPool obtains a standalone block of exactly size payload
// bytes directly from the pool, bookkept in the oversized map.
func (a *Allocator) allocateFromPool(size int) Header {
	buf, err := a.pool.AllocateFixed(size + headerSize)
	if err != nil {
		fatalf(err, "allocating standalone block of %d bytes", size)
	}
	idx := int32(len(a.slabs))
	a.slabs = append(a.slabs, buf)
	a.fromPool.Put(idx, len(buf))
	a.sizeFromPool += int64(len(buf))
	a.cumulativeBytes += int64(len(buf))
	blockheader.New(buf, 0, size)
	return Header{slab: idx, off: 0}
}

func (a *Allocator) freeToPool(h Header) {
	total, ok := a.fromPool.Get(h.slab)
	if !ok {
		fatalf(ErrCorruptBlock, "block %d:%d is not a standalone pool allocation", h.slab, h.off)
	}
	buf := a.slabs[h.slab]
	if len(buf) != total {
		fatalf(ErrCorruptBlock, "standalone block in slab %d has %d bytes but %d were recorded", h.slab, len(buf), total)
	}
	a.fromPool.Delete(h.slab)
	a.sizeFromPool -= int64(total)
	a.cumulativeBytes -= int64(total)
	a.slabs[h.slab] = nil
	if err := a.pool.Free(buf); err != nil {
		fatalf(err, "returning standalone block to the pool")
	}
}

// removeFromFreeList unlinks the block at h and clears its free flag.
// The caller adjusts numFree and freeBytes; coalescing and allocation
// account for them differently.
func (a *Allocator) removeFromFreeList(h Header) {
	hdr := a.hdr(h)
	if !hdr.IsFree() {
		fatalf(ErrCorruptBlock, "block %d:%d is on a free list but not marked free", h.slab, h.off)
	}
	hdr.ClearFree()
	a.lists.Remove(refOf(h), hdr.Size())
}

// markAsFree sets the free flag and, when a right neighbor exists,
// publishes the size trailer it needs for backward coalescing.
func (a *Allocator) markAsFree(h Header) {
	hdr := a.hdr(h)
	hdr.SetFree()
	if next, ok := hdr.Next(); ok {
		next.SetPreviousFree()
		hdr.SetSizeTrailer()
	}
}

// previousFreeBlock locates the free left neighbor of h via the size
// trailer stored just above h's boundary tag.
func (a *Allocator) previousFreeBlock(h Header) Header {
	hdr := a.hdr(h)
	numBytes := int32(hdr.PreviousFreeSize())
	prev := Header{slab: h.slab, off: h.off - numBytes - headerSize}
	p := a.hdr(prev)
	if p.Size() != int(numBytes) || !p.IsFree() || p.IsPreviousFree() {
		fatalf(ErrCorruptBlock, "previous-free trailer does not match the block at %d:%d", prev.slab, prev.off)
	}
	return prev
}

// nextContinued follows the forward link embedded in the last word of a
// continued block's payload.
func (a *Allocator) nextContinued(h Header) Header {
	next, err := a.continuedRef(h)
	if err != nil {
		panic(err)
	}
	return next
}

func (a *Allocator) continuedRef(h Header) (Header, error) {
	hdr := a.hdr(h)
	if !hdr.IsContinued() {
		return nilHeader, errors.Wrapf(ErrCorruptBlock, "block %d:%d is not continued", h.slab, h.off)
	}
	ref := decodeRef(blockheader.GetLink(a.slabs[h.slab], hdr.End()-linkSize))
	next := headerOfRef(ref)
	if next.slab < 0 || int(next.slab) >= len(a.slabs) || a.slabs[next.slab] == nil {
		return nilHeader, errors.Wrapf(ErrCorruptBlock, "continuation link %d:%d does not reference a live slab", ref.A, ref.B)
	}
	if next.off < 0 || int(next.off)+headerSize > len(a.slabs[next.slab]) {
		return nilHeader, errors.Wrapf(ErrCorruptBlock, "continuation link %d:%d is out of slab bounds", ref.A, ref.B)
	}
	return next, nil
}

func (a *Allocator) hdr(h Header) blockheader.Header {
	return blockheader.At(a.slabs[h.slab], int(h.off))
}

// blockStore adapts the allocator's slab memory to freelist.Store: the
// link words live in the first 16 bytes of a free block's payload.
type blockStore struct{ a *Allocator }

func (s *blockStore) Size(ref freelist.Ref) int {
	return blockheader.At(s.a.slabs[ref.A], int(ref.B)).Size()
}

func (s *blockStore) ReadLink(ref freelist.Ref) (prev, next freelist.Ref) {
	mem := s.a.slabs[ref.A]
	begin := int(ref.B) + headerSize
	return decodeRef(blockheader.GetLink(mem, begin)), decodeRef(blockheader.GetLink(mem, begin+linkSize))
}

func (s *blockStore) WriteLink(ref freelist.Ref, prev, next freelist.Ref) {
	mem := s.a.slabs[ref.A]
	begin := int(ref.B) + headerSize
	blockheader.PutLink(mem, begin, encodeRef(prev))
	blockheader.PutLink(mem, begin+linkSize, encodeRef(next))
}

func refOf(h Header) freelist.Ref { return freelist.Ref{A: h.slab, B: h.off} }

func headerOfRef(r freelist.Ref) Header { return Header{slab: r.A, off: r.B} }

func encodeRef(r freelist.Ref) uint64 {
	return uint64(uint32(r.A))<<32 | uint64(uint32(r.B))
}

func decodeRef(w uint64) freelist.Ref {
	return freelist.Ref{A: int32(w >> 32), B: int32(uint32(w))}
}

func roundUp(value, unit int) int {
	return (value + unit - 1) / unit * unit
}
