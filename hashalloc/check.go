package hashalloc

import (
	"github.com/cockroachdb/errors"

	"github.com/singcha/velox/internal/blockheader"
	"github.com/singcha/velox/internal/freelist"
)

// CheckConsistency sweeps every slab and free list, verifying the full
// invariant set: block bounds, boundary-tag agreement between neighbors,
// free-block trailers, continuation targets, and the free counters and
// non-empty bitmap against what the sweep actually finds. It returns the
// first violation; under the debug_hashalloc build tag it runs after
// every Free and FinishWrite and a violation aborts the process.
func (a *Allocator) CheckConsistency() error {
	var numFree, freeBytes int64
	live := 0
	for i, mem := range a.slabs {
		if mem == nil {
			continue
		}
		live++
		slab := int32(i)
		if total, ok := a.fromPool.Get(slab); ok {
			hdr := blockheader.At(mem, 0)
			if hdr.Size()+headerSize != total {
				return errors.Errorf("standalone block in slab %d has size %d but %d bytes were obtained from the pool",
					i, hdr.Size(), total)
			}
			if hdr.IsFree() {
				return errors.Errorf("standalone block in slab %d is marked free", i)
			}
			continue
		}
		end := len(mem) - headerSize
		if !blockheader.At(mem, end).IsArenaEnd() {
			return errors.Errorf("slab %d is missing its arena-end sentinel", i)
		}
		previousFree := false
		off := 0
		for off < end {
			hdr := blockheader.At(mem, off)
			if hdr.End() > end {
				return errors.Errorf("block at %d:%d overruns its slab", i, off)
			}
			if hdr.IsPreviousFree() != previousFree {
				return errors.Errorf("block at %d:%d has previousFree=%v but its left neighbor free=%v",
					i, off, hdr.IsPreviousFree(), previousFree)
			}
			if hdr.IsFree() {
				if previousFree {
					return errors.Errorf("adjacent free blocks at %d:%d", i, off)
				}
				if hdr.IsContinued() {
					return errors.Errorf("free block at %d:%d is marked continued", i, off)
				}
				if _, ok := hdr.Next(); ok {
					if int(hdr.SizeTrailer()) != hdr.Size() {
						return errors.Errorf("free block at %d:%d has size %d but trailer %d",
							i, off, hdr.Size(), hdr.SizeTrailer())
					}
				}
				numFree++
				freeBytes += int64(headerSize + hdr.Size())
			} else if hdr.IsContinued() {
				next, err := a.continuedRef(Header{slab: slab, off: int32(off)})
				if err != nil {
					return err
				}
				if a.hdr(next).IsFree() {
					return errors.Errorf("block at %d:%d continues into a free block", i, off)
				}
			}
			previousFree = hdr.IsFree()
			off = hdr.End()
		}
		if off != end {
			return errors.Errorf("block walk of slab %d ended at %d, past the arena end %d", i, off, end)
		}
	}
	if runs := len(a.pool.Runs()); runs != live {
		return errors.Errorf("pool reports %d live runs but the allocator tracks %d", runs, live)
	}
	if numFree != a.numFree {
		return errors.Errorf("swept %d free blocks but the allocator counts %d", numFree, a.numFree)
	}
	if freeBytes != a.freeBytes {
		return errors.Errorf("swept %d free bytes but the allocator counts %d", freeBytes, a.freeBytes)
	}

	var numInLists, bytesInLists int64
	for class := 0; class < freelist.NumClasses; class++ {
		hasBit := a.lists.NonEmptyMask()&(1<<uint(class)) != 0
		if hasBit == a.lists.IsEmpty(class) {
			return errors.Errorf("free-list class %d empty=%v disagrees with the non-empty bitmap",
				class, a.lists.IsEmpty(class))
		}
		for ref := a.lists.Head(class); ref != freelist.NoRef; {
			h := headerOfRef(ref)
			hdr := a.hdr(h)
			if !hdr.IsFree() {
				return errors.Errorf("block %d:%d is on free list %d but not marked free", h.slab, h.off, class)
			}
			size := int64(hdr.Size())
			if class > 0 && size < freelist.ClassBound(class-1) {
				return errors.Errorf("block %d:%d of size %d is too small for class %d", h.slab, h.off, size, class)
			}
			if size >= freelist.ClassBound(class) {
				return errors.Errorf("block %d:%d of size %d is too large for class %d", h.slab, h.off, size, class)
			}
			numInLists++
			bytesInLists += size + headerSize
			_, next := a.store.ReadLink(ref)
			ref = next
		}
	}
	if numInLists != a.numFree {
		return errors.Errorf("free lists hold %d blocks but the allocator counts %d", numInLists, a.numFree)
	}
	if bytesInLists != a.freeBytes {
		return errors.Errorf("free lists hold %d bytes but the allocator counts %d", bytesInLists, a.freeBytes)
	}
	return nil
}
