package hashalloc

import (
	"github.com/singcha/velox/bytestream"
	"github.com/singcha/velox/internal/blockheader"
)

// NewWrite starts a logical write of at least preferredSize bytes and
// points stream at the new block's payload. At most one write may be in
// progress at a time.
func (a *Allocator) NewWrite(stream *bytestream.Stream, preferredSize int) Position {
	if !a.currentHeader.IsNil() {
		fatalf(ErrWriteInProgress, "newWrite before finishing the previous write")
	}
	a.currentHeader = a.Allocate(preferredSize, false)
	hdr := a.hdr(a.currentHeader)
	a.currentRangeStart = int32(hdr.Begin())
	stream.SetNewRangeFunc(a.streamNewRange)
	stream.SetRange(a.slabs[a.currentHeader.slab][hdr.Begin():hdr.End()])
	return Position{Header: a.currentHeader, Offset: int32(hdr.Begin())}
}

// ExtendWrite resumes writing at pos. Any continuation chain hanging off
// pos's block is freed first; a new one is built if the write outgrows
// the block again.
func (a *Allocator) ExtendWrite(pos Position, stream *bytestream.Stream) {
	hdr := a.hdr(pos.Header)
	if pos.Offset < int32(hdr.Begin()) || pos.Offset > int32(hdr.End()) {
		fatalf(ErrPositionOutOfRange, "extendWrite at %d outside block payload [%d, %d]",
			pos.Offset, hdr.Begin(), hdr.End())
	}
	if hdr.IsContinued() {
		next := a.nextContinued(pos.Header)
		hdr.ClearContinued()
		a.Free(next)
	}
	a.currentHeader = pos.Header
	a.currentRangeStart = pos.Offset
	stream.SetNewRangeFunc(a.streamNewRange)
	stream.SetRange(a.slabs[pos.Header.slab][pos.Offset:hdr.End()])
}

// FinishWrite completes the in-progress write, trims the unused tail of
// the last block (keeping numReserveBytes for later growth), and returns
// the final write position.
func (a *Allocator) FinishWrite(stream *bytestream.Stream, numReserveBytes int) Position {
	if a.currentHeader.IsNil() {
		fatalf(ErrNoWrite, "finishWrite without a preceding newWrite or extendWrite")
	}
	hdr := a.hdr(a.currentHeader)
	writePos := a.currentRangeStart + int32(stream.WritePosition())
	if writePos < int32(hdr.Begin()) || writePos > int32(hdr.End()) {
		fatalf(ErrPositionOutOfRange, "finishWrite at %d outside block payload [%d, %d]",
			writePos, hdr.Begin(), hdr.End())
	}
	pos := Position{Header: a.currentHeader, Offset: writePos}
	if hdr.IsContinued() {
		next := a.nextContinued(a.currentHeader)
		hdr.ClearContinued()
		a.Free(next)
	}
	a.freeRestOfBlock(a.currentHeader, int(writePos)-hdr.Begin()+numReserveBytes)
	a.currentHeader = nilHeader
	a.debugCheck()
	return pos
}

// NewRange links a fresh block onto the in-progress write and returns
// its writable window. The stream calls this through its range callback
// when the current range fills; it is also exported for writers that
// manage their ranges by hand.
func (a *Allocator) NewRange(bytes int) []byte { return a.newRange(bytes, false) }

// NewContiguousRange is NewRange with an exact-size allocation, for
// writers that need the continuation to be a single contiguous block.
func (a *Allocator) NewContiguousRange(bytes int) []byte { return a.newRange(bytes, true) }

// newRange repurposes the last word of the current block as the forward
// link. Whatever that word held is carried into the first word of the
// new block, so payload bytes already written there survive the link
// being embedded.
func (a *Allocator) newRange(bytes int, contiguous bool) []byte {
	if a.currentHeader.IsNil() {
		fatalf(ErrNoWrite, "newRange without a preceding newWrite or extendWrite")
	}
	next := a.Allocate(bytes, contiguous)
	cur := a.hdr(a.currentHeader)
	curMem := a.slabs[a.currentHeader.slab]
	nextHdr := a.hdr(next)
	nextMem := a.slabs[next.slab]

	lastWord := cur.End() - linkSize
	blockheader.PutLink(nextMem, nextHdr.Begin(), blockheader.GetLink(curMem, lastWord))
	blockheader.PutLink(curMem, lastWord, encodeRef(refOf(next)))
	cur.SetContinued()

	a.currentHeader = next
	a.currentRangeStart = int32(nextHdr.Begin() + linkSize)
	return nextMem[nextHdr.Begin()+linkSize : nextHdr.End()]
}

func (a *Allocator) streamNewRange(bytes int) ([]byte, error) {
	return a.newRange(bytes, false), nil
}
