// Package blockheader implements the boundary-tag header that precedes
// every block managed by hashalloc: a single in-band word carrying the
// block's payload size and its free/previousFree/continued/arenaEnd flags.
package blockheader

import "encoding/binary"

// Size is the number of bytes the header occupies ahead of a block's
// payload.
const Size = 8

const (
	sizeMask         = uint64(1)<<60 - 1
	freeFlag         = uint64(1) << 60
	previousFreeFlag = uint64(1) << 61
	continuedFlag    = uint64(1) << 62
	arenaEndFlag     = uint64(1) << 63

	flagMask = freeFlag | previousFreeFlag | continuedFlag | arenaEndFlag
)

// SizeMask is the largest payload size a header can encode. It is large
// enough for any single-slab allocation.
const SizeMask = sizeMask

// Header is a view over a boundary-tag header living at Offset within mem.
// It carries no allocator state of its own; every method reads or writes
// through the shared backing array.
type Header struct {
	mem    []byte
	Offset int
}

// At returns a Header view of the boundary tag at offset within mem.
func At(mem []byte, offset int) Header {
	return Header{mem: mem, Offset: offset}
}

// New writes a fresh, non-free header of the given payload size at offset
// and returns a view of it.
func New(mem []byte, offset, size int) Header {
	h := Header{mem: mem, Offset: offset}
	h.setWord(uint64(size) & sizeMask)
	return h
}

// WriteArenaEnd writes the sentinel word that terminates a slab's linear
// block scan at offset.
func WriteArenaEnd(mem []byte, offset int) {
	binary.LittleEndian.PutUint64(mem[offset:offset+8], arenaEndFlag)
}

func (h Header) word() uint64 {
	return binary.LittleEndian.Uint64(h.mem[h.Offset : h.Offset+8])
}

func (h Header) setWord(w uint64) {
	binary.LittleEndian.PutUint64(h.mem[h.Offset:h.Offset+8], w)
}

// Size returns the payload byte count, excluding this header.
func (h Header) Size() int { return int(h.word() & sizeMask) }

// SetSize changes the payload byte count without disturbing flags.
func (h Header) SetSize(size int) {
	h.setWord((h.word() &^ sizeMask) | (uint64(size) & sizeMask))
}

// IsFree reports whether the block is on a free list.
func (h Header) IsFree() bool { return h.word()&freeFlag != 0 }

// SetFree marks the block as free.
func (h Header) SetFree() { h.setWord(h.word() | freeFlag) }

// ClearFree marks the block as taken.
func (h Header) ClearFree() { h.setWord(h.word() &^ freeFlag) }

// IsPreviousFree reports whether the immediately preceding block in the
// slab is free.
func (h Header) IsPreviousFree() bool { return h.word()&previousFreeFlag != 0 }

// SetPreviousFree marks the left neighbor as free.
func (h Header) SetPreviousFree() { h.setWord(h.word() | previousFreeFlag) }

// ClearPreviousFree marks the left neighbor as taken.
func (h Header) ClearPreviousFree() { h.setWord(h.word() &^ previousFreeFlag) }

// IsContinued reports whether the last word of this block's payload is a
// forward link to a continuation block rather than data.
func (h Header) IsContinued() bool { return h.word()&continuedFlag != 0 }

// SetContinued marks the block as continued.
func (h Header) SetContinued() { h.setWord(h.word() | continuedFlag) }

// ClearContinued clears the continuation flag.
func (h Header) ClearContinued() { h.setWord(h.word() &^ continuedFlag) }

// IsArenaEnd reports whether this word is the sentinel terminating a
// slab's block scan rather than a real block header.
func (h Header) IsArenaEnd() bool { return h.word()&arenaEndFlag != 0 }

// Begin returns the byte offset of the payload's first byte.
func (h Header) Begin() int { return h.Offset + Size }

// End returns the byte offset just past the payload's last byte.
func (h Header) End() int { return h.Begin() + h.Size() }

// Next returns the header immediately to the right of h within the same
// backing array, and false if that header is the arena-end sentinel.
func (h Header) Next() (Header, bool) {
	next := At(h.mem, h.End())
	if next.IsArenaEnd() {
		return Header{}, false
	}
	return next, true
}

// SizeTrailer reads the last 4 bytes of a free block's payload, which
// must duplicate Size().
func (h Header) SizeTrailer() uint32 {
	end := h.End()
	return binary.LittleEndian.Uint32(h.mem[end-4 : end])
}

// SetSizeTrailer writes Size() into the last 4 bytes of the payload, as
// required for free blocks.
func (h Header) SetSizeTrailer() {
	end := h.End()
	binary.LittleEndian.PutUint32(h.mem[end-4:end], uint32(h.Size()))
}

// PreviousFreeSize reads the 4 bytes immediately preceding this header,
// valid only when IsPreviousFree() is true.
func (h Header) PreviousFreeSize() uint32 {
	return binary.LittleEndian.Uint32(h.mem[h.Offset-4 : h.Offset])
}

// SetPreviousFreeSize writes the 4 bytes immediately preceding this
// header with the left neighbor's size.
func (h Header) SetPreviousFreeSize(size uint32) {
	binary.LittleEndian.PutUint32(h.mem[h.Offset-4:h.Offset], size)
}

// Payload returns the byte slice backing the block's payload.
func (h Header) Payload() []byte {
	return h.mem[h.Begin():h.End()]
}

// PutLink writes an 8-byte little-endian link value at the given byte
// offset within the backing array (used for free-list prev/next and the
// write cursor's continuation pointer).
func PutLink(mem []byte, offset int, value uint64) {
	binary.LittleEndian.PutUint64(mem[offset:offset+8], value)
}

// GetLink reads an 8-byte little-endian link value at the given byte
// offset within the backing array.
func GetLink(mem []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(mem[offset : offset+8])
}
