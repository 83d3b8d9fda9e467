package hashalloc

import "github.com/singcha/velox/bytestream"

// PrepareRead resets stream to read the logical byte sequence beginning
// at the block identified by begin. Continued blocks contribute their
// payload minus the trailing link word.
func (a *Allocator) PrepareRead(begin Header, stream *bytestream.Stream) {
	var ranges [][]byte
	h := begin
	for {
		hdr := a.hdr(h)
		payload := a.slabs[h.slab][hdr.Begin():hdr.End()]
		if !hdr.IsContinued() {
			ranges = append(ranges, payload)
			break
		}
		ranges = append(ranges, payload[:len(payload)-linkSize])
		h = a.nextContinued(h)
	}
	stream.ResetInput(ranges)
}

// Offset returns the logical byte offset of pos within the chain that
// begins at header, or -1 if pos is not reachable from header.
func (a *Allocator) Offset(header Header, pos Position) int64 {
	h := header
	var size int64
	for {
		hdr := a.hdr(h)
		continued := hdr.IsContinued()
		length := hdr.Size()
		if continued {
			length -= linkSize
		}
		begin := int32(hdr.Begin())
		if pos.Header.slab == h.slab && pos.Offset >= begin && pos.Offset <= begin+int32(length) {
			return size + int64(pos.Offset-begin)
		}
		if !continued {
			return -1
		}
		size += int64(length)
		h = a.nextContinued(h)
	}
}

// Seek returns the position that lies offset logical bytes into the
// chain beginning at header, or NilPosition if the chain is shorter.
func (a *Allocator) Seek(header Header, offset int64) Position {
	h := header
	var size int64
	for {
		hdr := a.hdr(h)
		continued := hdr.IsContinued()
		length := int64(hdr.Size())
		if continued {
			length -= linkSize
		}
		if offset <= size+length {
			return Position{Header: h, Offset: int32(hdr.Begin()) + int32(offset-size)}
		}
		if !continued {
			return NilPosition
		}
		size += length
		h = a.nextContinued(h)
	}
}

// Available returns the number of logical bytes remaining in the chain
// from pos onward.
func (a *Allocator) Available(pos Position) int64 {
	h := pos.Header
	hdr := a.hdr(h)
	size := -int64(pos.Offset - int32(hdr.Begin()))
	for {
		continued := hdr.IsContinued()
		length := int64(hdr.Size())
		if continued {
			length -= linkSize
		}
		size += length
		if !continued {
			return size
		}
		h = a.nextContinued(h)
		hdr = a.hdr(h)
	}
}

// EnsureAvailable grows the chain so that at least bytes bytes are
// addressable from pos onward. Bytes before pos are left untouched;
// bytes at and after pos are overwritten with filler. pos is re-resolved
// to the same logical offset afterwards, since growth may relocate it
// relative to the chain's link words.
func (a *Allocator) EnsureAvailable(bytes int, pos *Position) {
	if a.Available(*pos) >= int64(bytes) {
		return
	}
	stream := bytestream.New()
	fromHeader := a.Offset(pos.Header, *pos)
	a.ExtendWrite(*pos, stream)
	var filler [128]byte
	for bytes > 0 {
		n := bytes
		if n > len(filler) {
			n = len(filler)
		}
		if err := stream.Append(filler[:n]); err != nil {
			fatalf(err, "appending filler")
		}
		bytes -= n
	}
	a.FinishWrite(stream, 0)
	*pos = a.Seek(pos.Header, fromHeader)
}

// ContiguousString returns size bytes starting at pos as one contiguous
// slice. When the bytes already sit in a single block the returned slice
// aliases the block's payload; otherwise they are materialized into
// *scratch, which is grown as needed.
func (a *Allocator) ContiguousString(pos Position, size int, scratch *[]byte) []byte {
	hdr := a.hdr(pos.Header)
	length := hdr.Size()
	if hdr.IsContinued() {
		length -= linkSize
	}
	begin := int32(hdr.Begin())
	if int(pos.Offset-begin)+size <= length {
		start := int(pos.Offset)
		return a.slabs[pos.Header.slab][start : start+size]
	}

	stream := bytestream.New()
	a.PrepareRead(pos.Header, stream)
	if err := stream.Skip(int(pos.Offset - begin)); err != nil {
		fatalf(err, "seeking to string start")
	}
	if cap(*scratch) < size {
		*scratch = make([]byte, size)
	}
	*scratch = (*scratch)[:size]
	if err := stream.ReadBytes(*scratch); err != nil {
		fatalf(err, "materializing string")
	}
	return *scratch
}
