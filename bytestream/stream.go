// Package bytestream implements the cursor the allocator reads and
// writes through: a sequence of byte ranges presented as one logical
// stream. A writer fills the current range and, when it runs out, the
// stream asks its NewRangeFunc for the next one. A reader iterates a
// fixed list of ranges installed by ResetInput.
package bytestream

import (
	"io"

	"github.com/cockroachdb/errors"
)

// ErrShortRead is returned when a read or skip runs past the end of the
// input ranges.
var ErrShortRead = errors.New("bytestream: read past the end of the input")

// ErrNoRange is returned when a write fills the current range and no
// NewRangeFunc is installed to supply the next one.
var ErrNoRange = errors.New("bytestream: write range exhausted")

// NewRangeFunc supplies the next writable range for a write that has
// outgrown its current one. bytes is the number of bytes the writer
// still has to place; the returned range may be larger or smaller.
type NewRangeFunc func(bytes int) ([]byte, error)

// Stream is a cursor over a sequence of byte ranges. The read and write
// sides are independent: ResetInput rewinds the read cursor, SetRange
// the write cursor.
type Stream struct {
	input    [][]byte
	inputIdx int
	inputPos int

	out      []byte
	outPos   int
	newRange NewRangeFunc
}

// New returns an empty stream.
func New() *Stream { return &Stream{} }

// SetNewRangeFunc installs the callback invoked when a write fills the
// current range.
func (s *Stream) SetNewRangeFunc(f NewRangeFunc) { s.newRange = f }

// SetRange points the write cursor at the start of buf.
func (s *Stream) SetRange(buf []byte) {
	s.out = buf
	s.outPos = 0
}

// WritePosition returns the write cursor's offset within the current
// range.
func (s *Stream) WritePosition() int { return s.outPos }

// Append writes data, asking the NewRangeFunc for more space whenever
// the current range fills.
func (s *Stream) Append(data []byte) error {
	for len(data) > 0 {
		if s.outPos == len(s.out) {
			if s.newRange == nil {
				return errors.Wrapf(ErrNoRange, "%d bytes left to write", len(data))
			}
			buf, err := s.newRange(len(data))
			if err != nil {
				return err
			}
			s.out = buf
			s.outPos = 0
			continue
		}
		n := copy(s.out[s.outPos:], data)
		s.outPos += n
		data = data[n:]
	}
	return nil
}

// Write implements io.Writer over Append.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ResetInput replaces the read side with ranges and rewinds the read
// cursor.
func (s *Stream) ResetInput(ranges [][]byte) {
	s.input = ranges
	s.inputIdx = 0
	s.inputPos = 0
}

// Available returns the number of unread bytes left on the read side.
func (s *Stream) Available() int {
	if s.inputIdx >= len(s.input) {
		return 0
	}
	total := -s.inputPos
	for i := s.inputIdx; i < len(s.input); i++ {
		total += len(s.input[i])
	}
	return total
}

// ReadBytes fills out from the read cursor, failing with ErrShortRead if
// the input runs out first.
func (s *Stream) ReadBytes(out []byte) error {
	for len(out) > 0 {
		r, ok := s.currentInput()
		if !ok {
			return errors.Wrapf(ErrShortRead, "%d bytes missing", len(out))
		}
		n := copy(out, r)
		s.inputPos += n
		out = out[n:]
	}
	return nil
}

// Skip advances the read cursor n bytes.
func (s *Stream) Skip(n int) error {
	for n > 0 {
		r, ok := s.currentInput()
		if !ok {
			return errors.Wrapf(ErrShortRead, "%d bytes missing", n)
		}
		step := n
		if step > len(r) {
			step = len(r)
		}
		s.inputPos += step
		n -= step
	}
	return nil
}

// Read implements io.Reader; it returns io.EOF once the input ranges are
// exhausted.
func (s *Stream) Read(p []byte) (int, error) {
	r, ok := s.currentInput()
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, r)
	s.inputPos += n
	return n, nil
}

// currentInput returns the unread remainder of the current input range,
// advancing past exhausted ranges.
func (s *Stream) currentInput() ([]byte, bool) {
	for s.inputIdx < len(s.input) {
		r := s.input[s.inputIdx]
		if s.inputPos < len(r) {
			return r[s.inputPos:], true
		}
		s.inputIdx++
		s.inputPos = 0
	}
	return nil, false
}
