package pagepool

import (
	"unsafe"

	"github.com/dolthub/swiss"
)

// defaultPageSize matches the common virtual memory page size used across
// the retrieved corpus's own defaults; a real upstream pool would report
// its actual value through PageSize instead.
const defaultPageSize = 4096

// defaultLargestSizeClass bounds how large a single NewRun request may be
// before SimplePool refuses it outright. Production pools size this from
// the actual arena geometry; SimplePool picks a generous fixed ceiling
// since it exists only to make hashalloc runnable and testable standalone.
const defaultLargestSizeClass = 64 << 20

// SimplePool is a Pool backed by ordinary heap-allocated byte slices. It
// stands in for the real upstream pool, which is out of scope for this
// module: see DESIGN.md.
type SimplePool struct {
	pageSize     int
	largestClass int

	runs      [][]byte
	sizeByPtr *swiss.Map[uintptr, int]
}

// NewSimplePool returns a Pool with the given page size and largest size
// class. A zero pageSize or largestClass selects the package defaults.
func NewSimplePool(pageSize, largestClass int) *SimplePool {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if largestClass <= 0 {
		largestClass = defaultLargestSizeClass
	}
	return &SimplePool{
		pageSize:     pageSize,
		largestClass: largestClass,
		sizeByPtr:    swiss.NewMap[uintptr, int](16),
	}
}

func (p *SimplePool) PageSize() int { return p.pageSize }

func (p *SimplePool) LargestSizeClass() int { return p.largestClass }

func (p *SimplePool) NewRun(bytes int) ([]byte, error) {
	pages := (bytes + p.pageSize - 1) / p.pageSize
	if pages < 1 {
		pages = 1
	}
	runBytes := pages * p.pageSize
	if runBytes > p.largestClass {
		return nil, ErrRunTooLarge
	}
	buf := make([]byte, runBytes)
	p.track(buf)
	p.runs = append(p.runs, buf)
	return buf, nil
}

func (p *SimplePool) AllocateFixed(bytes int) ([]byte, error) {
	buf := make([]byte, bytes)
	p.track(buf)
	p.runs = append(p.runs, buf)
	return buf, nil
}

func (p *SimplePool) Free(buf []byte) error {
	key := ptrKey(buf)
	if _, ok := p.sizeByPtr.Get(key); !ok {
		return ErrNotOwned
	}
	p.sizeByPtr.Delete(key)
	for i, run := range p.runs {
		if ptrKey(run) == key {
			p.runs = append(p.runs[:i], p.runs[i+1:]...)
			break
		}
	}
	return nil
}

func (p *SimplePool) Runs() [][]byte {
	out := make([][]byte, len(p.runs))
	copy(out, p.runs)
	return out
}

func (p *SimplePool) track(buf []byte) {
	p.sizeByPtr.Put(ptrKey(buf), len(buf))
}

// ptrKey derives the pointer-to-size mapping key described for oversized
// blocks: the address of a buffer's first byte, stable for the buffer's
// lifetime since Go never moves a live heap-escaped slice's backing array.
func ptrKey(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
