package hashalloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/singcha/velox/internal/blockheader"
)

// PrintDetailedMap writes a debug description of every slab and block to
// writer.
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("FreeBlocks").Int(int(a.numFree))
	obj.Name("FreeBytes").Int(int(a.freeBytes))
	obj.Name("CumulativeBytes").Int(int(a.cumulativeBytes))
	obj.Name("SizeFromPool").Int(int(a.sizeFromPool))

	slabArr := obj.Name("Slabs").Array()
	defer slabArr.End()
	for i, mem := range a.slabs {
		if mem == nil {
			continue
		}
		slabObj := slabArr.Object()
		slabObj.Name("Index").Int(i)
		slabObj.Name("Bytes").Int(len(mem))
		if _, ok := a.fromPool.Get(int32(i)); ok {
			slabObj.Name("Standalone").Bool(true)
			slabObj.Name("Size").Int(blockheader.At(mem, 0).Size())
			slabObj.End()
			continue
		}
		blocks := slabObj.Name("Blocks").Array()
		end := len(mem) - headerSize
		for off := 0; off < end; {
			hdr := blockheader.At(mem, off)
			b := blocks.Object()
			b.Name("Offset").Int(off)
			b.Name("Size").Int(hdr.Size())
			b.Name("Free").Bool(hdr.IsFree())
			b.Name("Continued").Bool(hdr.IsContinued())
			b.End()
			off = hdr.End()
		}
		blocks.End()
		slabObj.End()
	}
}

// DumpJSON renders PrintDetailedMap to a byte slice.
func (a *Allocator) DumpJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	a.PrintDetailedMap(&w)
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
