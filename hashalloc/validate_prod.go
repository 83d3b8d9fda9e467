//go:build !debug_hashalloc

package hashalloc

// debugCheck runs the full consistency sweep after every Free and
// FinishWrite. It no-ops unless the debug_hashalloc build tag is present.
func (a *Allocator) debugCheck() {
}
