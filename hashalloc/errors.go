package hashalloc

import "github.com/cockroachdb/errors"

// Misuse of the allocator is a correctness bug in the caller, not a
// recoverable condition: every violation below aborts via panic, with
// one of these sentinels wrapped into the panic value.
var (
	ErrWriteInProgress    = errors.New("hashalloc: a write is already in progress")
	ErrNoWrite            = errors.New("hashalloc: no write in progress")
	ErrDoubleFree         = errors.New("hashalloc: block is already free")
	ErrPositionOutOfRange = errors.New("hashalloc: position outside the current block")
	ErrCorruptBlock       = errors.New("hashalloc: block metadata corrupted")
	ErrAllocationFailed   = errors.New("hashalloc: allocation failed")
)

func fatalf(err error, format string, args ...any) {
	panic(errors.Wrapf(err, format, args...))
}
