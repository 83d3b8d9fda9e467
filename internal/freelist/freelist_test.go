package freelist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singcha/velox/internal/freelist"
)

// fakeStore is a minimal in-memory freelist.Store backed by a map, used
// only to exercise Lists in isolation from any real block layout.
type fakeStore struct {
	size map[freelist.Ref]int
	prev map[freelist.Ref]freelist.Ref
	next map[freelist.Ref]freelist.Ref
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		size: map[freelist.Ref]int{},
		prev: map[freelist.Ref]freelist.Ref{},
		next: map[freelist.Ref]freelist.Ref{},
	}
}

func (s *fakeStore) add(ref freelist.Ref, size int) {
	s.size[ref] = size
}

func (s *fakeStore) Size(ref freelist.Ref) int { return s.size[ref] }

func (s *fakeStore) ReadLink(ref freelist.Ref) (prev, next freelist.Ref) {
	p, ok := s.prev[ref]
	if !ok {
		p = freelist.NoRef
	}
	n, ok := s.next[ref]
	if !ok {
		n = freelist.NoRef
	}
	return p, n
}

func (s *fakeStore) WriteLink(ref freelist.Ref, prev, next freelist.Ref) {
	s.prev[ref] = prev
	s.next[ref] = next
}

func TestClassIndexBoundaries(t *testing.T) {
	require.Equal(t, 0, freelist.ClassIndex(8))
	require.Equal(t, 0, freelist.ClassIndex(71))
	require.Equal(t, 1, freelist.ClassIndex(72))
	require.Equal(t, 1, freelist.ClassIndex(147))
	require.Equal(t, 2, freelist.ClassIndex(148))
	require.Equal(t, 5, freelist.ClassIndex(2067))
	require.Equal(t, 6, freelist.ClassIndex(2068))
	require.Equal(t, 6, freelist.ClassIndex(1<<20))
}

func TestClassIndexFromMask(t *testing.T) {
	// size 8 fits classes 0..6, but mask only allows classes 3..5.
	mask := uint32(0b111000)
	require.Equal(t, 3, freelist.ClassIndexFromMask(8, mask))

	// no bit in the mask overlaps the eligible classes.
	require.Equal(t, freelist.NumClasses, freelist.ClassIndexFromMask(8, 0))
}

func TestInsertAndRemoveSingleEntry(t *testing.T) {
	store := newFakeStore()
	lists := freelist.New(store)
	ref := freelist.Ref{A: 0, B: 8}
	store.add(ref, 40)

	lists.Insert(ref, 40)
	require.False(t, lists.IsEmpty(0))
	require.Equal(t, ref, lists.Head(0))
	require.NotZero(t, lists.NonEmptyMask()&1)

	lists.Remove(ref, 40)
	require.True(t, lists.IsEmpty(0))
	require.Zero(t, lists.NonEmptyMask()&1)
}

func TestInsertMultipleOrdersMostRecentFirst(t *testing.T) {
	store := newFakeStore()
	lists := freelist.New(store)
	a := freelist.Ref{A: 0, B: 8}
	b := freelist.Ref{A: 0, B: 64}
	store.add(a, 40)
	store.add(b, 50)

	lists.Insert(a, 40)
	lists.Insert(b, 50)

	require.Equal(t, b, lists.Head(0))
	_, next := store.ReadLink(b)
	require.Equal(t, a, next)
}

func TestRemoveMiddleOfList(t *testing.T) {
	store := newFakeStore()
	lists := freelist.New(store)
	a := freelist.Ref{A: 0, B: 8}
	b := freelist.Ref{A: 0, B: 64}
	c := freelist.Ref{A: 0, B: 128}
	for _, r := range []freelist.Ref{a, b, c} {
		store.add(r, 40)
	}

	lists.Insert(a, 40)
	lists.Insert(b, 40)
	lists.Insert(c, 40)
	// list is now c -> b -> a

	lists.Remove(b, 40)

	require.Equal(t, c, lists.Head(0))
	_, next := store.ReadLink(c)
	require.Equal(t, a, next)
	prev, _ := store.ReadLink(a)
	require.Equal(t, c, prev)
}

func TestFindFitReturnsFirstFitOrLargest(t *testing.T) {
	store := newFakeStore()
	lists := freelist.New(store)
	small := freelist.Ref{A: 0, B: 8}
	mid := freelist.Ref{A: 0, B: 64}
	big := freelist.Ref{A: 0, B: 128}
	store.add(small, 10)
	store.add(mid, 30)
	store.add(big, 60)

	lists.Insert(small, 10)
	lists.Insert(mid, 30)
	lists.Insert(big, 60)
	// list is now big -> mid -> small; the first block that fits wins.

	found := lists.FindFit(0, 30, true)
	require.Equal(t, big, found)

	require.Equal(t, freelist.NoRef, lists.FindFit(0, 1000, true))

	fallback := lists.FindFit(0, 1000, false)
	require.Equal(t, big, fallback)
}

func TestNextNonEmpty(t *testing.T) {
	store := newFakeStore()
	lists := freelist.New(store)
	ref := freelist.Ref{A: 0, B: 8}
	store.add(ref, 200)
	lists.Insert(ref, 200)

	require.Equal(t, 2, lists.NextNonEmpty(0))
	require.Equal(t, 2, lists.NextNonEmpty(2))
	require.Equal(t, freelist.NumClasses, lists.NextNonEmpty(3))
}
