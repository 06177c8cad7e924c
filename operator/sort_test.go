package operator

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byInt(a, b int) int { return a - b }

func TestSort_FirstBatchIsSortedAscending(t *testing.T) {
	src := &fakeSource[string, int]{}
	s := NewSort[string, int](src, byInt, nil)

	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("c", 3),
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
	))
	scs := drainSorted(t, changes)
	assert.Equal(t, changeset.DataChanged, scs.SortReason)
	require.Len(t, scs.Sorted, 3)
	assert.Equal(t, "a", scs.Sorted[0].Key)
	assert.Equal(t, "b", scs.Sorted[1].Key)
	assert.Equal(t, "c", scs.Sorted[2].Key)
}

func TestSort_UpdateChangingPositionEmitsMoved(t *testing.T) {
	src := &fakeSource[string, int]{}
	s := NewSort[string, int](src, byInt, nil)
	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
		changeset.NewAdd[string, int]("c", 3),
	))
	drainSorted(t, changes)

	src.push(build[string, int](t, changeset.NewUpdate[string, int]("a", 10, 1)))
	scs := drainSorted(t, changes)
	require.Equal(t, 1, scs.Len())
	rec := scs.Records()[0]
	assert.Equal(t, changeset.Moved, rec.Reason)
	prevIdx, _ := rec.PreviousIndex.Value()
	curIdx, _ := rec.CurrentIndex.Value()
	assert.Equal(t, 0, prevIdx)
	assert.Equal(t, 2, curIdx)
}

func TestSort_TreatMovesAsRemoveAdd(t *testing.T) {
	src := &fakeSource[string, int]{}
	opts := &SortOptions{ResetThreshold: -1, TreatMovesAsRemoveAdd: true}
	s := NewSort[string, int](src, byInt, opts)
	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
	))
	drainSorted(t, changes)

	src.push(build[string, int](t, changeset.NewUpdate[string, int]("a", 5, 1)))
	scs := drainSorted(t, changes)
	require.Equal(t, 2, scs.Len())
	assert.Equal(t, changeset.Remove, scs.Records()[0].Reason)
	assert.Equal(t, changeset.Add, scs.Records()[1].Reason)
}

func TestSort_ResetThresholdEmitsFullSnapshot(t *testing.T) {
	src := &fakeSource[string, int]{}
	opts := &SortOptions{ResetThreshold: 1, TreatMovesAsRemoveAdd: false}
	s := NewSort[string, int](src, byInt, opts)
	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("a", 3),
		changeset.NewAdd[string, int]("b", 1),
	))

	scs := drainSorted(t, changes)
	assert.Equal(t, changeset.Reset, scs.SortReason)
	require.Len(t, scs.Sorted, 2)
	assert.Equal(t, "b", scs.Sorted[0].Key)
	assert.Equal(t, "a", scs.Sorted[1].Key)
}

func TestSort_ComparatorChangeRecomputes(t *testing.T) {
	src := &fakeSource[string, int]{}
	s := NewSort[string, int](src, byInt, nil)
	cmpCh := make(chan Comparator[int], 1)
	s.WithComparatorChannel(cmpCh)

	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
	))
	drainSorted(t, changes)

	cmpCh <- func(a, b int) int { return b - a }
	scs := drainSorted(t, changes)
	assert.Equal(t, changeset.ComparerChanged, scs.SortReason)
	require.Len(t, scs.Sorted, 2)
	assert.Equal(t, "b", scs.Sorted[0].Key)
	assert.Equal(t, "a", scs.Sorted[1].Key)
}
