package operator

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isEven(v int) bool { return v%2 == 0 }

func TestListFilter_InitialAddRangeOnlyMatching(t *testing.T) {
	src := &fakeListSource[int]{}
	f := NewListFilter[int](src, isEven, nil, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{1, 2, 3, 4})))
	cs := drainIndexed(t, ch)
	require.Equal(t, 2, cs.Len())
	assert.Equal(t, changeset.ListAdd, cs.Records()[0].Reason)
	assert.Equal(t, 0, cs.Records()[0].Index)
	assert.Equal(t, 2, cs.Records()[0].Item)
	assert.Equal(t, 1, cs.Records()[1].Index)
	assert.Equal(t, 4, cs.Records()[1].Item)
}

func TestListFilter_ReplaceCrossingBoundaryEmitsRemove(t *testing.T) {
	src := &fakeListSource[int]{}
	f := NewListFilter[int](src, isEven, nil, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{2, 4})))
	drainIndexed(t, ch)

	src.push(buildIndexed[int](t, changeset.NewIndexedReplace(0, 3)))
	cs := drainIndexed(t, ch)
	require.Equal(t, 1, cs.Len())
	rec := cs.Records()[0]
	assert.Equal(t, changeset.ListRemove, rec.Reason)
	assert.Equal(t, 0, rec.Index)
	assert.Equal(t, 2, rec.Item)
}

func TestListFilter_RemoveUsesDownstreamIndex(t *testing.T) {
	src := &fakeListSource[int]{}
	f := NewListFilter[int](src, isEven, nil, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{1, 2, 3, 4})))
	drainIndexed(t, ch)

	src.push(buildIndexed[int](t, changeset.NewIndexedRemove(3, 4)))
	cs := drainIndexed(t, ch)
	require.Equal(t, 1, cs.Len())
	rec := cs.Records()[0]
	assert.Equal(t, changeset.ListRemove, rec.Reason)
	assert.Equal(t, 1, rec.Index)
	assert.Equal(t, 4, rec.Item)
}

func TestListFilter_MoveCrossingDownstreamPositionEmitsMoved(t *testing.T) {
	src := &fakeListSource[int]{}
	f := NewListFilter[int](src, isEven, nil, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{2, 1, 4})))
	drainIndexed(t, ch)

	src.push(buildIndexed[int](t, changeset.NewIndexedMoved(0, 2, 2)))
	cs := drainIndexed(t, ch)
	require.Equal(t, 1, cs.Len())
	rec := cs.Records()[0]
	assert.Equal(t, changeset.ListMoved, rec.Reason)
	prevIdx, ok := rec.PreviousIndex.Value()
	require.True(t, ok)
	assert.Equal(t, 0, prevIdx)
	assert.Equal(t, 1, rec.Index)
}

func TestListFilter_MovingNonMatchingItemEmitsNothing(t *testing.T) {
	src := &fakeListSource[int]{}
	f := NewListFilter[int](src, isEven, nil, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{2, 1, 4})))
	drainIndexed(t, ch)

	src.push(buildIndexed[int](t, changeset.NewIndexedMoved(1, 0, 1)))
	select {
	case cs := <-ch:
		t.Fatalf("expected no emission, got %#v", cs)
	default:
	}
}

func TestListFilter_PredicateReplacementCalculateDiff(t *testing.T) {
	src := &fakeListSource[int]{}
	predicateCh := make(chan func(int) bool, 1)
	f := NewListFilter[int](src, isEven, predicateCh, nil, CalculateDiff)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{1, 2, 3, 4})))
	drainIndexed(t, ch) // [2,4] visible

	predicateCh <- func(v int) bool { return v%2 == 1 } // now only odds match
	cs := drainIndexed(t, ch)

	var removed, added []int
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.ListRemove:
			removed = append(removed, rec.Item)
		case changeset.ListAdd:
			added = append(added, rec.Item)
		}
	}
	assert.ElementsMatch(t, []int{2, 4}, removed)
	assert.ElementsMatch(t, []int{1, 3}, added)
}

func TestListFilter_PulseClearAndReplace(t *testing.T) {
	src := &fakeListSource[int]{}
	pulseCh := make(chan struct{}, 1)
	threshold := 2
	f := NewListFilter[int](src, func(v int) bool { return v < threshold }, nil, pulseCh, ClearAndReplace)
	ch, cancel, err := f.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(buildIndexed[int](t, changeset.NewIndexedAddRange(0, []int{1, 2, 3})))
	cs := drainIndexed(t, ch)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, 1, cs.Records()[0].Item)

	threshold = 3
	pulseCh <- struct{}{}
	cs = drainIndexed(t, ch)
	require.Equal(t, 2, cs.Len())
	assert.Equal(t, changeset.ListClear, cs.Records()[0].Reason)
	assert.Equal(t, changeset.ListAddRange, cs.Records()[1].Reason)
	assert.Equal(t, []int{1, 2}, cs.Records()[1].Items)
}
