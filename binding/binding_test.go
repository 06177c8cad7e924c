package binding

import (
	"errors"
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	items     []changeset.KeyValue[string, int]
	suppress  int
	lastError error
}

func (f *fakeTarget) Insert(index int, key string, item int) {
	f.items = append(f.items, changeset.KeyValue[string, int]{})
	copy(f.items[index+1:], f.items[index:])
	f.items[index] = changeset.KeyValue[string, int]{Key: key, Value: item}
}

func (f *fakeTarget) RemoveAt(index int) {
	f.items = append(f.items[:index], f.items[index+1:]...)
}

func (f *fakeTarget) Move(from, to int) {
	kv := f.items[from]
	f.items = append(f.items[:from], f.items[from+1:]...)
	f.items = append(f.items, changeset.KeyValue[string, int]{})
	copy(f.items[to+1:], f.items[to:])
	f.items[to] = kv
}

func (f *fakeTarget) Replace(index int, key string, item int) {
	f.items[index] = changeset.KeyValue[string, int]{Key: key, Value: item}
}

func (f *fakeTarget) Clear() {
	f.items = nil
}

func (f *fakeTarget) AddRange(pairs []changeset.KeyValue[string, int]) {
	f.items = append(f.items, pairs...)
}

func (f *fakeTarget) SuppressNotifications(fn func()) error {
	f.suppress++
	fn()
	return nil
}

func sortedChange(recs []changeset.Change[string, int], sorted []changeset.KeyValue[string, int], reason changeset.SortReason) changeset.SortedChangeSet[string, int] {
	cs, _ := changeset.NewChangeSet[string, int](recs)
	return changeset.NewSortedChangeSet(cs, sorted, reason)
}

func TestBinder_InitialLoadUsesSuppressedReset(t *testing.T) {
	target := &fakeTarget{}
	b := NewBinder[string, int](target, nil)

	scs := sortedChange(
		[]changeset.Change[string, int]{changeset.NewAdd[string, int]("a", 1).WithIndices(changeset.None[int](), changeset.Some(0))},
		[]changeset.KeyValue[string, int]{{Key: "a", Value: 1}},
		changeset.InitialLoad,
	)
	b.apply(scs)

	assert.Equal(t, 1, target.suppress)
	require.Len(t, target.items, 1)
	assert.Equal(t, "a", target.items[0].Key)
}

func TestBinder_IncrementalInsertAtIndex(t *testing.T) {
	target := &fakeTarget{items: []changeset.KeyValue[string, int]{{Key: "a", Value: 1}, {Key: "c", Value: 3}}}
	b := NewBinder[string, int](target, nil)

	scs := sortedChange(
		[]changeset.Change[string, int]{changeset.NewAdd[string, int]("b", 2).WithIndices(changeset.None[int](), changeset.Some(1))},
		nil,
		changeset.DataChanged,
	)
	b.apply(scs)

	require.Len(t, target.items, 3)
	assert.Equal(t, "b", target.items[1].Key)
	assert.Equal(t, 0, target.suppress)
}

func TestBinder_MovedCallsTargetMove(t *testing.T) {
	target := &fakeTarget{items: []changeset.KeyValue[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}}}
	b := NewBinder[string, int](target, nil)

	scs := sortedChange(
		[]changeset.Change[string, int]{changeset.NewMoved[string, int]("a", 1, 0, 1)},
		nil,
		changeset.DataChanged,
	)
	b.apply(scs)

	require.Len(t, target.items, 2)
	assert.Equal(t, "a", target.items[1].Key)
}

func TestBinder_MissingIndexForwardsContractViolation(t *testing.T) {
	target := &fakeTarget{}
	b := NewBinder[string, int](target, nil)
	var captured error
	b.OnError(func(err error) { captured = err })

	scs := sortedChange(
		[]changeset.Change[string, int]{changeset.NewAdd[string, int]("a", 1)}, // no indices attached
		nil,
		changeset.DataChanged,
	)
	b.apply(scs)

	require.Error(t, captured)
	assert.True(t, errors.Is(captured, changeset.ErrContractViolation))
}

func TestBinder_ResetThresholdForcesSuppressedReset(t *testing.T) {
	target := &fakeTarget{}
	b := NewBinder[string, int](target, &BindingOptions{ResetThreshold: 1})

	scs := sortedChange(
		[]changeset.Change[string, int]{
			changeset.NewAdd[string, int]("a", 1).WithIndices(changeset.None[int](), changeset.Some(0)),
			changeset.NewAdd[string, int]("b", 2).WithIndices(changeset.None[int](), changeset.Some(1)),
		},
		[]changeset.KeyValue[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}},
		changeset.DataChanged,
	)
	b.apply(scs)

	assert.Equal(t, 1, target.suppress)
	require.Len(t, target.items, 2)
}
