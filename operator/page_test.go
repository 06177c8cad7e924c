package operator

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSortedSource[K comparable, V any] struct {
	subs []chan changeset.SortedChangeSet[K, V]
}

func (f *fakeSortedSource[K, V]) Connect() (<-chan changeset.SortedChangeSet[K, V], func(), error) {
	ch := make(chan changeset.SortedChangeSet[K, V], 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}

func (f *fakeSortedSource[K, V]) push(scs changeset.SortedChangeSet[K, V]) {
	for _, ch := range f.subs {
		ch <- scs
	}
}

func sortedOf(pairs ...changeset.KeyValue[string, int]) changeset.SortedChangeSet[string, int] {
	recs := make([]changeset.Change[string, int], len(pairs))
	for i, kv := range pairs {
		recs[i] = changeset.NewAdd[string, int](kv.Key, kv.Value)
	}
	cs, _ := changeset.NewChangeSet[string, int](recs)
	return changeset.NewSortedChangeSet(cs, pairs, changeset.DataChanged)
}

func TestVirtualise_WindowDiffsOnUpstreamShift(t *testing.T) {
	src := &fakeSortedSource[string, int]{}
	reqs := make(chan VirtualRequest, 1)
	reqs <- VirtualRequest{StartIndex: 0, Count: 2}

	v := NewVirtualise[string, int](src, reqs)
	changes, cancel, err := v.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(sortedOf(
		changeset.KeyValue[string, int]{Key: "a", Value: 1},
		changeset.KeyValue[string, int]{Key: "b", Value: 2},
		changeset.KeyValue[string, int]{Key: "c", Value: 3},
	))
	cs := drainCS(t, changes)
	require.Equal(t, 2, cs.Len())

	// item "a" drops out of the front of the sorted view; the window
	// should now show "b","c" with a as Remove and c as Add.
	src.push(sortedOf(
		changeset.KeyValue[string, int]{Key: "b", Value: 2},
		changeset.KeyValue[string, int]{Key: "c", Value: 3},
		changeset.KeyValue[string, int]{Key: "a", Value: 1},
	))
	cs = drainCS(t, changes)
	require.Equal(t, 2, cs.Len())
	byKey := map[string]changeset.Reason{}
	byCurrent := map[string]int{}
	for _, rec := range cs.Records() {
		byKey[rec.Key] = rec.Reason
		if rec.Reason == changeset.Remove {
			byCurrent[rec.Key] = rec.Previous.MustValue()
		}
	}
	assert.Equal(t, changeset.Remove, byKey["a"])
	assert.Equal(t, changeset.Add, byKey["c"])
	assert.Equal(t, 1, byCurrent["a"])
}

func TestTop_WindowsFirstNItems(t *testing.T) {
	src := &fakeSortedSource[string, int]{}
	top := Top[string, int](src, 1)
	changes, cancel, err := top.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(sortedOf(
		changeset.KeyValue[string, int]{Key: "a", Value: 1},
		changeset.KeyValue[string, int]{Key: "b", Value: 2},
	))
	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "a", cs.Records()[0].Key)
}
