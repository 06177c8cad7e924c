package operator

import (
	"testing"
	"time"

	"changeset"
)

// fakeSource is a minimal Upstream[K, V] test double: each call to Connect
// registers a fresh subscriber channel, and push fans a ChangeSet out to
// every registered subscriber, mirroring how a real source.Cache would
// behave from a downstream operator's point of view.
type fakeSource[K comparable, V any] struct {
	subs []chan changeset.ChangeSet[K, V]
}

func (f *fakeSource[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	ch := make(chan changeset.ChangeSet[K, V], 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}

func (f *fakeSource[K, V]) push(cs changeset.ChangeSet[K, V]) {
	for _, ch := range f.subs {
		ch <- cs
	}
}

func build[K comparable, V any](t *testing.T, recs ...changeset.Change[K, V]) changeset.ChangeSet[K, V] {
	t.Helper()
	cs, ok := changeset.NewChangeSet[K, V](recs)
	if !ok {
		t.Fatal("expected non-empty change set")
	}
	return cs
}

func drainCS[K comparable, V any](t *testing.T, ch <-chan changeset.ChangeSet[K, V]) changeset.ChangeSet[K, V] {
	t.Helper()
	select {
	case cs := <-ch:
		return cs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change set")
		var zero changeset.ChangeSet[K, V]
		return zero
	}
}

func drainSorted[K comparable, V any](t *testing.T, ch <-chan changeset.SortedChangeSet[K, V]) changeset.SortedChangeSet[K, V] {
	t.Helper()
	select {
	case cs := <-ch:
		return cs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sorted change set")
		var zero changeset.SortedChangeSet[K, V]
		return zero
	}
}

// fakeListSource is the list-side analog of fakeSource.
type fakeListSource[V any] struct {
	subs []chan changeset.IndexedChangeSet[V]
}

func (f *fakeListSource[V]) Connect() (<-chan changeset.IndexedChangeSet[V], func(), error) {
	ch := make(chan changeset.IndexedChangeSet[V], 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}

func (f *fakeListSource[V]) push(cs changeset.IndexedChangeSet[V]) {
	for _, ch := range f.subs {
		ch <- cs
	}
}

func buildIndexed[V any](t *testing.T, recs ...changeset.IndexedChange[V]) changeset.IndexedChangeSet[V] {
	t.Helper()
	cs, ok := changeset.NewIndexedChangeSet[V](recs)
	if !ok {
		t.Fatal("expected non-empty indexed change set")
	}
	return cs
}

func drainIndexed[V any](t *testing.T, ch <-chan changeset.IndexedChangeSet[V]) changeset.IndexedChangeSet[V] {
	t.Helper()
	select {
	case cs := <-ch:
		return cs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for indexed change set")
		var zero changeset.IndexedChangeSet[V]
		return zero
	}
}
