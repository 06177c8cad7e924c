// Package pipeline is the public facade (§6 "Public entry points"): a
// small set of free functions that start a chain from a source, let the
// caller nest operator constructors from package operator to build it out,
// and close the chain with a terminal — as-observable-cache,
// as-observable-list, bind, or subscribe. Connect/ConnectList/Bind are thin
// renames over a constructor already defined in source or binding. The
// facade's own behaviour is AsObservableCache/AsObservableList,
// materialising a read-only snapshot from a raw change-set stream, and
// Subscribe, running the caller's handler on its own goroutine with panic
// isolation.
//
// Go methods cannot introduce new type parameters beyond their receiver's,
// so the "fluent pipeline" of §6 is fluent in the LINQ/Rx sense of nested
// calls, not in the method-chaining sense: Connect(src) feeds directly
// into operator.NewFilter(...), whose result feeds operator.NewSort(...),
// and so on, exactly as the teacher composes EditFunc stages.
package pipeline

import (
	"sync"

	"changeset"
	"changeset/binding"
	"changeset/core"
	"changeset/operator"
	"changeset/source"

	"go.uber.org/zap"
)

// Connect starts a pipeline from a keyed source, with an optional
// predicate applied at the source boundary (§6: "connect() / connect
// (predicate) on sources"). A nil predicate connects unfiltered.
func Connect[K comparable, V any](src *source.Cache[K, V], predicate func(V) bool) (<-chan changeset.ChangeSet[K, V], func(), error) {
	return src.Connect(predicate)
}

// ConnectList starts a pipeline from an ordered source.
func ConnectList[V any](src *source.List[V]) (<-chan changeset.IndexedChangeSet[V], func(), error) {
	return src.Connect()
}

// ObservableCache is a read-only materialised view of a keyed operator
// chain (§6: "as-observable-cache() materialise a read-only derived
// view"). It keeps a private copy of the upstream's current key/value
// state up to date by applying every ChangeSet it receives, and exposes
// only read accessors, mirroring the teacher's read side of Cache without
// the write side.
type ObservableCache[K comparable, V any] struct {
	mu     sync.Mutex
	items  map[K]V
	cancel func()
}

// AsObservableCache subscribes to upstream and materialises its output
// into a read-only cache kept current for the lifetime of the returned
// value; callers dispose it with Close.
func AsObservableCache[K comparable, V any](upstream operator.Upstream[K, V]) (*ObservableCache[K, V], error) {
	ch, cancel, err := upstream.Connect()
	if err != nil {
		return nil, err
	}
	oc := &ObservableCache[K, V]{items: make(map[K]V), cancel: cancel}
	go func() {
		for cs := range ch {
			oc.apply(cs)
		}
	}()
	return oc, nil
}

func (oc *ObservableCache[K, V]) apply(cs changeset.ChangeSet[K, V]) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Remove:
			delete(oc.items, rec.Key)
		default:
			if v, ok := rec.Current.Value(); ok {
				oc.items[rec.Key] = v
			}
		}
	}
}

// Lookup returns the current value for key, if present.
func (oc *ObservableCache[K, V]) Lookup(key K) (V, bool) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	v, ok := oc.items[key]
	return v, ok
}

// Items returns a snapshot of the current values, in unspecified order.
func (oc *ObservableCache[K, V]) Items() []V {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	out := make([]V, 0, len(oc.items))
	for _, v := range oc.items {
		out = append(out, v)
	}
	return out
}

// Count returns the number of items currently materialised.
func (oc *ObservableCache[K, V]) Count() int {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return len(oc.items)
}

// Close disposes the underlying subscription; the view stops updating.
func (oc *ObservableCache[K, V]) Close() { oc.cancel() }

// ObservableList is the ordered analog of ObservableCache, materialising
// a SortedUpstream into a read-only positional slice.
type ObservableList[K comparable, V any] struct {
	mu     sync.Mutex
	keys   []K
	items  map[K]V
	cancel func()
}

// AsObservableList subscribes to a sorted upstream (typically the output
// of operator.Sort) and materialises it into a read-only ordered view.
func AsObservableList[K comparable, V any](upstream binding.SortedUpstream[K, V]) (*ObservableList[K, V], error) {
	ch, cancel, err := upstream.Connect()
	if err != nil {
		return nil, err
	}
	ol := &ObservableList[K, V]{items: make(map[K]V), cancel: cancel}
	go func() {
		for scs := range ch {
			ol.apply(scs)
		}
	}()
	return ol, nil
}

func (ol *ObservableList[K, V]) apply(scs changeset.SortedChangeSet[K, V]) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	keys := make([]K, 0, len(scs.Sorted))
	items := make(map[K]V, len(scs.Sorted))
	for _, kv := range scs.Sorted {
		keys = append(keys, kv.Key)
		items[kv.Key] = kv.Value
	}
	ol.keys = keys
	ol.items = items
}

// Items returns the current items in sorted order.
func (ol *ObservableList[K, V]) Items() []V {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	out := make([]V, 0, len(ol.keys))
	for _, k := range ol.keys {
		out = append(out, ol.items[k])
	}
	return out
}

// Count returns the number of items currently materialised.
func (ol *ObservableList[K, V]) Count() int {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return len(ol.keys)
}

// Close disposes the underlying subscription.
func (ol *ObservableList[K, V]) Close() { ol.cancel() }

// Bind drives target from upstream using the reset-threshold policy in
// §4.4 (a zero-sized BindingOptions{ResetThreshold} of -1 means never
// reset purely by size; 0 means always reset). It is a thin rename over
// binding.NewBinder(target, opts).Bind(upstream), kept here so callers
// reach for one package on the common path.
func Bind[K comparable, V any](upstream binding.SortedUpstream[K, V], target binding.Target[K, V], resetThreshold int) (cancel func(), err error) {
	b := binding.NewBinder[K, V](target, &binding.BindingOptions{ResetThreshold: resetThreshold})
	return b.Bind(upstream)
}

// Subscribe consumes raw change sets with handler until upstream closes
// or the returned cancel is called (§6: "subscribe(handler) consumes raw
// change sets"). A panic inside handler is isolated to this one
// subscription (§7 error kind 5: subscriber errors do not propagate to
// other subscribers of the same multicast upstream) and logged rather
// than crashing the publishing goroutine.
func Subscribe[K comparable, V any](upstream operator.Upstream[K, V], handler func(changeset.ChangeSet[K, V])) (cancel func(), err error) {
	ch, cancelUp, err := upstream.Connect()
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case cs, ok := <-ch:
				if !ok {
					return
				}
				runHandler(handler, cs)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		cancelUp()
	}, nil
}

func runHandler[K comparable, V any](handler func(changeset.ChangeSet[K, V]), cs changeset.ChangeSet[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			core.Warn("pipeline: subscriber handler panicked, isolating", zap.Any("recover", r))
		}
	}()
	handler(cs)
}
