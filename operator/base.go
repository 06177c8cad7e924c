// Package operator implements the operator kernel (§4.3): stateful
// transducers that consume a keyed ChangeSet stream and emit a keyed
// ChangeSet stream, each keeping just enough private bookkeeping to
// compute the next minimal downstream delta. Every concrete operator
// implements Upstream, the same interface a source.Cache is adapted to via
// FromCache, so operators compose into an arbitrarily deep pipeline.
package operator

import (
	"sync"

	"changeset"
	"changeset/core"

	"go.uber.org/zap"
)

// Upstream is satisfied by any source or operator whose output is a keyed
// ChangeSet stream. It is spec §9's "single common trait...for a
// change-set transducer with initial materialisation": Connect always
// delivers the initial batch (I2) to a new subscriber before any
// subsequent delta, and the returned cancel function disposes that one
// subscription only.
type Upstream[K comparable, V any] interface {
	Connect() (<-chan changeset.ChangeSet[K, V], func(), error)
}

// ListUpstream is the indexed analog of Upstream, used by operators over
// source.List.
type ListUpstream[V any] interface {
	Connect() (<-chan changeset.IndexedChangeSet[V], func(), error)
}

// CacheSource is satisfied by source.Cache; FromCache adapts it to
// Upstream without operator needing to import package source (which would
// create an import cycle, since source does not — and should not —
// depend on operator).
type CacheSource[K comparable, V any] interface {
	Connect(predicate func(V) bool) (<-chan changeset.ChangeSet[K, V], func(), error)
}

type cacheAdapter[K comparable, V any] struct {
	src CacheSource[K, V]
}

func (a cacheAdapter[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	return a.src.Connect(nil)
}

// FromCache wraps a source.Cache (or anything sharing its Connect
// signature) as an Upstream for the first operator in a pipeline.
func FromCache[K comparable, V any](src CacheSource[K, V]) Upstream[K, V] {
	return cacheAdapter[K, V]{src: src}
}

// ListSource is satisfied by source.List.
type ListSource[V any] interface {
	Connect() (<-chan changeset.IndexedChangeSet[V], func(), error)
}

// FromList wraps a source.List as a ListUpstream.
func FromList[V any](src ListSource[V]) ListUpstream[V] {
	return src
}

// broadcaster multicasts ChangeSets to any number of downstream
// subscribers, mirroring the subscriber-map broadcast every source.Cache
// uses, so operator output can itself be fanned out to multiple
// consumers.
type broadcaster[K comparable, V any] struct {
	mu        sync.RWMutex
	subs      map[int64]chan changeset.ChangeSet[K, V]
	nextSubID int64
}

func newBroadcaster[K comparable, V any]() *broadcaster[K, V] {
	return &broadcaster[K, V]{subs: make(map[int64]chan changeset.ChangeSet[K, V])}
}

func (b *broadcaster[K, V]) subscribe(buffer int) (int64, chan changeset.ChangeSet[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	ch := make(chan changeset.ChangeSet[K, V], buffer)
	b.subs[id] = ch
	return id, ch
}

func (b *broadcaster[K, V]) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster[K, V]) publish(cs changeset.ChangeSet[K, V]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		ch <- cs
	}
}

func (b *broadcaster[K, V]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// connectKeyed is the shared Connect() implementation every keyed
// operator uses: ensure the upstream pump is running, compute the current
// materialised state as an initial batch under the same lock the pump
// mutates state with (so no edit can land between snapshot and
// subscription), register the new subscriber, then deliver the initial
// batch (I2) if non-empty.
func connectKeyed[K comparable, V any](mu *sync.Mutex, ensureStarted func(), snapshot func() []changeset.Change[K, V], bc *broadcaster[K, V]) (<-chan changeset.ChangeSet[K, V], func(), error) {
	ensureStarted()
	mu.Lock()
	initial := snapshot()
	// Buffered by one so the initial batch below never blocks waiting for
	// the caller to start reading the channel it hasn't received yet.
	id, ch := bc.subscribe(1)
	mu.Unlock()

	if len(initial) > 0 {
		if cs, ok := changeset.NewChangeSet[K, V](initial); ok {
			ch <- cs
		}
	}
	return ch, func() { bc.unsubscribe(id) }, nil
}

// indexedBroadcaster is the list-side analog of broadcaster, multicasting
// IndexedChangeSets to any number of downstream subscribers.
type indexedBroadcaster[V any] struct {
	mu        sync.RWMutex
	subs      map[int64]chan changeset.IndexedChangeSet[V]
	nextSubID int64
}

func newIndexedBroadcaster[V any]() *indexedBroadcaster[V] {
	return &indexedBroadcaster[V]{subs: make(map[int64]chan changeset.IndexedChangeSet[V])}
}

func (b *indexedBroadcaster[V]) subscribe(buffer int) (int64, chan changeset.IndexedChangeSet[V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	ch := make(chan changeset.IndexedChangeSet[V], buffer)
	b.subs[id] = ch
	return id, ch
}

func (b *indexedBroadcaster[V]) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *indexedBroadcaster[V]) publish(cs changeset.IndexedChangeSet[V]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		ch <- cs
	}
}

func (b *indexedBroadcaster[V]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// connectIndexed is connectKeyed's list-side counterpart: ensure the
// upstream pump is running, snapshot the current materialised state as a
// single AddRange initial batch under the same lock the pump mutates
// state with, register the subscriber, then deliver that batch (I2) if
// non-empty.
func connectIndexed[V any](mu *sync.Mutex, ensureStarted func(), snapshot func() []V, bc *indexedBroadcaster[V]) (<-chan changeset.IndexedChangeSet[V], func(), error) {
	ensureStarted()
	mu.Lock()
	initial := snapshot()
	// Buffered by one so the initial batch below never blocks waiting for
	// the caller to start reading the channel it hasn't received yet.
	id, ch := bc.subscribe(1)
	mu.Unlock()

	if len(initial) > 0 {
		if cs, ok := changeset.NewIndexedChangeSet[V]([]changeset.IndexedChange[V]{changeset.NewIndexedAddRange(0, initial)}); ok {
			ch <- cs
		}
	}
	return ch, func() { bc.unsubscribe(id) }, nil
}

// logDropped logs a contract-compliant suppressed emission (I1) at debug
// level; operators call this instead of silently forwarding an empty
// batch whenever that is an expected outcome (e.g. the classic "remove
// one of three matching items" case), distinguishing it from the warning
// level used when an unexpected empty batch reaches a Builder.
func logDropped(op string, reason string) {
	core.Debug("operator: suppressed empty emission", zap.String("operator", op), zap.String("reason", reason))
}
