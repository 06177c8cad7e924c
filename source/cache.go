// Package source provides the originating collections of the change-set
// engine: Cache (keyed, §4.1) and List (ordered, §4.2). Both publish
// ChangeSet batches under a single-writer discipline, directly modelled on
// the subscriber-broadcast shape of a channel-based change-notification
// layer: a map of active subscribers guarded by its own mutex, fed from a
// single publishing path that runs after the write lock has already been
// released.
package source

import (
	"sync"
	"sync/atomic"

	"changeset"
	"changeset/core"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// SubscriberBuffer is the channel buffer size given to each new
	// subscriber's change-set channel (Connect raises it to at least 1).
	// Publishing never blocks: a subscriber whose buffer is full misses
	// that batch, and the drop is logged at Warn.
	SubscriberBuffer int
}

// DefaultCacheOptions returns the default cache options: SubscriberBuffer
// 0, which Connect raises to a one-batch buffer per subscriber.
func DefaultCacheOptions() *CacheOptions {
	return &CacheOptions{SubscriberBuffer: 0}
}

type cacheSubscriber[K comparable, V any] struct {
	id        int64
	ch        chan changeset.ChangeSet[K, V]
	predicate func(V) bool
	closeOnce sync.Once
}

func (s *cacheSubscriber[K, V]) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Cache is a single-writer keyed collection that publishes a ChangeSet to
// every subscriber on each completed edit (§4.1). K must be comparable; V
// is unconstrained, but values that will be snapshotted into Previous
// fields should be safe to deep-copy via github.com/jinzhu/copier (struct
// values and struct pointers both work; the original value is used as a
// fallback if copying fails).
type Cache[K comparable, V any] struct {
	keyFn func(V) K

	mu    sync.RWMutex
	items map[K]V

	writeMu  sync.Mutex
	writeSet int32 // atomic flag: 1 while a writer holds the edit scope

	subMu       sync.RWMutex
	subscribers map[int64]*cacheSubscriber[K, V]
	nextSubID   int64

	countMu   sync.Mutex
	countSubs map[int64]chan int

	closeMu sync.Mutex
	closed  bool

	opts *CacheOptions
}

// NewCache constructs an empty Cache. keyFn extracts the key for a value;
// pass nil to key items by their own identity (in which case K should be
// an identity-comparable type the caller derives itself — the zero-value
// cache simply will not know how to re-key AddOrUpdate calls and callers
// must use the keyed Edit API directly).
func NewCache[K comparable, V any](keyFn func(V) K, opts *CacheOptions) *Cache[K, V] {
	if opts == nil {
		opts = DefaultCacheOptions()
	}
	return &Cache[K, V]{
		keyFn:       keyFn,
		items:       make(map[K]V),
		subscribers: make(map[int64]*cacheSubscriber[K, V]),
		countSubs:   make(map[int64]chan int),
		opts:        opts,
	}
}

// CacheUpdater is the scoped mutation surface passed to Edit's callback.
// All edits made through it accumulate into a single ChangeSet emitted
// once the callback returns (§4.1 edit scope).
type CacheUpdater[K comparable, V any] struct {
	cache   *Cache[K, V]
	builder *changeset.Builder[K, V]
}

// AddOrUpdate inserts or replaces the value at key, recording an Add if
// the key was absent or an Update (carrying the previous snapshot)
// otherwise.
func (u *CacheUpdater[K, V]) AddOrUpdate(key K, value V) {
	prev, existed := u.cache.items[key]
	u.cache.items[key] = value
	if !existed {
		u.builder.Add(changeset.NewAdd[K, V](key, value))
		return
	}
	snapshot := snapshotValue(prev)
	u.builder.Add(changeset.NewUpdate[K, V](key, value, snapshot))
}

// Remove deletes key if present, recording a Remove using the pre-removal
// snapshot.
func (u *CacheUpdater[K, V]) Remove(key K) {
	prev, existed := u.cache.items[key]
	if !existed {
		return
	}
	delete(u.cache.items, key)
	u.builder.Add(changeset.NewRemove[K, V](key, snapshotValue(prev)))
}

// Refresh re-announces key's current value as mutated in place (I4); a
// Refresh on a non-existent key is a documented no-op (spec §9 open
// question: dropped silently).
func (u *CacheUpdater[K, V]) Refresh(key K) {
	cur, existed := u.cache.items[key]
	if !existed {
		return
	}
	u.builder.Add(changeset.NewRefresh[K, V](key, cur))
}

// RefreshAll refreshes every currently present key.
func (u *CacheUpdater[K, V]) RefreshAll() {
	for k, v := range u.cache.items {
		u.builder.Add(changeset.NewRefresh[K, V](k, v))
	}
}

// Clear removes every item, recording one Remove per departing key.
func (u *CacheUpdater[K, V]) Clear() {
	for k, v := range u.cache.items {
		u.builder.Add(changeset.NewRemove[K, V](k, snapshotValue(v)))
	}
	u.cache.items = make(map[K]V)
}

func snapshotValue[V any](v V) V {
	var out V
	if err := copier.Copy(&out, v); err != nil {
		core.Debug("source: snapshot copy fell back to original reference", zap.Error(err))
		return v
	}
	return out
}

// Edit acquires the single-writer scope, runs fn, and — if at least one
// record survived I3 coalescing — commits the accumulated edits and
// publishes the resulting ChangeSet to every matching subscriber before
// returning. If fn returns an error the accumulated edits made so far are
// still committed and published (they already mutated the live map) and
// the error is returned to the caller; it is not
// delivered to subscribers as an on_error in this synchronous API, unlike
// the push-based runtime this core assumes as an external collaborator
// (§6) — callers bridging to that runtime are expected to forward the
// error themselves.
func (c *Cache[K, V]) Edit(fn func(u *CacheUpdater[K, V]) error) error {
	if c.isClosed() {
		return changeset.ErrSourceClosed
	}
	if !atomic.CompareAndSwapInt32(&c.writeSet, 0, 1) {
		return changeset.ErrWriterActive
	}
	defer atomic.StoreInt32(&c.writeSet, 0)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	builder := changeset.NewBuilder[K, V]()
	updater := &CacheUpdater[K, V]{cache: c, builder: builder}
	fnErr := fn(updater)
	cs, ok := builder.Build()
	c.mu.Unlock()

	if ok {
		c.publish(cs)
		// Count only moves when the coalesced batch adds and removes a
		// different number of keys; CountChanged stays deduplicated.
		if counts := cs.Counts(); counts.Adds != counts.Removes {
			c.publishCount()
		}
	}
	return fnErr
}

// AddOrUpdate is a convenience wrapper over Edit for one or more values,
// keying each by the Cache's keyFn.
func (c *Cache[K, V]) AddOrUpdate(values ...V) error {
	if c.keyFn == nil {
		return changeset.NewContractViolation("Cache.AddOrUpdate", "no key selector configured", "")
	}
	return c.Edit(func(u *CacheUpdater[K, V]) error {
		for _, v := range values {
			u.AddOrUpdate(c.keyFn(v), v)
		}
		return nil
	})
}

// Remove is a convenience wrapper over Edit for one or more keys.
func (c *Cache[K, V]) Remove(keys ...K) error {
	return c.Edit(func(u *CacheUpdater[K, V]) error {
		for _, k := range keys {
			u.Remove(k)
		}
		return nil
	})
}

// Refresh is a convenience wrapper over Edit for one or more keys. Calling
// Refresh with no keys refreshes every item currently present.
func (c *Cache[K, V]) Refresh(keys ...K) error {
	return c.Edit(func(u *CacheUpdater[K, V]) error {
		if len(keys) == 0 {
			u.RefreshAll()
			return nil
		}
		for _, k := range keys {
			u.Refresh(k)
		}
		return nil
	})
}

// Clear is a convenience wrapper over Edit that removes every item.
func (c *Cache[K, V]) Clear() error {
	return c.Edit(func(u *CacheUpdater[K, V]) error {
		u.Clear()
		return nil
	})
}

// Lookup returns the value at key and whether it is present. Reads
// serialise with writers (§4.1) via the read-write mutex.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Keys returns a snapshot of the current keys. Order is unspecified (§1
// Non-goals: no insertion-order guarantee for hash-keyed caches).
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]K, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

// Items returns a snapshot of the current values.
func (c *Cache[K, V]) Items() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	return out
}

// KeyValues returns a snapshot copy of the current key/value map.
func (c *Cache[K, V]) KeyValues() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[K]V, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// Count returns the current number of items.
func (c *Cache[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Connect returns the primary change-set stream (§4.1). If predicate is
// non-nil, the stream behaves as Connect(nil) piped through a stateless
// filter: only change sets with at least one record surviving the
// predicate's reclassification are forwarded, already reduced to the
// matching records. An Update is reclassified from its own Previous and
// Current values: Add when only Current matches, Remove (carrying
// Previous) when only Previous matches. Other records are forwarded as
// they are when their value matches.
//
// On subscription the returned channel immediately receives the initial
// batch (I2): every currently present item as a single Add ChangeSet, or
// no emission at all if the cache is currently empty (an empty initial
// batch would violate I1).
//
// The returned cancel function disposes the subscription; it is safe to
// call more than once.
func (c *Cache[K, V]) Connect(predicate func(V) bool) (<-chan changeset.ChangeSet[K, V], func(), error) {
	if c.isClosed() {
		return nil, func() {}, changeset.ErrSourceClosed
	}

	c.mu.RLock()
	initial := make([]changeset.Change[K, V], 0, len(c.items))
	for k, v := range c.items {
		if predicate != nil && !predicate(v) {
			continue
		}
		initial = append(initial, changeset.NewAdd[K, V](k, v))
	}
	c.mu.RUnlock()

	// however SubscriberBuffer is configured, the subscriber channel needs
	// room for at least the one initial batch below: nothing can be
	// reading it yet, so an unbuffered channel would block Connect itself.
	bufSize := c.opts.SubscriberBuffer
	if bufSize < 1 {
		bufSize = 1
	}
	sub := &cacheSubscriber[K, V]{
		ch:        make(chan changeset.ChangeSet[K, V], bufSize),
		predicate: predicate,
	}

	c.subMu.Lock()
	c.nextSubID++
	sub.id = c.nextSubID
	c.subscribers[sub.id] = sub
	c.subMu.Unlock()

	if len(initial) > 0 {
		if cs, ok := changeset.NewChangeSet[K, V](initial); ok {
			sub.ch <- cs
		}
	}

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subscribers[sub.id]; ok {
			delete(c.subscribers, sub.id)
			sub.close()
		}
		c.subMu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Watch returns a stream of change records for a single key, starting
// with the current value as an Add if present (§4.1).
func (c *Cache[K, V]) Watch(key K) (<-chan changeset.Change[K, V], func(), error) {
	changes, cancelAll, err := c.Connect(nil)
	if err != nil {
		return nil, func() {}, err
	}
	out := make(chan changeset.Change[K, V], c.opts.SubscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case cs, ok := <-changes:
				if !ok {
					return
				}
				for _, rec := range cs.Records() {
					if rec.Key == key {
						out <- rec
					}
				}
			case <-done:
				return
			}
		}
	}()
	cancel := func() {
		select {
		case <-done:
		default:
			close(done)
		}
		cancelAll()
	}
	return out, cancel, nil
}

// CountChanged returns a deduplicated stream of the current Count: one
// value is delivered immediately, and one more each time Count changes
// following a published edit.
func (c *Cache[K, V]) CountChanged() (<-chan int, func()) {
	ch := make(chan int, 1)
	c.countMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.countSubs[id] = ch
	c.countMu.Unlock()

	ch <- c.Count()

	cancel := func() {
		c.countMu.Lock()
		if existing, ok := c.countSubs[id]; ok {
			delete(c.countSubs, id)
			close(existing)
		}
		c.countMu.Unlock()
	}
	return ch, cancel
}

func (c *Cache[K, V]) publish(cs changeset.ChangeSet[K, V]) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subscribers {
		if sub.predicate == nil {
			sendOrWarn(sub.ch, sub.id, cs)
			continue
		}
		filtered := make([]changeset.Change[K, V], 0, cs.Len())
		for _, rec := range cs.Records() {
			if rec.Reason == changeset.Update {
				cur, prev := rec.Current.MustValue(), rec.Previous.MustValue()
				switch curOK, prevOK := sub.predicate(cur), sub.predicate(prev); {
				case curOK && prevOK:
					filtered = append(filtered, rec)
				case curOK:
					filtered = append(filtered, changeset.NewAdd[K, V](rec.Key, cur))
				case prevOK:
					filtered = append(filtered, changeset.NewRemove[K, V](rec.Key, prev))
				}
				continue
			}
			if val, ok := rec.Current.Value(); ok {
				if sub.predicate(val) {
					filtered = append(filtered, rec)
				}
				continue
			}
			if val, ok := rec.Previous.Value(); ok && sub.predicate(val) {
				filtered = append(filtered, rec)
			}
		}
		if fcs, ok := changeset.NewChangeSet[K, V](filtered); ok {
			sendOrWarn(sub.ch, sub.id, fcs)
		}
	}
}

// sendOrWarn mirrors the teacher's broadcastEvent: a subscriber that has
// fallen behind by more than its buffer is skipped rather than blocking
// every other subscriber and the writer behind it.
func sendOrWarn[K comparable, V any](ch chan changeset.ChangeSet[K, V], subID int64, cs changeset.ChangeSet[K, V]) {
	select {
	case ch <- cs:
	default:
		core.Warn("source: subscriber channel full, dropping change set",
			zap.Int64("subscriber_id", subID))
	}
}

func (c *Cache[K, V]) publishCount() {
	count := c.Count()
	c.countMu.Lock()
	defer c.countMu.Unlock()
	for _, ch := range c.countSubs {
		select {
		case ch <- count:
		default:
			// drop stale pending value, deliver the latest on next read
			select {
			case <-ch:
			default:
			}
			ch <- count
		}
	}
}

func (c *Cache[K, V]) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Close disposes every subscriber channel and marks the cache closed.
// Further Edit/Connect/Watch calls return ErrSourceClosed.
func (c *Cache[K, V]) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.subMu.Lock()
	for id, sub := range c.subscribers {
		sub.close()
		delete(c.subscribers, id)
	}
	c.subMu.Unlock()

	c.countMu.Lock()
	for id, ch := range c.countSubs {
		close(ch)
		delete(c.countSubs, id)
	}
	c.countMu.Unlock()

	return nil
}
