package source

import (
	"sync"
	"sync/atomic"

	"changeset"

	"go.uber.org/zap"

	"changeset/core"
)

// ListOptions configures a List.
type ListOptions struct {
	// SubscriberBuffer is the channel buffer size given to each new
	// subscriber's change-set channel.
	SubscriberBuffer int
}

// DefaultListOptions returns SubscriberBuffer 0, which Connect raises to a
// one-batch buffer per subscriber.
func DefaultListOptions() *ListOptions {
	return &ListOptions{SubscriberBuffer: 0}
}

type listSubscriber[V any] struct {
	id        int64
	ch        chan changeset.IndexedChangeSet[V]
	closeOnce sync.Once
}

func (s *listSubscriber[V]) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// List is a single-writer positional sequence that publishes an
// IndexedChangeSet to every subscriber on each completed edit (§4.2).
// Duplicates are allowed; there is no key.
type List[V any] struct {
	mu    sync.RWMutex
	items []V

	writeMu  sync.Mutex
	writeSet int32

	subMu       sync.RWMutex
	subscribers map[int64]*listSubscriber[V]
	nextSubID   int64

	closeMu sync.Mutex
	closed  bool

	opts *ListOptions
}

// NewList constructs an empty List.
func NewList[V any](opts *ListOptions) *List[V] {
	if opts == nil {
		opts = DefaultListOptions()
	}
	return &List[V]{
		items:       nil,
		subscribers: make(map[int64]*listSubscriber[V]),
		opts:        opts,
	}
}

// ListUpdater is the scoped mutation surface passed to Edit's callback.
type ListUpdater[V any] struct {
	list    *List[V]
	builder *changeset.IndexedBuilder[V]
}

// Add appends item to the end of the list.
func (u *ListUpdater[V]) Add(item V) {
	index := len(u.list.items)
	u.list.items = append(u.list.items, item)
	u.builder.Add(changeset.NewIndexedAdd[V](index, item))
}

// Insert places item at index, shifting subsequent items right.
func (u *ListUpdater[V]) Insert(index int, item V) {
	u.list.items = append(u.list.items, item)
	copy(u.list.items[index+1:], u.list.items[index:])
	u.list.items[index] = item
	u.builder.Add(changeset.NewIndexedAdd[V](index, item))
}

// AddRange inserts items as a contiguous batch starting at index. If
// index is negative, items are appended at the end.
func (u *ListUpdater[V]) AddRange(items []V, index int) {
	if len(items) == 0 {
		return
	}
	if index < 0 {
		index = len(u.list.items)
	}
	tail := make([]V, len(u.list.items)-index)
	copy(tail, u.list.items[index:])
	u.list.items = append(u.list.items[:index], append(append([]V{}, items...), tail...)...)
	u.builder.Add(changeset.NewIndexedAddRange[V](index, items))
}

// Replace overwrites the item at index with next, emitting a Replace
// record.
func (u *ListUpdater[V]) Replace(index int, next V) {
	u.list.items[index] = next
	u.builder.Add(changeset.NewIndexedReplace[V](index, next))
}

// Remove deletes the first occurrence of item found by eq, emitting a
// Remove record at its resolved index. Returns false if not found.
func (u *ListUpdater[V]) Remove(item V, eq func(a, b V) bool) bool {
	for i, v := range u.list.items {
		if eq(v, item) {
			u.RemoveAt(i)
			return true
		}
	}
	return false
}

// RemoveAt deletes the item at index, emitting a Remove record.
func (u *ListUpdater[V]) RemoveAt(index int) {
	removed := u.list.items[index]
	u.list.items = append(u.list.items[:index], u.list.items[index+1:]...)
	u.builder.Add(changeset.NewIndexedRemove[V](index, removed))
}

// RemoveRange deletes count items starting at index as a single batch.
func (u *ListUpdater[V]) RemoveRange(index, count int) {
	if count <= 0 {
		return
	}
	removed := append([]V{}, u.list.items[index:index+count]...)
	u.list.items = append(u.list.items[:index], u.list.items[index+count:]...)
	u.builder.Add(changeset.NewIndexedRemoveRange[V](index, removed))
}

// Move relocates the item at from to to. Semantics are structural: item
// identity preserved, only position changes (§4.2).
func (u *ListUpdater[V]) Move(from, to int) {
	if from == to {
		return
	}
	item := u.list.items[from]
	u.list.items = append(u.list.items[:from], u.list.items[from+1:]...)
	// to is already the item's desired index in the post-removal, final-
	// length array: inserting at dest=to directly (no shift for to>from)
	// is what lands it there, since removing `from` already closed the
	// gap the item itself used to occupy.
	dest := to
	u.list.items = append(u.list.items, item)
	copy(u.list.items[dest+1:], u.list.items[dest:len(u.list.items)-1])
	u.list.items[dest] = item
	u.builder.Add(changeset.NewIndexedMoved[V](from, to, item))
}

// Clear removes every item, emitting one Clear record carrying the
// cleared items for any dispose-many terminal stage to release.
func (u *ListUpdater[V]) Clear() {
	if len(u.list.items) == 0 {
		return
	}
	cleared := u.list.items
	u.list.items = nil
	u.builder.Add(changeset.NewIndexedClear[V](cleared))
}

// Refresh re-announces the item at index as mutated in place (I4).
func (u *ListUpdater[V]) Refresh(index int) {
	u.builder.Add(changeset.NewIndexedRefresh[V](index, u.list.items[index]))
}

// RefreshItem refreshes the first occurrence of item found by eq.
func (u *ListUpdater[V]) RefreshItem(item V, eq func(a, b V) bool) bool {
	for i, v := range u.list.items {
		if eq(v, item) {
			u.Refresh(i)
			return true
		}
	}
	return false
}

// Edit acquires the single-writer scope, runs fn, and publishes the
// accumulated IndexedChangeSet once fn returns, following the same
// commit-then-publish discipline as Cache.Edit.
func (l *List[V]) Edit(fn func(u *ListUpdater[V]) error) error {
	if l.isClosed() {
		return changeset.ErrSourceClosed
	}
	if !atomic.CompareAndSwapInt32(&l.writeSet, 0, 1) {
		return changeset.ErrWriterActive
	}
	defer atomic.StoreInt32(&l.writeSet, 0)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	builder := changeset.NewIndexedBuilder[V]()
	updater := &ListUpdater[V]{list: l, builder: builder}
	fnErr := fn(updater)
	cs, ok := builder.Build()
	l.mu.Unlock()

	if ok {
		l.publish(cs)
	}
	return fnErr
}

// Items returns a snapshot of the current positional sequence.
func (l *List[V]) Items() []V {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]V, len(l.items))
	copy(out, l.items)
	return out
}

// Count returns the current length.
func (l *List[V]) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Connect returns the primary indexed change-set stream. On subscription
// the current state is delivered as a single AddRange initial batch (I2),
// unless the list is currently empty.
func (l *List[V]) Connect() (<-chan changeset.IndexedChangeSet[V], func(), error) {
	if l.isClosed() {
		return nil, func() {}, changeset.ErrSourceClosed
	}

	l.mu.RLock()
	snapshot := make([]V, len(l.items))
	copy(snapshot, l.items)
	l.mu.RUnlock()

	// however SubscriberBuffer is configured, the subscriber channel needs
	// room for at least the one initial batch below: nothing can be
	// reading it yet, so an unbuffered channel would block Connect itself.
	bufSize := l.opts.SubscriberBuffer
	if bufSize < 1 {
		bufSize = 1
	}
	sub := &listSubscriber[V]{ch: make(chan changeset.IndexedChangeSet[V], bufSize)}

	l.subMu.Lock()
	l.nextSubID++
	sub.id = l.nextSubID
	l.subscribers[sub.id] = sub
	l.subMu.Unlock()

	if len(snapshot) > 0 {
		if cs, ok := changeset.NewIndexedChangeSet[V]([]changeset.IndexedChange[V]{
			changeset.NewIndexedAddRange[V](0, snapshot),
		}); ok {
			sub.ch <- cs
		}
	}

	cancel := func() {
		l.subMu.Lock()
		if _, ok := l.subscribers[sub.id]; ok {
			delete(l.subscribers, sub.id)
			sub.close()
		}
		l.subMu.Unlock()
	}
	return sub.ch, cancel, nil
}

func (l *List[V]) publish(cs changeset.IndexedChangeSet[V]) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, sub := range l.subscribers {
		// Mirrors the teacher's broadcastEvent: a subscriber that has
		// fallen behind by more than its buffer is skipped rather than
		// blocking every other subscriber and the writer behind it.
		select {
		case sub.ch <- cs:
		default:
			core.Warn("source: subscriber channel full, dropping change set",
				zap.Int64("subscriber_id", sub.id))
		}
	}
}

func (l *List[V]) isClosed() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	return l.closed
}

// Close disposes every subscriber channel and marks the list closed.
func (l *List[V]) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	l.subMu.Lock()
	for id, sub := range l.subscribers {
		sub.close()
		delete(l.subscribers, id)
	}
	l.subMu.Unlock()

	core.Debug("source: list closed", zap.Int("final_count", l.Count()))
	return nil
}
