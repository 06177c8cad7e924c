package operator

import (
	"fmt"
	"sync"

	"changeset"
	"changeset/core"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// Comparator orders two values; it follows the standard three-way
// convention (negative, zero, positive).
type Comparator[V any] func(a, b V) int

// SortOptions configures the Sort operator (§4.3.3).
type SortOptions struct {
	// ResetThreshold: a batch touching more keys than this is emitted as a
	// single Reset-reason snapshot instead of per-item deltas. 0 means
	// "always reset", negative means "never reset".
	ResetThreshold int
	// TreatMovesAsRemoveAdd: when an Update changes an item's sort
	// position, emit Remove+Add instead of a single Moved record.
	TreatMovesAsRemoveAdd bool
}

// DefaultSortOptions never resets and emits Moved records for repositions.
func DefaultSortOptions() *SortOptions {
	return &SortOptions{ResetThreshold: -1, TreatMovesAsRemoveAdd: false}
}

type sortEntry[K comparable, V any] struct {
	key   K
	value V
}

// ComparatorCh delivers a replacement comparator; a value on this channel
// triggers a full recompute with sort_reason = ComparerChanged (§4.3.3).
type ComparatorCh[V any] <-chan Comparator[V]

// Sort maintains a sorted index over a comparator plus a keyed cache
// (§4.3.3), using a google/btree ordered tree for binary-search insertion
// and removal.
type Sort[K comparable, V any] struct {
	upstream Upstream[K, V]
	opts     *SortOptions

	mu         sync.Mutex
	cmp        Comparator[V]
	tree       *btree.BTreeG[sortEntry[K, V]]
	items      map[K]V
	started    bool
	bc         *sortBroadcaster[K, V]
	comparator ComparatorCh[V]
}

// sortBroadcaster fans out SortedChangeSet instead of a plain ChangeSet,
// since downstream sort-aware consumers need the materialised view too.
type sortBroadcaster[K comparable, V any] struct {
	mu        sync.RWMutex
	subs      map[int64]chan changeset.SortedChangeSet[K, V]
	nextSubID int64
}

func newSortBroadcaster[K comparable, V any]() *sortBroadcaster[K, V] {
	return &sortBroadcaster[K, V]{subs: make(map[int64]chan changeset.SortedChangeSet[K, V])}
}

func (b *sortBroadcaster[K, V]) subscribe() (int64, chan changeset.SortedChangeSet[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	// Buffered by one so Connect's initial snapshot never blocks waiting for
	// the caller to start reading the channel it hasn't received yet.
	ch := make(chan changeset.SortedChangeSet[K, V], 1)
	b.subs[id] = ch
	return id, ch
}

func (b *sortBroadcaster[K, V]) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *sortBroadcaster[K, V]) publish(cs changeset.SortedChangeSet[K, V]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		ch <- cs
	}
}

func (b *sortBroadcaster[K, V]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// NewSort constructs a sort operator. If opts is nil, DefaultSortOptions is
// used.
func NewSort[K comparable, V any](upstream Upstream[K, V], cmp Comparator[V], opts *SortOptions) *Sort[K, V] {
	if opts == nil {
		opts = DefaultSortOptions()
	}
	s := &Sort[K, V]{
		upstream: upstream,
		opts:     opts,
		cmp:      cmp,
		items:    make(map[K]V),
		bc:       newSortBroadcaster[K, V](),
	}
	s.tree = s.newTree()
	return s
}

// WithComparatorChannel attaches a channel of replacement comparators; each
// value received triggers a full recompute (ComparerChanged, §4.3.3).
func (s *Sort[K, V]) WithComparatorChannel(ch ComparatorCh[V]) *Sort[K, V] {
	s.comparator = ch
	return s
}

func (s *Sort[K, V]) newTree() *btree.BTreeG[sortEntry[K, V]] {
	return btree.NewG(32, func(a, b sortEntry[K, V]) bool {
		if c := s.cmp(a.value, b.value); c != 0 {
			return c < 0
		}
		return lessKey(a.key, b.key)
	})
}

// lessKey breaks ties between entries whose values compare equal, so that
// every key keeps its own entry in the tree. K is only required to be
// comparable (map key requirement), so string and integer keys compare
// natively and any other key compares by its fmt.Sprint form; two distinct
// keys that print identically still tie.
func lessKey[K comparable](a, b K) bool {
	switch x := any(a).(type) {
	case string:
		return x < any(b).(string)
	case int:
		return x < any(b).(int)
	case int64:
		return x < any(b).(int64)
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func (s *Sort[K, V]) ensureStarted() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ch, _, err := s.upstream.Connect()
	s.mu.Unlock()
	if err != nil {
		logDropped("Sort", "upstream connect failed")
		return
	}
	go s.pump(ch)
	if s.comparator != nil {
		go s.pumpComparator()
	}
}

func (s *Sort[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		s.mu.Lock()
		out := s.apply(cs)
		s.mu.Unlock()
		if out != nil {
			s.bc.publish(*out)
		}
	}
	s.bc.closeAll()
}

func (s *Sort[K, V]) pumpComparator() {
	for next := range s.comparator {
		s.mu.Lock()
		s.cmp = next
		out := s.recompute(changeset.ComparerChanged)
		s.mu.Unlock()
		s.bc.publish(out)
	}
}

// apply must be called with s.mu held.
func (s *Sort[K, V]) apply(cs changeset.ChangeSet[K, V]) *changeset.SortedChangeSet[K, V] {
	if s.opts.ResetThreshold == 0 || (s.opts.ResetThreshold > 0 && cs.Len() > s.opts.ResetThreshold) {
		for _, rec := range cs.Records() {
			s.applyStructural(rec)
		}
		out := s.recompute(changeset.Reset)
		return &out
	}

	builder := changeset.NewBuilder[K, V]()
	for _, rec := range cs.Records() {
		s.classify(builder, rec)
	}
	out, ok := builder.Build()
	if !ok {
		return nil
	}
	result := changeset.NewSortedChangeSet(out, s.sortedSnapshot(), changeset.DataChanged)
	return &result
}

// applyStructural updates internal state only, without emitting per-record
// deltas; used by the reset-threshold and ComparerChanged paths which emit
// a single snapshot instead.
func (s *Sort[K, V]) applyStructural(rec changeset.Change[K, V]) {
	switch rec.Reason {
	case changeset.Add, changeset.Update, changeset.Refresh:
		v := rec.Current.MustValue()
		if old, existed := s.items[rec.Key]; existed {
			s.tree.Delete(sortEntry[K, V]{key: rec.Key, value: old})
		}
		s.items[rec.Key] = v
		s.tree.ReplaceOrInsert(sortEntry[K, V]{key: rec.Key, value: v})
	case changeset.Remove:
		if old, existed := s.items[rec.Key]; existed {
			s.tree.Delete(sortEntry[K, V]{key: rec.Key, value: old})
			delete(s.items, rec.Key)
		}
	}
}

// classify must be called with s.mu held; it performs the per-record
// structural update and emits the corresponding index-bearing record.
func (s *Sort[K, V]) classify(builder *changeset.Builder[K, V], rec changeset.Change[K, V]) {
	switch rec.Reason {
	case changeset.Add:
		v := rec.Current.MustValue()
		s.items[rec.Key] = v
		s.tree.ReplaceOrInsert(sortEntry[K, V]{key: rec.Key, value: v})
		idx := s.indexOf(rec.Key)
		builder.Add(changeset.NewAdd[K, V](rec.Key, v).WithIndices(changeset.None[int](), changeset.Some(idx)))
	case changeset.Update:
		cur := rec.Current.MustValue()
		old, existed := s.items[rec.Key]
		if !existed {
			s.items[rec.Key] = cur
			s.tree.ReplaceOrInsert(sortEntry[K, V]{key: rec.Key, value: cur})
			idx := s.indexOf(rec.Key)
			builder.Add(changeset.NewAdd[K, V](rec.Key, cur).WithIndices(changeset.None[int](), changeset.Some(idx)))
			return
		}
		if s.cmp(old, cur) == 0 {
			s.items[rec.Key] = cur
			s.tree.Delete(sortEntry[K, V]{key: rec.Key, value: old})
			s.tree.ReplaceOrInsert(sortEntry[K, V]{key: rec.Key, value: cur})
			idx := s.indexOf(rec.Key)
			builder.Add(changeset.NewUpdate[K, V](rec.Key, cur, old).WithIndices(changeset.Some(idx), changeset.Some(idx)))
			return
		}
		prevIdx := s.indexOf(rec.Key)
		s.tree.Delete(sortEntry[K, V]{key: rec.Key, value: old})
		s.items[rec.Key] = cur
		s.tree.ReplaceOrInsert(sortEntry[K, V]{key: rec.Key, value: cur})
		newIdx := s.indexOf(rec.Key)
		if s.opts.TreatMovesAsRemoveAdd {
			builder.Add(changeset.NewRemove[K, V](rec.Key, old).WithIndices(changeset.Some(prevIdx), changeset.None[int]()))
			builder.Add(changeset.NewAdd[K, V](rec.Key, cur).WithIndices(changeset.None[int](), changeset.Some(newIdx)))
		} else {
			builder.Add(changeset.NewMoved[K, V](rec.Key, cur, prevIdx, newIdx))
		}
	case changeset.Remove:
		old, existed := s.items[rec.Key]
		if !existed {
			return
		}
		prevIdx := s.indexOf(rec.Key)
		s.tree.Delete(sortEntry[K, V]{key: rec.Key, value: old})
		delete(s.items, rec.Key)
		builder.Add(changeset.NewRemove[K, V](rec.Key, old).WithIndices(changeset.Some(prevIdx), changeset.None[int]()))
	case changeset.Refresh:
		v, existed := s.items[rec.Key]
		if !existed {
			return
		}
		idx := s.indexOf(rec.Key)
		builder.Add(changeset.NewRefresh[K, V](rec.Key, v).WithIndices(changeset.Some(idx), changeset.Some(idx)))
	}
}

// indexOf performs an ascend-based rank lookup: it walks the tree in order
// from the first entry until it reaches key, so each call is O(n) in the
// number of sorted items. It returns -1 if key is not in the tree.
func (s *Sort[K, V]) indexOf(key K) int {
	idx := -1
	rank := 0
	s.tree.Ascend(func(e sortEntry[K, V]) bool {
		if e.key == key {
			idx = rank
			return false
		}
		rank++
		return true
	})
	return idx
}

// recompute must be called with s.mu held; it rebuilds the tree from
// s.items (used after a comparator swap) and returns a full-snapshot
// SortedChangeSet.
func (s *Sort[K, V]) recompute(reason changeset.SortReason) changeset.SortedChangeSet[K, V] {
	if reason == changeset.ComparerChanged {
		newTree := s.newTree()
		for k, v := range s.items {
			newTree.ReplaceOrInsert(sortEntry[K, V]{key: k, value: v})
		}
		s.tree = newTree
	}
	core.Debug("operator: Sort emitting full snapshot", zap.String("reason", reason.String()), zap.Int("count", len(s.items)))

	records := make([]changeset.Change[K, V], 0, len(s.items))
	idx := 0
	s.tree.Ascend(func(e sortEntry[K, V]) bool {
		records = append(records, changeset.NewAdd[K, V](e.key, e.value).WithIndices(changeset.None[int](), changeset.Some(idx)))
		idx++
		return true
	})
	cs, _ := changeset.NewChangeSet[K, V](records)
	return changeset.NewSortedChangeSet(cs, s.sortedSnapshot(), reason)
}

func (s *Sort[K, V]) sortedSnapshot() []changeset.KeyValue[K, V] {
	out := make([]changeset.KeyValue[K, V], 0, s.tree.Len())
	s.tree.Ascend(func(e sortEntry[K, V]) bool {
		out = append(out, changeset.KeyValue[K, V]{Key: e.key, Value: e.value})
		return true
	})
	return out
}

// Connect subscribes to the sorted output; the initial batch is always a
// full Add-with-indices snapshot with sort_reason = InitialLoad (I2).
func (s *Sort[K, V]) Connect() (<-chan changeset.SortedChangeSet[K, V], func(), error) {
	s.ensureStarted()
	s.mu.Lock()
	out := s.recompute(changeset.InitialLoad)
	id, ch := s.bc.subscribe()
	s.mu.Unlock()

	if out.Len() > 0 {
		ch <- out
	}
	return ch, func() { s.bc.unsubscribe(id) }, nil
}
