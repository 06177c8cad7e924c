package changeset

// Change is a single keyed delta: {reason, key, current, previous?,
// current_index?, previous_index?} per spec §3. For Add, Previous is
// absent; for Remove, Current is absent; for Update and Refresh both are
// present (I4: Refresh carries the same value in both).
type Change[K comparable, V any] struct {
	Reason        Reason
	Key           K
	Current       Optional[V]
	Previous      Optional[V]
	CurrentIndex  Optional[int]
	PreviousIndex Optional[int]
}

// NewAdd builds an Add record.
func NewAdd[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{Reason: Add, Key: key, Current: Some(current)}
}

// NewUpdate builds an Update record.
func NewUpdate[K comparable, V any](key K, current, previous V) Change[K, V] {
	return Change[K, V]{Reason: Update, Key: key, Current: Some(current), Previous: Some(previous)}
}

// NewRemove builds a Remove record.
func NewRemove[K comparable, V any](key K, previous V) Change[K, V] {
	return Change[K, V]{Reason: Remove, Key: key, Previous: Some(previous)}
}

// NewRefresh builds a Refresh record; current and previous are the same
// item reference (I4).
func NewRefresh[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{Reason: Refresh, Key: key, Current: Some(current), Previous: Some(current)}
}

// NewMoved builds a Moved record carrying both positions.
func NewMoved[K comparable, V any](key K, current V, previousIndex, currentIndex int) Change[K, V] {
	return Change[K, V]{
		Reason:        Moved,
		Key:           key,
		Current:       Some(current),
		Previous:      Some(current),
		CurrentIndex:  Some(currentIndex),
		PreviousIndex: Some(previousIndex),
	}
}

// WithIndices returns a copy of c carrying the given sort-aware indices.
func (c Change[K, V]) WithIndices(previousIndex, currentIndex Optional[int]) Change[K, V] {
	c.PreviousIndex = previousIndex
	c.CurrentIndex = currentIndex
	return c
}

// IndexedChange is the list-side analog of Change: {reason, index,
// item(s), previous_index?}. Ranges carry a contiguous batch in Items
// starting at Index.
type IndexedChange[V any] struct {
	Reason        ListReason
	Index         int
	Item          V
	Items         []V
	PreviousIndex Optional[int]
}

// NewIndexedAdd builds a single-item Add record at index.
func NewIndexedAdd[V any](index int, item V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListAdd, Index: index, Item: item}
}

// NewIndexedAddRange builds a range Add record starting at index.
func NewIndexedAddRange[V any](index int, items []V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListAddRange, Index: index, Items: items}
}

// NewIndexedReplace builds a Replace record at index.
func NewIndexedReplace[V any](index int, item V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListReplace, Index: index, Item: item}
}

// NewIndexedRemove builds a single-item Remove record at index.
func NewIndexedRemove[V any](index int, item V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListRemove, Index: index, Item: item}
}

// NewIndexedRemoveRange builds a range Remove record starting at index.
func NewIndexedRemoveRange[V any](index int, items []V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListRemoveRange, Index: index, Items: items}
}

// NewIndexedMoved builds a Moved record; item identity is preserved, only
// position changes.
func NewIndexedMoved[V any](fromIndex, toIndex int, item V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListMoved, Index: toIndex, Item: item, PreviousIndex: Some(fromIndex)}
}

// NewIndexedRefresh builds a Refresh record at index.
func NewIndexedRefresh[V any](index int, item V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListRefresh, Index: index, Item: item}
}

// NewIndexedClear builds a Clear record carrying the items that were
// cleared, for consumers that need to release resources per item.
func NewIndexedClear[V any](items []V) IndexedChange[V] {
	return IndexedChange[V]{Reason: ListClear, Index: 0, Items: items}
}
