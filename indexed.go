package changeset

// IndexedCounts summarises an IndexedChangeSet the same way Counts
// summarises a keyed ChangeSet, with RangeCount tracking how many records
// were range (batch) operations.
type IndexedCounts struct {
	Adds       int
	Replaces   int
	Removes    int
	Moves      int
	Refreshes  int
	Clears     int
	RangeCount int
	Total      int
}

// IndexedChangeSet is the list-side analog of ChangeSet: an ordered,
// non-empty sequence of IndexedChange records plus cached counts.
type IndexedChangeSet[V any] struct {
	records []IndexedChange[V]
	counts  IndexedCounts
}

// NewIndexedChangeSet builds an IndexedChangeSet, enforcing I1.
func NewIndexedChangeSet[V any](records []IndexedChange[V]) (IndexedChangeSet[V], bool) {
	if len(records) == 0 {
		return IndexedChangeSet[V]{}, false
	}
	cs := IndexedChangeSet[V]{records: records}
	for _, r := range records {
		switch r.Reason {
		case ListAdd:
			cs.counts.Adds++
		case ListAddRange:
			cs.counts.Adds += len(r.Items)
			cs.counts.RangeCount++
		case ListReplace:
			cs.counts.Replaces++
		case ListRemove:
			cs.counts.Removes++
		case ListRemoveRange:
			cs.counts.Removes += len(r.Items)
			cs.counts.RangeCount++
		case ListMoved:
			cs.counts.Moves++
		case ListRefresh:
			cs.counts.Refreshes++
		case ListClear:
			cs.counts.Removes += len(r.Items)
			cs.counts.Clears++
		}
	}
	cs.counts.Total = len(records)
	return cs, true
}

// Records returns the ordered change records.
func (cs IndexedChangeSet[V]) Records() []IndexedChange[V] { return cs.records }

// Counts returns the cached summary counters.
func (cs IndexedChangeSet[V]) Counts() IndexedCounts { return cs.counts }

// Len returns the number of records.
func (cs IndexedChangeSet[V]) Len() int { return cs.counts.Total }

// IndexedBuilder accumulates IndexedChange records for a single list edit
// scope. Unlike the keyed Builder, list edits have no key to coalesce on;
// callers append records directly in commit order (positions are already
// resolved against the mutated slice by the caller before each append).
type IndexedBuilder[V any] struct {
	records []IndexedChange[V]
}

// NewIndexedBuilder returns an empty IndexedBuilder.
func NewIndexedBuilder[V any]() *IndexedBuilder[V] {
	return &IndexedBuilder[V]{}
}

// Add appends a record to the batch.
func (b *IndexedBuilder[V]) Add(rec IndexedChange[V]) {
	b.records = append(b.records, rec)
}

// Empty reports whether no records have been queued yet.
func (b *IndexedBuilder[V]) Empty() bool { return len(b.records) == 0 }

// Build returns the accumulated IndexedChangeSet, or ok=false if nothing
// was queued (I1).
func (b *IndexedBuilder[V]) Build() (IndexedChangeSet[V], bool) {
	if len(b.records) == 0 {
		warnEmpty("IndexedBuilder.Build")
		return IndexedChangeSet[V]{}, false
	}
	return NewIndexedChangeSet[V](b.records)
}
