package changeset

import (
	"changeset/core"

	"go.uber.org/zap"
)

// Counts summarises the composition of a ChangeSet so downstream stages and
// the binding adapter (reset-threshold policy) do not need to re-walk the
// record slice.
type Counts struct {
	Adds       int
	Updates    int
	Removes    int
	Refreshes  int
	Moves      int
	RangeCount int
	Total      int
}

// ChangeSet is an ordered, finite, non-empty (I1) sequence of keyed Change
// records plus cached Counts.
type ChangeSet[K comparable, V any] struct {
	records []Change[K, V]
	counts  Counts
}

// NewChangeSet builds a ChangeSet from records, computing Counts. It
// returns ok=false if records is empty, enforcing I1 at the construction
// boundary; callers that receive an empty slice must not publish it.
func NewChangeSet[K comparable, V any](records []Change[K, V]) (ChangeSet[K, V], bool) {
	if len(records) == 0 {
		return ChangeSet[K, V]{}, false
	}
	cs := ChangeSet[K, V]{records: records}
	for _, r := range records {
		switch r.Reason {
		case Add:
			cs.counts.Adds++
		case Update:
			cs.counts.Updates++
		case Remove:
			cs.counts.Removes++
		case Refresh:
			cs.counts.Refreshes++
		case Moved:
			cs.counts.Moves++
		}
	}
	cs.counts.Total = len(records)
	return cs, true
}

// Records returns the ordered change records. The returned slice must not
// be mutated by callers; operators only ever read an upstream ChangeSet.
func (cs ChangeSet[K, V]) Records() []Change[K, V] { return cs.records }

// Counts returns the cached summary counters.
func (cs ChangeSet[K, V]) Counts() Counts { return cs.counts }

// Len returns the number of records, equivalent to Counts().Total.
func (cs ChangeSet[K, V]) Len() int { return cs.counts.Total }

// Builder accumulates Change records for a single batch edit (§4.1 edit
// scope) and applies I3 coalescing: at most one record per key survives
// within the batch.
type Builder[K comparable, V any] struct {
	order   []K
	pending map[K]Change[K, V]
}

// NewBuilder returns an empty Builder.
func NewBuilder[K comparable, V any]() *Builder[K, V] {
	return &Builder[K, V]{pending: make(map[K]Change[K, V])}
}

// Add coalesces a new record into the batch per I3:
//   - no prior record for key: record is kept as-is.
//   - prior Add, new Remove: the two cancel; key is dropped entirely.
//   - prior Add, new Update: coalesces to Add carrying the final value.
//   - prior Update, new Remove: coalesces to Remove using the pre-batch
//     previous value (the Update's Previous), since from the subscriber's
//     perspective the item simply left.
//   - prior Remove cannot be followed by anything within the same source
//     (a removed key must be re-Added, which this treats as a fresh Add).
//   - any reason followed by Refresh: Refresh never changes identity or
//     value (I4), so the prior record's reason and values are kept,
//     the refresh is a no-op next to a structural change already queued.
func (b *Builder[K, V]) Add(next Change[K, V]) {
	prior, exists := b.pending[next.Key]
	if !exists {
		b.pending[next.Key] = next
		b.order = append(b.order, next.Key)
		return
	}

	switch {
	case prior.Reason == Add && next.Reason == Remove:
		delete(b.pending, next.Key)
		b.removeFromOrder(next.Key)
		return
	case prior.Reason == Add && (next.Reason == Update || next.Reason == Refresh):
		b.pending[next.Key] = NewAdd[K, V](next.Key, next.Current.MustValue())
		return
	case prior.Reason == Update && next.Reason == Remove:
		b.pending[next.Key] = NewRemove[K, V](next.Key, prior.Previous.MustValue())
		return
	case next.Reason == Refresh:
		// I4: refresh never changes identity/value; an already-queued
		// structural change for this key wins.
		return
	default:
		b.pending[next.Key] = next
	}
}

func (b *Builder[K, V]) removeFromOrder(key K) {
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Build returns the accumulated ChangeSet in commit order, or ok=false if
// every pending record cancelled out (I1: an empty batch is never
// emitted).
func (b *Builder[K, V]) Build() (ChangeSet[K, V], bool) {
	if len(b.order) == 0 {
		return ChangeSet[K, V]{}, false
	}
	records := make([]Change[K, V], 0, len(b.order))
	for _, k := range b.order {
		if rec, ok := b.pending[k]; ok {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		warnEmpty("Builder.Build")
		return ChangeSet[K, V]{}, false
	}
	return NewChangeSet[K, V](records)
}

// Empty reports whether the builder currently holds no surviving records.
func (b *Builder[K, V]) Empty() bool { return len(b.order) == 0 }

// warnEmpty logs a contract violation (§7 kind 3) when a caller attempts
// to publish zero records; operators call this instead of silently
// forwarding nothing, per I1.
func warnEmpty(op string) {
	core.Warn("changeset: suppressed empty emission", zap.String("operator", op))
}
