package operator

import (
	"sync"

	"changeset"
)

// ListFilterPolicy selects how ListFilter reports a predicate replacement
// or re-evaluate pulse (§4.3.1, list variant): CalculateDiff computes an
// index-stable per-item delta; ClearAndReplace discards the materialised
// view and rematerialises it in a single Clear+AddRange batch. Ordinary
// upstream structural changes (Add/Replace/Remove/Move/Refresh/Clear)
// always use the incremental per-record classification in the table in
// §4.3.1 regardless of policy; the policy only governs the reclassify-
// everything step.
type ListFilterPolicy int

const (
	// CalculateDiff emits the minimal set of Add/Remove records needed to
	// bring the filtered view in line with a reclassification.
	CalculateDiff ListFilterPolicy = iota
	// ClearAndReplace discards and rebuilds the entire filtered view on
	// every reclassification.
	ClearAndReplace
)

// ListFilter is the list-side analog of Filter/StatefulFilter (§4.3.1): it
// mirrors the full upstream sequence privately alongside a parallel
// pass/fail flag per position, and republishes only the items currently
// matching predicate, translating every upstream position into the
// filtered output's own index space.
type ListFilter[V any] struct {
	upstream    ListUpstream[V]
	policy      ListFilterPolicy
	predicateCh <-chan func(V) bool
	pulseCh     ReevaluateTrigger

	mu        sync.Mutex
	predicate func(V) bool
	source    []V
	passes    []bool
	started   bool
	bc        *indexedBroadcaster[V]
}

// NewListFilter constructs a list-side filter. predicateCh and pulseCh may
// each be nil; when both are nil the predicate never changes after
// construction and the operator behaves like the stateless keyed Filter.
func NewListFilter[V any](upstream ListUpstream[V], initial func(V) bool, predicateCh <-chan func(V) bool, pulseCh ReevaluateTrigger, policy ListFilterPolicy) *ListFilter[V] {
	return &ListFilter[V]{
		upstream:    upstream,
		policy:      policy,
		predicateCh: predicateCh,
		pulseCh:     pulseCh,
		predicate:   initial,
		bc:          newIndexedBroadcaster[V](),
	}
}

func (f *ListFilter[V]) ensureStarted() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	ch, _, err := f.upstream.Connect()
	f.mu.Unlock()
	if err != nil {
		logDropped("ListFilter", "upstream connect failed")
		return
	}
	go f.pumpUpstream(ch)
	if f.predicateCh != nil {
		go f.pumpPredicate()
	}
	if f.pulseCh != nil {
		go f.pumpPulse()
	}
}

func (f *ListFilter[V]) pumpUpstream(ch <-chan changeset.IndexedChangeSet[V]) {
	for cs := range ch {
		f.mu.Lock()
		out := f.applyUpstream(cs)
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		} else {
			logDropped("ListFilter", "all records dropped by predicate")
		}
	}
	f.bc.closeAll()
}

// countTrue counts the true entries in passes[:n].
func countTrue(passes []bool, n int) int {
	c := 0
	for _, p := range passes[:n] {
		if p {
			c++
		}
	}
	return c
}

// applyUpstream must be called with f.mu held; it mutates source/passes
// to mirror the upstream edit and returns the minimal downstream delta.
func (f *ListFilter[V]) applyUpstream(cs changeset.IndexedChangeSet[V]) *changeset.IndexedChangeSet[V] {
	builder := changeset.NewIndexedBuilder[V]()
	for _, rec := range cs.Records() {
		f.classify(builder, rec)
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

func (f *ListFilter[V]) classify(builder *changeset.IndexedBuilder[V], rec changeset.IndexedChange[V]) {
	switch rec.Reason {
	case changeset.ListAdd:
		f.insertAt(builder, rec.Index, rec.Item)
	case changeset.ListAddRange:
		for i, item := range rec.Items {
			f.insertAt(builder, rec.Index+i, item)
		}
	case changeset.ListReplace:
		old := f.source[rec.Index]
		wasPass := f.passes[rec.Index]
		cur := rec.Item
		nowPass := f.predicate(cur)
		ds := countTrue(f.passes, rec.Index)
		f.source[rec.Index] = cur
		f.passes[rec.Index] = nowPass
		switch {
		case nowPass && wasPass:
			builder.Add(changeset.NewIndexedReplace(ds, cur))
		case nowPass && !wasPass:
			builder.Add(changeset.NewIndexedAdd(ds, cur))
		case !nowPass && wasPass:
			builder.Add(changeset.NewIndexedRemove(ds, old))
		}
	case changeset.ListRemove:
		f.removeAt(builder, rec.Index)
	case changeset.ListRemoveRange:
		for range rec.Items {
			f.removeAt(builder, rec.Index)
		}
	case changeset.ListMoved:
		f.move(builder, rec.PreviousIndex.MustValue(), rec.Index, rec.Item)
	case changeset.ListRefresh:
		old := f.source[rec.Index]
		wasPass := f.passes[rec.Index]
		cur := rec.Item
		nowPass := f.predicate(cur)
		ds := countTrue(f.passes, rec.Index)
		f.source[rec.Index] = cur
		f.passes[rec.Index] = nowPass
		switch {
		case nowPass && wasPass:
			builder.Add(changeset.NewIndexedRefresh(ds, cur))
		case nowPass && !wasPass:
			builder.Add(changeset.NewIndexedAdd(ds, cur))
		case !nowPass && wasPass:
			builder.Add(changeset.NewIndexedRemove(ds, old))
		}
	case changeset.ListClear:
		visible := make([]V, 0, len(f.source))
		for i, v := range f.source {
			if f.passes[i] {
				visible = append(visible, v)
			}
		}
		f.source = nil
		f.passes = nil
		if len(visible) > 0 {
			builder.Add(changeset.NewIndexedClear(visible))
		}
	}
}

func (f *ListFilter[V]) insertAt(builder *changeset.IndexedBuilder[V], index int, item V) {
	pass := f.predicate(item)
	ds := countTrue(f.passes, index)
	f.source = append(f.source, item)
	copy(f.source[index+1:], f.source[index:])
	f.source[index] = item
	f.passes = append(f.passes, false)
	copy(f.passes[index+1:], f.passes[index:])
	f.passes[index] = pass
	if pass {
		builder.Add(changeset.NewIndexedAdd(ds, item))
	}
}

func (f *ListFilter[V]) removeAt(builder *changeset.IndexedBuilder[V], index int) {
	old := f.source[index]
	wasPass := f.passes[index]
	ds := countTrue(f.passes, index)
	f.source = append(f.source[:index], f.source[index+1:]...)
	f.passes = append(f.passes[:index], f.passes[index+1:]...)
	if wasPass {
		builder.Add(changeset.NewIndexedRemove(ds, old))
	}
}

// move mirrors source.List's own Move bookkeeping (§4.2): toIndex is
// already the item's desired index in the post-removal, final-length
// array, so it is used directly as the splice position once fromIndex
// has been removed.
func (f *ListFilter[V]) move(builder *changeset.IndexedBuilder[V], fromIndex, toIndex int, item V) {
	pass := f.passes[fromIndex]
	dsOld := countTrue(f.passes, fromIndex)

	f.source = append(f.source[:fromIndex], f.source[fromIndex+1:]...)
	f.passes = append(f.passes[:fromIndex], f.passes[fromIndex+1:]...)

	dest := toIndex

	dsNew := countTrue(f.passes, dest)

	f.source = append(f.source, item)
	copy(f.source[dest+1:], f.source[dest:])
	f.source[dest] = item
	f.passes = append(f.passes, false)
	copy(f.passes[dest+1:], f.passes[dest:])
	f.passes[dest] = pass

	if pass && dsOld != dsNew {
		builder.Add(changeset.NewIndexedMoved(dsOld, dsNew, item))
	}
}

func (f *ListFilter[V]) pumpPredicate() {
	for next := range f.predicateCh {
		f.mu.Lock()
		f.predicate = next
		out := f.reclassifyAll()
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		}
	}
}

func (f *ListFilter[V]) pumpPulse() {
	for range f.pulseCh {
		f.mu.Lock()
		out := f.reclassifyAll()
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		}
	}
}

// reclassifyAll must be called with f.mu held; it re-applies f.predicate
// to every item currently known and emits the batch the configured
// policy calls for.
func (f *ListFilter[V]) reclassifyAll() *changeset.IndexedChangeSet[V] {
	if f.policy == ClearAndReplace {
		return f.reclassifyClearAndReplace()
	}
	return f.reclassifyDiff()
}

func (f *ListFilter[V]) reclassifyClearAndReplace() *changeset.IndexedChangeSet[V] {
	var removed, kept []V
	for i, v := range f.source {
		if f.passes[i] {
			removed = append(removed, v)
		}
	}
	for i, v := range f.source {
		pass := f.predicate(v)
		f.passes[i] = pass
		if pass {
			kept = append(kept, v)
		}
	}
	builder := changeset.NewIndexedBuilder[V]()
	if len(removed) > 0 {
		builder.Add(changeset.NewIndexedClear(removed))
	}
	if len(kept) > 0 {
		builder.Add(changeset.NewIndexedAddRange(0, kept))
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// reclassifyDiff computes the minimal Add/Remove set across the whole
// collection in two passes: first every item that stopped matching is
// removed, walked in original order so each removal's downstream index
// accounts for removals already applied earlier in this same pass; then
// every item that newly matches is inserted at its final downstream
// position, walked in original order tracking how many items before it
// remain (or were just inserted).
func (f *ListFilter[V]) reclassifyDiff() *changeset.IndexedChangeSet[V] {
	builder := changeset.NewIndexedBuilder[V]()
	newPass := make([]bool, len(f.source))
	for i, v := range f.source {
		newPass[i] = f.predicate(v)
	}

	removedSoFar := 0
	for i, v := range f.source {
		if f.passes[i] && !newPass[i] {
			ds := countTrue(f.passes, i) - removedSoFar
			builder.Add(changeset.NewIndexedRemove(ds, v))
			removedSoFar++
		}
	}

	ds := 0
	for i, v := range f.source {
		if newPass[i] {
			if !f.passes[i] {
				builder.Add(changeset.NewIndexedAdd(ds, v))
			}
			ds++
		}
	}

	f.passes = newPass
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements ListUpstream.
func (f *ListFilter[V]) Connect() (<-chan changeset.IndexedChangeSet[V], func(), error) {
	snapshot := func() []V {
		out := make([]V, 0, len(f.source))
		for i, v := range f.source {
			if f.passes[i] {
				out = append(out, v)
			}
		}
		return out
	}
	return connectIndexed[V](&f.mu, f.ensureStarted, snapshot, f.bc)
}
