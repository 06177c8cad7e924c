// Package testaggregator collects change sets from a stream under test and
// maintains a running summary, for the property-based scenarios in
// spec.md §8 (P1-P8). It is grounded on the teacher's own test-harness
// channel-draining style (storage_cache_test.go/benchmark_test.go:
// "for ev := range ch { collected = append(...) }" under a mutex), lifted
// out of individual tests into a reusable collector.
package testaggregator

import (
	"sync"

	"changeset"
)

// Upstream is satisfied by any source or operator producing a keyed
// ChangeSet stream.
type Upstream[K comparable, V any] interface {
	Connect() (<-chan changeset.ChangeSet[K, V], func(), error)
}

// Recorder accumulates every ChangeSet observed on a stream along with a
// running summary of counts, so property tests can assert on totals
// without re-deriving them from the raw record log.
type Recorder[K comparable, V any] struct {
	mu      sync.Mutex
	batches []changeset.ChangeSet[K, V]
	summary changeset.Counts
}

// NewRecorder constructs an empty recorder.
func NewRecorder[K comparable, V any]() *Recorder[K, V] {
	return &Recorder[K, V]{}
}

// Attach subscribes to upstream and records every batch until upstream
// closes or the returned cancel is called. Attach may be called more than
// once on distinct upstreams to merge multiple streams into one recorder,
// though in that case Batches() order reflects interleaving, not any
// single stream's commit order.
func (r *Recorder[K, V]) Attach(upstream Upstream[K, V]) (cancel func(), err error) {
	ch, cancelUp, err := upstream.Connect()
	if err != nil {
		return nil, err
	}
	go func() {
		for cs := range ch {
			r.record(cs)
		}
	}()
	return cancelUp, nil
}

func (r *Recorder[K, V]) record(cs changeset.ChangeSet[K, V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, cs)
	counts := cs.Counts()
	r.summary.Adds += counts.Adds
	r.summary.Updates += counts.Updates
	r.summary.Removes += counts.Removes
	r.summary.Refreshes += counts.Refreshes
	r.summary.Moves += counts.Moves
	r.summary.RangeCount += counts.RangeCount
	r.summary.Total += counts.Total
}

// Batches returns every ChangeSet recorded so far, in arrival order.
func (r *Recorder[K, V]) Batches() []changeset.ChangeSet[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]changeset.ChangeSet[K, V], len(r.batches))
	copy(out, r.batches)
	return out
}

// Summary returns the running totals across every recorded batch.
func (r *Recorder[K, V]) Summary() changeset.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Records flattens every recorded batch into one ordered slice of raw
// change records, useful for asserting on an exact per-key sequence (P1:
// initial-batch content, P3: state equivalence after folding).
func (r *Recorder[K, V]) Records() []changeset.Change[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []changeset.Change[K, V]
	for _, cs := range r.batches {
		out = append(out, cs.Records()...)
	}
	return out
}

// Fold replays every recorded record onto an empty map, reproducing the
// materialised state the stream describes (P3: state equivalence).
func (r *Recorder[K, V]) Fold() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[K]V)
	for _, cs := range r.batches {
		for _, rec := range cs.Records() {
			switch rec.Reason {
			case changeset.Add, changeset.Update, changeset.Refresh:
				out[rec.Key] = rec.Current.MustValue()
			case changeset.Remove:
				delete(out, rec.Key)
			}
		}
	}
	return out
}

// Reset clears all recorded batches and the running summary, without
// detaching any Attach subscription.
func (r *Recorder[K, V]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
	r.summary = changeset.Counts{}
}
