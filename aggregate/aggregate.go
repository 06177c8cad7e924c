// Package aggregate implements the incremental reduction kernel (C6):
// scalar aggregates over a keyed ChangeSet stream. Sum, Count, Average and
// StdDev update in O(1) per incoming change from running bookkeeping (sum,
// Welford mean and squared deviations, and a count) rather than
// re-scanning the collection; Min and Max scan the tracked values on each
// recomputation (see scan).
package aggregate

import (
	"math"
	"sync"

	"changeset"
)

// Selector projects a value to the numeric field being aggregated.
type Selector[V any] func(V) float64

// Upstream is satisfied by any source or operator producing a keyed
// ChangeSet stream, matching operator.Upstream's shape without importing
// package operator (an aggregate consumes a stream, it does not produce
// one downstream of operator, so there is no cycle risk, but keeping the
// interface local avoids coupling this package's public API to another
// package's type identity).
type Upstream[K comparable, V any] interface {
	Connect() (<-chan changeset.ChangeSet[K, V], func(), error)
}

// running holds the Welford-style incremental moments shared by every
// aggregate below, generalising the teacher's access_tracker.go decaying-
// counter technique from an access-frequency count to arbitrary numeric
// reduction.
type running struct {
	count int
	mean  float64 // running mean, for numerically stable variance (Welford)
	m2    float64 // sum of squared deviations from the running mean
	sum   float64
}

func (r *running) add(x float64) {
	r.count++
	r.sum += x
	delta := x - r.mean
	r.mean += delta / float64(r.count)
	delta2 := x - r.mean
	r.m2 += delta * delta2
}

func (r *running) remove(x float64) {
	if r.count == 0 {
		return
	}
	if r.count == 1 {
		*r = running{}
		return
	}
	n := float64(r.count)
	newMean := (r.mean*n - x) / (n - 1)
	r.m2 -= (x - r.mean) * (x - newMean)
	r.mean = newMean
	r.sum -= x
	r.count--
}

func (r *running) variance() float64 {
	if r.count < 2 {
		return 0
	}
	return r.m2 / float64(r.count-1)
}

// Reduction is a live scalar aggregate over a keyed stream. Value()
// returns the current aggregate value; Changes() delivers an updated value
// each time the upstream changes it (not a ChangeSet — a plain scalar
// stream, per SPEC_FULL.md §6).
type Reduction[K comparable, V any] struct {
	upstream Upstream[K, V]
	selector Selector[V]
	kind     Kind

	mu       sync.Mutex
	values   map[K]float64
	stats    running
	started  bool
	subs     map[int64]chan float64
	nextSub  int64
}

// Kind selects which scalar the Reduction computes from its bookkeeping.
type Kind int

const (
	Sum Kind = iota
	Min
	Max
	Average
	Count
	StdDev
)

// NewReduction constructs an incremental aggregate of the given kind over
// selector(value) for every item in upstream.
func NewReduction[K comparable, V any](upstream Upstream[K, V], selector Selector[V], kind Kind) *Reduction[K, V] {
	return &Reduction[K, V]{
		upstream: upstream,
		selector: selector,
		kind:     kind,
		values:   make(map[K]float64),
		subs:     make(map[int64]chan float64),
	}
}

func (r *Reduction[K, V]) ensureStarted() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	ch, _, err := r.upstream.Connect()
	r.mu.Unlock()
	if err != nil {
		return
	}
	go r.pump(ch)
}

func (r *Reduction[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		r.mu.Lock()
		for _, rec := range cs.Records() {
			r.apply(rec)
		}
		val := r.compute()
		r.mu.Unlock()
		r.broadcast(val)
	}
	r.mu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()
}

// apply must be called with r.mu held.
func (r *Reduction[K, V]) apply(rec changeset.Change[K, V]) {
	switch rec.Reason {
	case changeset.Add:
		x := r.selector(rec.Current.MustValue())
		r.values[rec.Key] = x
		r.stats.add(x)
	case changeset.Update, changeset.Refresh:
		x := r.selector(rec.Current.MustValue())
		if old, existed := r.values[rec.Key]; existed {
			r.stats.remove(old)
		}
		r.values[rec.Key] = x
		r.stats.add(x)
	case changeset.Remove:
		if old, existed := r.values[rec.Key]; existed {
			r.stats.remove(old)
			delete(r.values, rec.Key)
		}
	}
}

// compute must be called with r.mu held.
func (r *Reduction[K, V]) compute() float64 {
	switch r.kind {
	case Sum:
		return r.stats.sum
	case Count:
		return float64(r.stats.count)
	case Average:
		if r.stats.count == 0 {
			return 0
		}
		return r.stats.sum / float64(r.stats.count)
	case StdDev:
		return math.Sqrt(r.stats.variance())
	case Min:
		return r.scan(func(a, b float64) bool { return a < b })
	case Max:
		return r.scan(func(a, b float64) bool { return a > b })
	}
	return 0
}

// scan must be called with r.mu held; Min/Max are not incrementally
// maintainable in O(1) without an order-statistics structure the way
// sum/count/variance are (removing the current min requires knowing the
// next-smallest value), so they fall back to an O(n) scan over the
// currently-tracked values. This is the one place this package departs
// from pure O(1)-per-change bookkeeping; n is the aggregate's own
// membership, not the full upstream collection upstream of any filter.
func (r *Reduction[K, V]) scan(better func(a, b float64) bool) float64 {
	first := true
	var best float64
	for _, v := range r.values {
		if first || better(v, best) {
			best = v
			first = false
		}
	}
	return best
}

func (r *Reduction[K, V]) broadcast(val float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- val:
		default:
		}
	}
}

// Value returns the current aggregate value without subscribing.
func (r *Reduction[K, V]) Value() float64 {
	r.ensureStarted()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compute()
}

// Changes returns a stream of updated scalar values, delivering the
// current value immediately and then on every subsequent recomputation.
// The buffered channel holds the latest value only; a slow consumer drops
// intermediate values rather than blocking the aggregate pump.
func (r *Reduction[K, V]) Changes() (<-chan float64, func()) {
	r.ensureStarted()
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	ch := make(chan float64, 1)
	r.subs[id] = ch
	current := r.compute()
	r.mu.Unlock()

	ch <- current
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}
