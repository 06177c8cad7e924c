package operator

import (
	"context"
	"sync"

	"changeset"

	"golang.org/x/sync/errgroup"
)

// ParallelPredicate is a predicate evaluated concurrently across records in
// a batch (§5: "parallel variants invoke a parallel map internally and
// reassemble a change set before emitting").
type ParallelPredicate[V any] func(V) bool

// ParallelFilter is Filter's boundary-parallel sibling: the predicate is
// evaluated concurrently for every record in an incoming batch via an
// errgroup, then the batch is reassembled and classified exactly as Filter
// does (§4.3.1, §5). Useful when the predicate is expensive (e.g. an I/O
// or CPU-bound check) and records within one batch are independent.
type ParallelFilter[K comparable, V any] struct {
	upstream  Upstream[K, V]
	predicate ParallelPredicate[V]

	mu      sync.Mutex
	matched map[K]V
	started bool
	bc      *broadcaster[K, V]
}

// NewParallelFilter constructs a parallel-filter operator.
func NewParallelFilter[K comparable, V any](upstream Upstream[K, V], predicate ParallelPredicate[V]) *ParallelFilter[K, V] {
	return &ParallelFilter[K, V]{
		upstream:  upstream,
		predicate: predicate,
		matched:   make(map[K]V),
		bc:        newBroadcaster[K, V](),
	}
}

func (f *ParallelFilter[K, V]) ensureStarted() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	ch, _, err := f.upstream.Connect()
	f.mu.Unlock()
	if err != nil {
		logDropped("ParallelFilter", "upstream connect failed")
		return
	}
	go f.pump(ch)
}

func (f *ParallelFilter[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		results := f.evaluate(cs)
		f.mu.Lock()
		out := f.classifyAll(cs, results)
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		} else {
			logDropped("ParallelFilter", "all records dropped by predicate")
		}
	}
	f.bc.closeAll()
}

// evaluate runs the predicate concurrently over every Add/Update/Refresh
// record's current value, returning a result slice parallel to
// cs.Records(); entries for Remove records are left as the zero value
// (unused).
func (f *ParallelFilter[K, V]) evaluate(cs changeset.ChangeSet[K, V]) []bool {
	records := cs.Records()
	results := make([]bool, len(records))
	g, _ := errgroup.WithContext(context.Background())
	for i, rec := range records {
		i, rec := i, rec
		if rec.Reason == changeset.Remove {
			continue
		}
		g.Go(func() error {
			results[i] = f.predicate(rec.Current.MustValue())
			return nil
		})
	}
	_ = g.Wait() // predicate never returns an error; only used for goroutine fan-in
	return results
}

// classifyAll must be called with f.mu held; reuses Filter's exact
// reasoning (§4.3.1), consuming pre-computed predicate results instead of
// calling the predicate inline.
func (f *ParallelFilter[K, V]) classifyAll(cs changeset.ChangeSet[K, V], results []bool) *changeset.ChangeSet[K, V] {
	builder := changeset.NewBuilder[K, V]()
	for i, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			if results[i] {
				f.matched[rec.Key] = v
				builder.Add(changeset.NewAdd[K, V](rec.Key, v))
			}
		case changeset.Update:
			cur := rec.Current.MustValue()
			_, wasMatched := f.matched[rec.Key]
			switch {
			case results[i] && wasMatched:
				f.matched[rec.Key] = cur
				builder.Add(changeset.NewUpdate[K, V](rec.Key, cur, rec.Previous.MustValue()))
			case results[i] && !wasMatched:
				f.matched[rec.Key] = cur
				builder.Add(changeset.NewAdd[K, V](rec.Key, cur))
			case !results[i] && wasMatched:
				prev := f.matched[rec.Key]
				delete(f.matched, rec.Key)
				builder.Add(changeset.NewRemove[K, V](rec.Key, prev))
			}
		case changeset.Remove:
			if prev, ok := f.matched[rec.Key]; ok {
				delete(f.matched, rec.Key)
				builder.Add(changeset.NewRemove[K, V](rec.Key, prev))
			}
		case changeset.Refresh:
			v := rec.Current.MustValue()
			_, wasMatched := f.matched[rec.Key]
			switch {
			case results[i] && wasMatched:
				builder.Add(changeset.NewRefresh[K, V](rec.Key, v))
			case results[i] && !wasMatched:
				f.matched[rec.Key] = v
				builder.Add(changeset.NewAdd[K, V](rec.Key, v))
			case !results[i] && wasMatched:
				prev := f.matched[rec.Key]
				delete(f.matched, rec.Key)
				builder.Add(changeset.NewRemove[K, V](rec.Key, prev))
			}
		case changeset.Moved:
			if v, ok := f.matched[rec.Key]; ok {
				builder.Add(changeset.NewRefresh[K, V](rec.Key, v))
			}
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements Upstream.
func (f *ParallelFilter[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] {
		out := make([]changeset.Change[K, V], 0, len(f.matched))
		for k, v := range f.matched {
			out = append(out, changeset.NewAdd[K, V](k, v))
		}
		return out
	}
	return connectKeyed[K, V](&f.mu, f.ensureStarted, snapshot, f.bc)
}

// ParallelTransform is Transform's boundary-parallel sibling: fn is
// applied concurrently across every Add/Update/Refresh record in a batch
// via an errgroup (§4.3.2, §5), then results are reassembled in order.
// Unlike NewTransformSafe, a single fn error here is fatal — parallel
// evaluation order makes a partial-failure recovery policy ambiguous, so
// errors abort the whole batch via errgroup's first-error propagation.
type ParallelTransform[K comparable, V, D any] struct {
	upstream Upstream[K, V]
	fn       TransformFunc[V, D]

	mu       sync.Mutex
	source   map[K]V
	dest     map[K]D
	started  bool
	bc       *broadcaster[K, D]
	fatalErr error
}

// NewParallelTransform constructs a parallel-transform operator.
func NewParallelTransform[K comparable, V, D any](upstream Upstream[K, V], fn TransformFunc[V, D]) *ParallelTransform[K, V, D] {
	return &ParallelTransform[K, V, D]{
		upstream: upstream,
		fn:       fn,
		source:   make(map[K]V),
		dest:     make(map[K]D),
		bc:       newBroadcaster[K, D](),
	}
}

func (t *ParallelTransform[K, V, D]) ensureStarted() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ch, _, err := t.upstream.Connect()
	t.mu.Unlock()
	if err != nil {
		logDropped("ParallelTransform", "upstream connect failed")
		return
	}
	go t.pump(ch)
}

func (t *ParallelTransform[K, V, D]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		t.mu.Lock()
		if t.fatalErr != nil {
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		results, err := t.evaluate(cs)
		if err != nil {
			t.mu.Lock()
			t.fatalErr = err
			t.mu.Unlock()
			t.bc.closeAll()
			return
		}

		t.mu.Lock()
		out := t.reassemble(cs, results)
		t.mu.Unlock()
		if out != nil {
			t.bc.publish(*out)
		}
	}
	t.bc.closeAll()
}

func (t *ParallelTransform[K, V, D]) evaluate(cs changeset.ChangeSet[K, V]) ([]D, error) {
	records := cs.Records()
	results := make([]D, len(records))
	g, _ := errgroup.WithContext(context.Background())
	for i, rec := range records {
		i, rec := i, rec
		if rec.Reason == changeset.Remove {
			continue
		}
		g.Go(func() error {
			d, err := t.fn(rec.Current.MustValue())
			if err != nil {
				return err
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// reassemble must be called with t.mu held.
func (t *ParallelTransform[K, V, D]) reassemble(cs changeset.ChangeSet[K, V], results []D) *changeset.ChangeSet[K, D] {
	builder := changeset.NewBuilder[K, D]()
	for i, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			t.source[rec.Key] = rec.Current.MustValue()
			t.dest[rec.Key] = results[i]
			builder.Add(changeset.NewAdd[K, D](rec.Key, results[i]))
		case changeset.Update:
			prevDest, existed := t.dest[rec.Key]
			t.source[rec.Key] = rec.Current.MustValue()
			t.dest[rec.Key] = results[i]
			if existed {
				builder.Add(changeset.NewUpdate[K, D](rec.Key, results[i], prevDest))
			} else {
				builder.Add(changeset.NewAdd[K, D](rec.Key, results[i]))
			}
		case changeset.Remove:
			if prevDest, ok := t.dest[rec.Key]; ok {
				delete(t.source, rec.Key)
				delete(t.dest, rec.Key)
				builder.Add(changeset.NewRemove[K, D](rec.Key, prevDest))
			}
		case changeset.Refresh:
			t.dest[rec.Key] = results[i]
			builder.Add(changeset.NewUpdate[K, D](rec.Key, results[i], results[i]))
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements Upstream.
func (t *ParallelTransform[K, V, D]) Connect() (<-chan changeset.ChangeSet[K, D], func(), error) {
	snapshot := func() []changeset.Change[K, D] {
		out := make([]changeset.Change[K, D], 0, len(t.dest))
		for k, d := range t.dest {
			out = append(out, changeset.NewAdd[K, D](k, d))
		}
		return out
	}
	return connectKeyed[K, D](&t.mu, t.ensureStarted, snapshot, t.bc)
}
