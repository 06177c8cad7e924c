package operator

import (
	"sync"

	"changeset"
	"changeset/core"

	"go.uber.org/zap"
)

// TransformFunc projects a source item to a destination item.
type TransformFunc[V, D any] func(V) (D, error)

// Transform maintains an internal key -> {source, destination} mapping
// (§4.3.2). Add/Update apply the user function and emit the corresponding
// change; Remove drops the entry and emits Remove; Refresh re-applies the
// function and emits Update. Errors from fn are fatal to the stream
// (terminate pump) unless an error handler is supplied — see
// NewTransformSafe.
type Transform[K comparable, V, D any] struct {
	upstream Upstream[K, V]
	fn       TransformFunc[V, D]
	onError  func(key K, err error) // nil => fatal

	mu       sync.Mutex
	source   map[K]V
	dest     map[K]D
	started  bool
	bc       *broadcaster[K, D]
	fatalErr error

	forceCh <-chan func(V) bool
}

// NewTransform constructs a keyed transform operator. fn must not mutate
// its argument (operators borrow items, never own them, §5).
func NewTransform[K comparable, V, D any](upstream Upstream[K, V], fn TransformFunc[V, D]) *Transform[K, V, D] {
	return &Transform[K, V, D]{
		upstream: upstream,
		fn:       fn,
		source:   make(map[K]V),
		dest:     make(map[K]D),
		bc:       newBroadcaster[K, D](),
	}
}

// NewTransformSafe constructs a keyed transform whose fn errors are routed
// to onError instead of terminating the stream (§4.3.2 transform-safe,
// §7 kind 1).
func NewTransformSafe[K comparable, V, D any](upstream Upstream[K, V], fn TransformFunc[V, D], onError func(key K, err error)) *Transform[K, V, D] {
	t := NewTransform[K, V, D](upstream, fn)
	t.onError = onError
	return t
}

// WithForceTrigger attaches a force-transform pulse stream: each value
// received is a predicate selecting which currently-held keys to
// re-transform; passing a predicate that always returns true re-runs fn
// over every item (§4.3.2's "bare pulse" case).
func (t *Transform[K, V, D]) WithForceTrigger(ch <-chan func(V) bool) *Transform[K, V, D] {
	t.forceCh = ch
	return t
}

func (t *Transform[K, V, D]) ensureStarted() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ch, _, err := t.upstream.Connect()
	t.mu.Unlock()
	if err != nil {
		logDropped("Transform", "upstream connect failed")
		return
	}
	go t.pump(ch)
	if t.forceCh != nil {
		go t.pumpForce()
	}
}

func (t *Transform[K, V, D]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		t.mu.Lock()
		if t.fatalErr != nil {
			t.mu.Unlock()
			continue
		}
		out, fatal := t.apply(cs)
		t.mu.Unlock()
		if fatal != nil {
			t.fatalErr = fatal
			core.Error("operator: Transform terminating on user function error", zap.Error(fatal))
			t.bc.closeAll()
			return
		}
		if out != nil {
			t.bc.publish(*out)
		}
	}
	t.bc.closeAll()
}

func (t *Transform[K, V, D]) apply(cs changeset.ChangeSet[K, V]) (*changeset.ChangeSet[K, D], error) {
	builder := changeset.NewBuilder[K, D]()
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			d, err := t.fn(v)
			if err != nil {
				if t.onError == nil {
					return nil, err
				}
				t.onError(rec.Key, err)
				continue
			}
			t.source[rec.Key] = v
			t.dest[rec.Key] = d
			builder.Add(changeset.NewAdd[K, D](rec.Key, d))
		case changeset.Update:
			v := rec.Current.MustValue()
			d, err := t.fn(v)
			if err != nil {
				if t.onError == nil {
					return nil, err
				}
				t.onError(rec.Key, err)
				continue
			}
			prevDest, existed := t.dest[rec.Key]
			t.source[rec.Key] = v
			t.dest[rec.Key] = d
			if existed {
				builder.Add(changeset.NewUpdate[K, D](rec.Key, d, prevDest))
			} else {
				builder.Add(changeset.NewAdd[K, D](rec.Key, d))
			}
		case changeset.Remove:
			if prevDest, ok := t.dest[rec.Key]; ok {
				delete(t.source, rec.Key)
				delete(t.dest, rec.Key)
				builder.Add(changeset.NewRemove[K, D](rec.Key, prevDest))
			}
		case changeset.Refresh:
			v, ok := t.source[rec.Key]
			if !ok {
				continue
			}
			d, err := t.fn(v)
			if err != nil {
				if t.onError == nil {
					return nil, err
				}
				t.onError(rec.Key, err)
				continue
			}
			t.dest[rec.Key] = d
			builder.Add(changeset.NewUpdate[K, D](rec.Key, d, d))
		}
	}
	if out, ok := builder.Build(); ok {
		return &out, nil
	}
	return nil, nil
}

func (t *Transform[K, V, D]) pumpForce() {
	for pred := range t.forceCh {
		t.mu.Lock()
		out, fatal := t.forceReapply(pred)
		if fatal != nil {
			t.fatalErr = fatal
		}
		t.mu.Unlock()
		if fatal != nil {
			core.Error("operator: Transform terminating on user function error", zap.Error(fatal))
			t.bc.closeAll()
			return
		}
		if out != nil {
			t.bc.publish(*out)
		}
	}
}

func (t *Transform[K, V, D]) forceReapply(pred func(V) bool) (*changeset.ChangeSet[K, D], error) {
	builder := changeset.NewBuilder[K, D]()
	for key, v := range t.source {
		if !pred(v) {
			continue
		}
		d, err := t.fn(v)
		if err != nil {
			if t.onError == nil {
				return nil, err
			}
			t.onError(key, err)
			continue
		}
		t.dest[key] = d
		builder.Add(changeset.NewUpdate[K, D](key, d, d))
	}
	if out, ok := builder.Build(); ok {
		return &out, nil
	}
	return nil, nil
}

// Connect implements Upstream.
func (t *Transform[K, V, D]) Connect() (<-chan changeset.ChangeSet[K, D], func(), error) {
	snapshot := func() []changeset.Change[K, D] {
		out := make([]changeset.Change[K, D], 0, len(t.dest))
		for k, d := range t.dest {
			out = append(out, changeset.NewAdd[K, D](k, d))
		}
		return out
	}
	return connectKeyed[K, D](&t.mu, t.ensureStarted, snapshot, t.bc)
}
