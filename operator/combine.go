package operator

import (
	"sync"

	"changeset"
)

// CombineOp selects the combinator semantics (§4.3.7).
type CombineOp int

const (
	// CombineAnd keeps a key present in every source (set intersection).
	CombineAnd CombineOp = iota
	// CombineOr keeps a key present in at least one source (set union).
	CombineOr
	// CombineXor keeps a key present in exactly one source.
	CombineXor
	// CombineExcept keeps keys present in the first source and absent from
	// every other source.
	CombineExcept
)

type combineSourceHandle[K comparable, V any] struct {
	cancel func()
}

// Combine merges N keyed change-set streams with and/or/xor/except
// semantics, maintaining per-source reference counts and emitting the
// minimal delta to keep the merged view consistent (§4.3.7). Sources can
// be added and removed at runtime via AddSource/RemoveSource.
type Combine[K comparable, V any] struct {
	op CombineOp

	mu         sync.Mutex
	presence   map[K]map[int]V // key -> set of source indices currently holding it, with last-seen value
	emitted    map[K]struct{}
	sources    map[int]*combineSourceHandle[K, V]
	nextSource int
	started    bool
	bc         *broadcaster[K, V]
}

// NewCombine constructs an empty combinator; sources are attached with
// AddSource.
func NewCombine[K comparable, V any](op CombineOp) *Combine[K, V] {
	return &Combine[K, V]{
		op:       op,
		presence: make(map[K]map[int]V),
		emitted:  make(map[K]struct{}),
		sources:  make(map[int]*combineSourceHandle[K, V]),
		bc:       newBroadcaster[K, V](),
	}
}

// AddSource attaches a new upstream at runtime; sourceIndex 0 is
// significant only for CombineExcept, where it is the "primary" source.
func (c *Combine[K, V]) AddSource(upstream Upstream[K, V]) (sourceIndex int, err error) {
	ch, cancel, err := upstream.Connect()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	idx := c.nextSource
	c.nextSource++
	c.sources[idx] = &combineSourceHandle[K, V]{cancel: cancel}
	c.mu.Unlock()

	go c.pump(idx, ch)
	return idx, nil
}

// RemoveSource detaches a source, removing its contributed membership from
// the merged view and emitting whatever delta that implies.
func (c *Combine[K, V]) RemoveSource(sourceIndex int) {
	c.mu.Lock()
	handle, ok := c.sources[sourceIndex]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sources, sourceIndex)
	builder := changeset.NewBuilder[K, V]()
	for key, bySource := range c.presence {
		if _, present := bySource[sourceIndex]; present {
			delete(bySource, sourceIndex)
			if len(bySource) == 0 {
				delete(c.presence, key)
			}
			c.reconcile(key, builder)
		}
	}
	out, hasOut := builder.Build()
	c.mu.Unlock()

	handle.cancel()
	if hasOut {
		c.bc.publish(out)
	}
}

func (c *Combine[K, V]) pump(sourceIndex int, ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		c.mu.Lock()
		builder := changeset.NewBuilder[K, V]()
		for _, rec := range cs.Records() {
			c.applyRecord(sourceIndex, rec, builder)
		}
		out, ok := builder.Build()
		c.mu.Unlock()
		if ok {
			c.bc.publish(out)
		}
	}
}

// applyRecord must be called with c.mu held.
func (c *Combine[K, V]) applyRecord(sourceIndex int, rec changeset.Change[K, V], builder *changeset.Builder[K, V]) {
	switch rec.Reason {
	case changeset.Add, changeset.Update, changeset.Refresh:
		v := rec.Current.MustValue()
		bySource, ok := c.presence[rec.Key]
		if !ok {
			bySource = make(map[int]V)
			c.presence[rec.Key] = bySource
		}
		bySource[sourceIndex] = v
	case changeset.Remove:
		if bySource, ok := c.presence[rec.Key]; ok {
			delete(bySource, sourceIndex)
			if len(bySource) == 0 {
				delete(c.presence, rec.Key)
			}
		}
	}
	c.reconcile(rec.Key, builder)
}

// reconcile must be called with c.mu held; recomputes whether rec.Key
// should be present downstream under c.op and emits the transition.
func (c *Combine[K, V]) reconcile(key K, builder *changeset.Builder[K, V]) {
	bySource := c.presence[key]
	count := len(bySource)
	_, primaryPresent := bySource[0]

	var shouldEmit bool
	switch c.op {
	case CombineAnd:
		shouldEmit = count == len(c.sources) && count > 0
	case CombineOr:
		shouldEmit = count > 0
	case CombineXor:
		shouldEmit = count == 1
	case CombineExcept:
		shouldEmit = primaryPresent && count == 1
	}

	_, wasEmitted := c.emitted[key]
	switch {
	case shouldEmit && !wasEmitted:
		c.emitted[key] = struct{}{}
		builder.Add(changeset.NewAdd[K, V](key, c.latestValue(bySource)))
	case shouldEmit && wasEmitted:
		builder.Add(changeset.NewUpdate[K, V](key, c.latestValue(bySource), c.latestValue(bySource)))
	case !shouldEmit && wasEmitted:
		delete(c.emitted, key)
		builder.Add(changeset.NewRemove[K, V](key, c.latestValue(bySource)))
	}
}

func (c *Combine[K, V]) latestValue(bySource map[int]V) V {
	var v V
	for _, val := range bySource {
		v = val
	}
	return v
}

// Connect implements Upstream.
func (c *Combine[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] {
		out := make([]changeset.Change[K, V], 0, len(c.emitted))
		for key := range c.emitted {
			out = append(out, changeset.NewAdd[K, V](key, c.latestValue(c.presence[key])))
		}
		return out
	}
	return connectKeyed[K, V](&c.mu, func() {}, snapshot, c.bc)
}
