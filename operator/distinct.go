package operator

import (
	"sync"

	"changeset"
)

// DistinctSelector projects a value to the distinct value tracked downstream.
type DistinctSelector[V any, D comparable] func(V) D

// Distinct emits a change set of distinct values of V -> D (§4.3.5),
// maintaining a reference count per distinct value: Add fires on a 0->1
// transition, Remove on a 1->0 transition. Generalises the teacher's
// cache/access_tracker.go decaying-counter bookkeeping from access
// frequency to plain membership reference counting.
type Distinct[K comparable, V any, D comparable] struct {
	upstream Upstream[K, V]
	selector DistinctSelector[V, D]

	mu        sync.Mutex
	distinctOf map[K]D // last-known distinct value per source key
	counts     map[D]int
	started    bool
	bc         *broadcaster[D, D]
}

// NewDistinct constructs a distinct operator.
func NewDistinct[K comparable, V any, D comparable](upstream Upstream[K, V], selector DistinctSelector[V, D]) *Distinct[K, V, D] {
	return &Distinct[K, V, D]{
		upstream:   upstream,
		selector:   selector,
		distinctOf: make(map[K]D),
		counts:     make(map[D]int),
		bc:         newBroadcaster[D, D](),
	}
}

func (d *Distinct[K, V, D]) ensureStarted() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	ch, _, err := d.upstream.Connect()
	d.mu.Unlock()
	if err != nil {
		logDropped("Distinct", "upstream connect failed")
		return
	}
	go d.pump(ch)
}

func (d *Distinct[K, V, D]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		d.mu.Lock()
		out := d.apply(cs)
		d.mu.Unlock()
		if out != nil {
			d.bc.publish(*out)
		} else {
			logDropped("Distinct", "reference count transition did not cross 0/1 boundary")
		}
	}
	d.bc.closeAll()
}

// apply must be called with d.mu held.
func (d *Distinct[K, V, D]) apply(cs changeset.ChangeSet[K, V]) *changeset.ChangeSet[D, D] {
	builder := changeset.NewBuilder[D, D]()
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			dv := d.selector(rec.Current.MustValue())
			d.distinctOf[rec.Key] = dv
			d.incref(dv, builder)
		case changeset.Update:
			newDV := d.selector(rec.Current.MustValue())
			oldDV, existed := d.distinctOf[rec.Key]
			if existed && oldDV == newDV {
				continue
			}
			if existed {
				d.decref(oldDV, builder)
			}
			d.distinctOf[rec.Key] = newDV
			d.incref(newDV, builder)
		case changeset.Remove:
			if dv, existed := d.distinctOf[rec.Key]; existed {
				delete(d.distinctOf, rec.Key)
				d.decref(dv, builder)
			}
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

func (d *Distinct[K, V, D]) incref(dv D, builder *changeset.Builder[D, D]) {
	d.counts[dv]++
	if d.counts[dv] == 1 {
		builder.Add(changeset.NewAdd[D, D](dv, dv))
	}
}

func (d *Distinct[K, V, D]) decref(dv D, builder *changeset.Builder[D, D]) {
	d.counts[dv]--
	if d.counts[dv] <= 0 {
		delete(d.counts, dv)
		builder.Add(changeset.NewRemove[D, D](dv, dv))
	}
}

// Connect implements Upstream.
func (d *Distinct[K, V, D]) Connect() (<-chan changeset.ChangeSet[D, D], func(), error) {
	snapshot := func() []changeset.Change[D, D] {
		out := make([]changeset.Change[D, D], 0, len(d.counts))
		for dv := range d.counts {
			out = append(out, changeset.NewAdd[D, D](dv, dv))
		}
		return out
	}
	return connectKeyed[D, D](&d.mu, d.ensureStarted, snapshot, d.bc)
}
