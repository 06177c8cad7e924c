package operator

import (
	"sync"

	"changeset"
)

// Filter is the stateless form (§4.3.1): a predicate that is a pure
// function of item content. Each upstream record is reclassified per the
// truth table in spec §4.3.1.
type Filter[K comparable, V any] struct {
	upstream  Upstream[K, V]
	predicate func(V) bool

	mu       sync.Mutex
	matched  map[K]V
	started  bool
	cancelUp func()
	bc       *broadcaster[K, V]
}

// NewFilter constructs a stateless filter operator.
func NewFilter[K comparable, V any](upstream Upstream[K, V], predicate func(V) bool) *Filter[K, V] {
	return &Filter[K, V]{
		upstream:  upstream,
		predicate: predicate,
		matched:   make(map[K]V),
		bc:        newBroadcaster[K, V](),
	}
}

func (f *Filter[K, V]) ensureStarted() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	ch, cancel, err := f.upstream.Connect()
	f.cancelUp = cancel
	f.mu.Unlock()
	if err != nil {
		logDropped("Filter", "upstream connect failed")
		return
	}
	go f.pump(ch)
}

func (f *Filter[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		f.mu.Lock()
		out := f.apply(cs)
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		} else {
			logDropped("Filter", "all records dropped by predicate")
		}
	}
	f.bc.closeAll()
}

// apply must be called with f.mu held.
func (f *Filter[K, V]) apply(cs changeset.ChangeSet[K, V]) *changeset.ChangeSet[K, V] {
	builder := changeset.NewBuilder[K, V]()
	for _, rec := range cs.Records() {
		f.classify(builder, rec)
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

func (f *Filter[K, V]) classify(builder *changeset.Builder[K, V], rec changeset.Change[K, V]) {
	switch rec.Reason {
	case changeset.Add:
		v := rec.Current.MustValue()
		if f.predicate(v) {
			f.matched[rec.Key] = v
			builder.Add(changeset.NewAdd[K, V](rec.Key, v))
		}
	case changeset.Update:
		cur := rec.Current.MustValue()
		_, wasMatched := f.matched[rec.Key]
		nowMatches := f.predicate(cur)
		switch {
		case nowMatches && wasMatched:
			f.matched[rec.Key] = cur
			builder.Add(changeset.NewUpdate[K, V](rec.Key, cur, rec.Previous.MustValue()))
		case nowMatches && !wasMatched:
			f.matched[rec.Key] = cur
			builder.Add(changeset.NewAdd[K, V](rec.Key, cur))
		case !nowMatches && wasMatched:
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
		nowMatches := f.predicate(v)
		switch {
		case nowMatches && wasMatched:
			builder.Add(changeset.NewRefresh[K, V](rec.Key, v))
		case nowMatches && !wasMatched:
			f.matched[rec.Key] = v
			builder.Add(changeset.NewAdd[K, V](rec.Key, v))
		case !nowMatches && wasMatched:
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

// Connect implements Upstream.
func (f *Filter[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] {
		out := make([]changeset.Change[K, V], 0, len(f.matched))
		for k, v := range f.matched {
			out = append(out, changeset.NewAdd[K, V](k, v))
		}
		return out
	}
	return connectKeyed[K, V](&f.mu, f.ensureStarted, snapshot, f.bc)
}

// ReevaluateTrigger is a pulse channel used by StatefulFilter to signal
// "re-apply the predicate to everything without replacing it" (§4.3.1).
type ReevaluateTrigger <-chan struct{}

// StatefulFilter accepts a dynamic predicate stream and/or a re-evaluate
// pulse stream (§4.3.1). On a predicate change, every item in memory is
// reclassified and the minimal transition set emitted. On a re-evaluate
// pulse, the current predicate is re-applied to every item without being
// replaced.
type StatefulFilter[K comparable, V any] struct {
	upstream Upstream[K, V]

	mu        sync.Mutex
	predicate func(V) bool
	all       map[K]V // every item currently upstream, matched or not
	matched   map[K]V
	started   bool
	bc        *broadcaster[K, V]

	predicateCh <-chan func(V) bool
	pulseCh     ReevaluateTrigger
}

// NewStatefulFilter constructs a stateful filter with an initial
// predicate. predicateCh and pulseCh may each be nil.
func NewStatefulFilter[K comparable, V any](upstream Upstream[K, V], initial func(V) bool, predicateCh <-chan func(V) bool, pulseCh ReevaluateTrigger) *StatefulFilter[K, V] {
	return &StatefulFilter[K, V]{
		upstream:    upstream,
		predicate:   initial,
		all:         make(map[K]V),
		matched:     make(map[K]V),
		bc:          newBroadcaster[K, V](),
		predicateCh: predicateCh,
		pulseCh:     pulseCh,
	}
}

func (f *StatefulFilter[K, V]) ensureStarted() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	ch, _, err := f.upstream.Connect()
	f.mu.Unlock()
	if err != nil {
		logDropped("StatefulFilter", "upstream connect failed")
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

func (f *StatefulFilter[K, V]) pumpUpstream(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		f.mu.Lock()
		out := f.applyUpstream(cs)
		f.mu.Unlock()
		if out != nil {
			f.bc.publish(*out)
		}
	}
}

func (f *StatefulFilter[K, V]) applyUpstream(cs changeset.ChangeSet[K, V]) *changeset.ChangeSet[K, V] {
	builder := changeset.NewBuilder[K, V]()
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			f.all[rec.Key] = v
			if f.predicate(v) {
				f.matched[rec.Key] = v
				builder.Add(changeset.NewAdd[K, V](rec.Key, v))
			}
		case changeset.Update:
			cur := rec.Current.MustValue()
			f.all[rec.Key] = cur
			_, wasMatched := f.matched[rec.Key]
			nowMatches := f.predicate(cur)
			f.emitTransition(builder, rec.Key, cur, rec.Previous, wasMatched, nowMatches, changeset.Update)
		case changeset.Remove:
			delete(f.all, rec.Key)
			if prev, ok := f.matched[rec.Key]; ok {
				delete(f.matched, rec.Key)
				builder.Add(changeset.NewRemove[K, V](rec.Key, prev))
			}
		case changeset.Refresh:
			v := rec.Current.MustValue()
			f.all[rec.Key] = v
			_, wasMatched := f.matched[rec.Key]
			nowMatches := f.predicate(v)
			f.emitTransition(builder, rec.Key, v, rec.Previous, wasMatched, nowMatches, changeset.Refresh)
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

func (f *StatefulFilter[K, V]) emitTransition(builder *changeset.Builder[K, V], key K, cur V, previous changeset.Optional[V], wasMatched, nowMatches bool, upstreamReason changeset.Reason) {
	switch {
	case nowMatches && wasMatched:
		f.matched[key] = cur
		if upstreamReason == changeset.Refresh {
			builder.Add(changeset.NewRefresh[K, V](key, cur))
		} else if prev, ok := previous.Value(); ok {
			builder.Add(changeset.NewUpdate[K, V](key, cur, prev))
		}
	case nowMatches && !wasMatched:
		f.matched[key] = cur
		builder.Add(changeset.NewAdd[K, V](key, cur))
	case !nowMatches && wasMatched:
		prev := f.matched[key]
		delete(f.matched, key)
		builder.Add(changeset.NewRemove[K, V](key, prev))
	}
}

func (f *StatefulFilter[K, V]) pumpPredicate() {
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

func (f *StatefulFilter[K, V]) pumpPulse() {
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
// to every item currently known and emits the minimal transition set.
func (f *StatefulFilter[K, V]) reclassifyAll() *changeset.ChangeSet[K, V] {
	builder := changeset.NewBuilder[K, V]()
	for key, v := range f.all {
		_, wasMatched := f.matched[key]
		nowMatches := f.predicate(v)
		switch {
		case nowMatches && !wasMatched:
			f.matched[key] = v
			builder.Add(changeset.NewAdd[K, V](key, v))
		case !nowMatches && wasMatched:
			delete(f.matched, key)
			builder.Add(changeset.NewRemove[K, V](key, v))
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements Upstream.
func (f *StatefulFilter[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] {
		out := make([]changeset.Change[K, V], 0, len(f.matched))
		for k, v := range f.matched {
			out = append(out, changeset.NewAdd[K, V](k, v))
		}
		return out
	}
	return connectKeyed[K, V](&f.mu, f.ensureStarted, snapshot, f.bc)
}
