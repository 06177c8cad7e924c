package operator

import (
	"sync"

	"changeset"
)

// GroupKeySelector extracts the group key for a value.
type GroupKeySelector[V any, G comparable] func(V) G

// Grouping exposes one group's current members and its own inner
// change-set stream, matching the "group exposes its own inner change-set
// stream" contract of §4.3.4.
type Grouping[G comparable, K comparable, V any] struct {
	Key   G
	inner *innerGroup[K, V]
}

// Connect subscribes to this group's inner change-set stream.
func (g *Grouping[G, K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	return g.inner.connect()
}

type innerGroup[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]V
	bc      *broadcaster[K, V]
}

func newInnerGroup[K comparable, V any]() *innerGroup[K, V] {
	return &innerGroup[K, V]{items: make(map[K]V), bc: newBroadcaster[K, V]()}
}

func (g *innerGroup[K, V]) connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	g.mu.Lock()
	initial := make([]changeset.Change[K, V], 0, len(g.items))
	for k, v := range g.items {
		initial = append(initial, changeset.NewAdd[K, V](k, v))
	}
	// Buffered by one so the initial batch below never blocks waiting for
	// the caller to start reading the channel it hasn't received yet.
	id, ch := g.bc.subscribe(1)
	g.mu.Unlock()

	if len(initial) > 0 {
		if cs, ok := changeset.NewChangeSet[K, V](initial); ok {
			ch <- cs
		}
	}
	return ch, func() { g.bc.unsubscribe(id) }, nil
}

func (g *innerGroup[K, V]) add(key K, v V) {
	g.mu.Lock()
	g.items[key] = v
	g.mu.Unlock()
	g.bc.publish(mustChangeSet(changeset.NewAdd[K, V](key, v)))
}

func (g *innerGroup[K, V]) update(key K, cur, prev V) {
	g.mu.Lock()
	g.items[key] = cur
	g.mu.Unlock()
	g.bc.publish(mustChangeSet(changeset.NewUpdate[K, V](key, cur, prev)))
}

func (g *innerGroup[K, V]) remove(key K, prev V) {
	g.mu.Lock()
	delete(g.items, key)
	g.mu.Unlock()
	g.bc.publish(mustChangeSet(changeset.NewRemove[K, V](key, prev)))
}

func (g *innerGroup[K, V]) refresh(key K, v V) {
	g.mu.Lock()
	g.items[key] = v
	g.mu.Unlock()
	g.bc.publish(mustChangeSet(changeset.NewRefresh[K, V](key, v)))
}

func (g *innerGroup[K, V]) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

func mustChangeSet[K comparable, V any](recs ...changeset.Change[K, V]) changeset.ChangeSet[K, V] {
	cs, _ := changeset.NewChangeSet[K, V](recs)
	return cs
}

// Group partitions an upstream keyed stream by a group-key selector
// (§4.3.4). The outer stream emits Add/Remove of *Grouping records as
// groups appear/empty out; each Grouping exposes its own inner change-set
// stream.
type Group[K comparable, V any, G comparable] struct {
	upstream Upstream[K, V]
	keyOf    GroupKeySelector[V, G]

	mu        sync.Mutex
	groupOf   map[K]G // last-known group per item key, for move detection
	groups    map[G]*innerGroup[K, V]
	started   bool
	bc        *broadcaster[G, *Grouping[G, K, V]]
}

// NewGroup constructs a group-by operator.
func NewGroup[K comparable, V any, G comparable](upstream Upstream[K, V], keyOf GroupKeySelector[V, G]) *Group[K, V, G] {
	return &Group[K, V, G]{
		upstream: upstream,
		keyOf:    keyOf,
		groupOf:  make(map[K]G),
		groups:   make(map[G]*innerGroup[K, V]),
		bc:       newBroadcaster[G, *Grouping[G, K, V]](),
	}
}

func (g *Group[K, V, G]) ensureStarted() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	ch, _, err := g.upstream.Connect()
	g.mu.Unlock()
	if err != nil {
		logDropped("Group", "upstream connect failed")
		return
	}
	go g.pump(ch)
}

func (g *Group[K, V, G]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		g.mu.Lock()
		outerBuilder := changeset.NewBuilder[G, *Grouping[G, K, V]]()
		g.applyBatch(cs, outerBuilder)
		out, ok := outerBuilder.Build()
		g.mu.Unlock()
		if ok {
			g.bc.publish(out)
		}
	}
	g.bc.closeAll()
}

// applyBatch must be called with g.mu held. A group transitioning from
// empty to non-empty emits Add on the outer stream; a group becoming empty
// emits Remove (§4.3.4).
func (g *Group[K, V, G]) applyBatch(cs changeset.ChangeSet[K, V], outerBuilder *changeset.Builder[G, *Grouping[G, K, V]]) {
	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			newGroup := g.keyOf(v)
			g.groupOf[rec.Key] = newGroup
			g.ensureGroup(newGroup, outerBuilder).add(rec.Key, v)
		case changeset.Update:
			cur := rec.Current.MustValue()
			oldGroup, existed := g.groupOf[rec.Key]
			newGroup := g.keyOf(cur)
			if existed && oldGroup == newGroup {
				g.groups[newGroup].update(rec.Key, cur, rec.Previous.MustValue())
				continue
			}
			if existed {
				g.removeFromGroup(oldGroup, rec.Key, rec.Previous.MustValue(), outerBuilder)
			}
			g.groupOf[rec.Key] = newGroup
			g.ensureGroup(newGroup, outerBuilder).add(rec.Key, cur)
		case changeset.Remove:
			oldGroup, existed := g.groupOf[rec.Key]
			if !existed {
				continue
			}
			delete(g.groupOf, rec.Key)
			g.removeFromGroup(oldGroup, rec.Key, rec.Previous.MustValue(), outerBuilder)
		case changeset.Refresh:
			v := rec.Current.MustValue()
			if curGroup, existed := g.groupOf[rec.Key]; existed {
				g.groups[curGroup].refresh(rec.Key, v)
			}
		}
	}
}

// ensureGroup must be called with g.mu held; creates the group and queues
// an outer Add if it is new.
func (g *Group[K, V, G]) ensureGroup(key G, outerBuilder *changeset.Builder[G, *Grouping[G, K, V]]) *innerGroup[K, V] {
	if ig, ok := g.groups[key]; ok {
		return ig
	}
	ig := newInnerGroup[K, V]()
	g.groups[key] = ig
	grouping := &Grouping[G, K, V]{Key: key, inner: ig}
	outerBuilder.Add(changeset.NewAdd[G, *Grouping[G, K, V]](key, grouping))
	return ig
}

// removeFromGroup must be called with g.mu held; removes an item from its
// old group and, if the group is now empty, queues an outer Remove.
func (g *Group[K, V, G]) removeFromGroup(groupKey G, itemKey K, prev V, outerBuilder *changeset.Builder[G, *Grouping[G, K, V]]) {
	ig, ok := g.groups[groupKey]
	if !ok {
		return
	}
	ig.remove(itemKey, prev)
	if ig.size() == 0 {
		delete(g.groups, groupKey)
		outerBuilder.Add(changeset.NewRemove[G, *Grouping[G, K, V]](groupKey, &Grouping[G, K, V]{Key: groupKey, inner: ig}))
	}
}

// Connect implements Upstream for the outer group stream.
func (g *Group[K, V, G]) Connect() (<-chan changeset.ChangeSet[G, *Grouping[G, K, V]], func(), error) {
	snapshot := func() []changeset.Change[G, *Grouping[G, K, V]] {
		out := make([]changeset.Change[G, *Grouping[G, K, V]], 0, len(g.groups))
		for k, ig := range g.groups {
			out = append(out, changeset.NewAdd[G, *Grouping[G, K, V]](k, &Grouping[G, K, V]{Key: k, inner: ig}))
		}
		return out
	}
	return connectKeyed[G, *Grouping[G, K, V]](&g.mu, g.ensureStarted, snapshot, g.bc)
}

// GroupOnImmutable is the specialised form for values whose group key
// cannot change (§4.3.4). It runs Group's applyBatch unchanged, so the
// old-group lookup still happens; with an immutable key it always finds the
// same group and never takes the move branch.
type GroupOnImmutable[K comparable, V any, G comparable] struct {
	*Group[K, V, G]
}

// NewGroupOnImmutable constructs a group-by operator over an immutable key
// selector, reusing Group's machinery since an immutable key never
// triggers the move branch in applyBatch.
func NewGroupOnImmutable[K comparable, V any, G comparable](upstream Upstream[K, V], keyOf GroupKeySelector[V, G]) *GroupOnImmutable[K, V, G] {
	return &GroupOnImmutable[K, V, G]{Group: NewGroup[K, V, G](upstream, keyOf)}
}
