package operator

import (
	"sync"

	"changeset"
)

// TreeNode is the output of TransformToTree: an item paired with the keyed
// Upstream of its children, so a consumer can recursively subscribe
// further down the hierarchy (§4.3.2 transform-to-tree).
type TreeNode[K comparable, V any] struct {
	Key      K
	Item     V
	Children Upstream[K, V]
}

// ParentKeySelector extracts a value's parent key; the zero value of K
// paired with ok=false means "this item is a root".
type ParentKeySelector[K comparable, V any] func(V) (parentKey K, ok bool)

// TransformToTree pivots a flat keyed set into a hierarchy (§4.3.2): each
// emitted node exposes its own children as a nested Upstream, itself fed
// by the same upstream change-set stream filtered to that node's
// immediate children.
type TransformToTree[K comparable, V any] struct {
	upstream    Upstream[K, V]
	parentKeyOf ParentKeySelector[K, V]

	mu        sync.Mutex
	items     map[K]V
	childrenOf map[K]map[K]struct{} // parent -> set of child keys
	roots     map[K]struct{}
	started   bool
	bc        *broadcaster[K, TreeNode[K, V]]
	childBC   map[K]*broadcaster[K, V]
}

// NewTransformToTree constructs a transform-to-tree operator.
func NewTransformToTree[K comparable, V any](upstream Upstream[K, V], parentKeyOf ParentKeySelector[K, V]) *TransformToTree[K, V] {
	return &TransformToTree[K, V]{
		upstream:    upstream,
		parentKeyOf: parentKeyOf,
		items:       make(map[K]V),
		childrenOf:  make(map[K]map[K]struct{}),
		roots:       make(map[K]struct{}),
		bc:          newBroadcaster[K, TreeNode[K, V]](),
		childBC:     make(map[K]*broadcaster[K, V]),
	}
}

func (t *TransformToTree[K, V]) ensureStarted() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ch, _, err := t.upstream.Connect()
	t.mu.Unlock()
	if err != nil {
		logDropped("TransformToTree", "upstream connect failed")
		return
	}
	go t.pump(ch)
}

func (t *TransformToTree[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		t.mu.Lock()
		rootOut, childUpdates := t.apply(cs)
		t.mu.Unlock()
		if rootOut != nil {
			t.bc.publish(*rootOut)
		}
		for parent, out := range childUpdates {
			t.childBroadcaster(parent).publish(out)
		}
	}
	t.bc.closeAll()
}

// apply must be called with t.mu held. Returns the root-level ChangeSet
// (additions/removals of root TreeNodes) plus any child-level ChangeSets
// keyed by parent, for parents whose child set changed.
func (t *TransformToTree[K, V]) apply(cs changeset.ChangeSet[K, V]) (*changeset.ChangeSet[K, TreeNode[K, V]], map[K]changeset.ChangeSet[K, V]) {
	rootBuilder := changeset.NewBuilder[K, TreeNode[K, V]]()
	childBuilders := make(map[K]*changeset.Builder[K, V])

	childBuilder := func(parent K) *changeset.Builder[K, V] {
		if b, ok := childBuilders[parent]; ok {
			return b
		}
		b := changeset.NewBuilder[K, V]()
		childBuilders[parent] = b
		return b
	}

	for _, rec := range cs.Records() {
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			t.items[rec.Key] = v
			if parent, ok := t.parentKeyOf(v); ok {
				t.linkChild(parent, rec.Key)
				childBuilder(parent).Add(changeset.NewAdd[K, V](rec.Key, v))
			} else {
				t.roots[rec.Key] = struct{}{}
				rootBuilder.Add(changeset.NewAdd[K, TreeNode[K, V]](rec.Key, TreeNode[K, V]{Key: rec.Key, Item: v, Children: t.childUpstream(rec.Key)}))
			}
		case changeset.Update, changeset.Refresh:
			v := rec.Current.MustValue()
			t.items[rec.Key] = v
			if _, isRoot := t.roots[rec.Key]; isRoot {
				rootBuilder.Add(changeset.NewUpdate[K, TreeNode[K, V]](rec.Key, TreeNode[K, V]{Key: rec.Key, Item: v, Children: t.childUpstream(rec.Key)}, TreeNode[K, V]{Key: rec.Key, Item: v, Children: t.childUpstream(rec.Key)}))
			} else if parent, ok := t.parentKeyOf(v); ok {
				childBuilder(parent).Add(changeset.NewUpdate[K, V](rec.Key, v, v))
			}
		case changeset.Remove:
			delete(t.items, rec.Key)
			if _, isRoot := t.roots[rec.Key]; isRoot {
				delete(t.roots, rec.Key)
				rootBuilder.Add(changeset.NewRemove[K, TreeNode[K, V]](rec.Key, TreeNode[K, V]{Key: rec.Key}))
			}
			for parent, kids := range t.childrenOf {
				if _, ok := kids[rec.Key]; ok {
					delete(kids, rec.Key)
					childBuilder(parent).Add(changeset.NewRemove[K, V](rec.Key, rec.Previous.MustValue()))
				}
			}
		}
	}

	var rootOut *changeset.ChangeSet[K, TreeNode[K, V]]
	if out, ok := rootBuilder.Build(); ok {
		rootOut = &out
	}
	childOut := make(map[K]changeset.ChangeSet[K, V], len(childBuilders))
	for parent, b := range childBuilders {
		if out, ok := b.Build(); ok {
			childOut[parent] = out
		}
	}
	return rootOut, childOut
}

func (t *TransformToTree[K, V]) linkChild(parent, child K) {
	kids, ok := t.childrenOf[parent]
	if !ok {
		kids = make(map[K]struct{})
		t.childrenOf[parent] = kids
	}
	kids[child] = struct{}{}
}

func (t *TransformToTree[K, V]) childBroadcaster(parent K) *broadcaster[K, V] {
	bc, ok := t.childBC[parent]
	if !ok {
		bc = newBroadcaster[K, V]()
		t.childBC[parent] = bc
	}
	return bc
}

func (t *TransformToTree[K, V]) childUpstream(parent K) Upstream[K, V] {
	return &treeChildUpstream[K, V]{tree: t, parent: parent}
}

type treeChildUpstream[K comparable, V any] struct {
	tree   *TransformToTree[K, V]
	parent K
}

func (c *treeChildUpstream[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	initial := make([]changeset.Change[K, V], 0)
	for childKey := range c.tree.childrenOf[c.parent] {
		initial = append(initial, changeset.NewAdd[K, V](childKey, c.tree.items[childKey]))
	}
	bc := c.tree.childBroadcaster(c.parent)
	// Buffered by one so the initial batch below never blocks waiting for
	// the caller to start reading the channel it hasn't received yet.
	id, ch := bc.subscribe(1)
	if len(initial) > 0 {
		if cs, ok := changeset.NewChangeSet[K, V](initial); ok {
			ch <- cs
		}
	}
	return ch, func() { bc.unsubscribe(id) }, nil
}

// Connect implements Upstream for the root-level node stream.
func (t *TransformToTree[K, V]) Connect() (<-chan changeset.ChangeSet[K, TreeNode[K, V]], func(), error) {
	snapshot := func() []changeset.Change[K, TreeNode[K, V]] {
		out := make([]changeset.Change[K, TreeNode[K, V]], 0, len(t.roots))
		for k := range t.roots {
			out = append(out, changeset.NewAdd[K, TreeNode[K, V]](k, TreeNode[K, V]{Key: k, Item: t.items[k], Children: t.childUpstream(k)}))
		}
		return out
	}
	return connectKeyed[K, TreeNode[K, V]](&t.mu, t.ensureStarted, snapshot, t.bc)
}
