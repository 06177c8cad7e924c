package operator

import (
	"sync"

	"changeset"
)

type childKey[PK, CK comparable] struct {
	parent PK
	child  CK
}

// ChildSelector produces, for one parent item, a change-set-producing
// child collection (the "dynamic, recommended" shape from §4.3.2). The
// returned Upstream is subscribed to while the parent is present; on
// parent removal the subscription is disposed and every child entry it
// contributed is removed.
type ChildSelector[PK comparable, V any, CK comparable, C any] func(parentKey PK, parent V) Upstream[CK, C]

// TransformMany fans a parent collection out to per-parent child
// collections and flattens their combined membership into one keyed
// output addressed by (parentKey, childKey) (§4.3.2).
type TransformMany[PK comparable, V any, CK comparable, C any] struct {
	upstream Upstream[PK, V]
	selector ChildSelector[PK, V, CK, C]

	mu       sync.Mutex
	children map[PK]*childSubscription[PK, V, CK, C]
	flat     map[childKey[PK, CK]]C
	started  bool
	bc       *broadcaster[childKey[PK, CK], C]
}

type childSubscription[PK comparable, V any, CK comparable, C any] struct {
	cancel func()
	keys   map[CK]struct{}
}

// NewTransformMany constructs a transform-many operator over the dynamic
// (change-set-producing) child shape.
func NewTransformMany[PK comparable, V any, CK comparable, C any](upstream Upstream[PK, V], selector ChildSelector[PK, V, CK, C]) *TransformMany[PK, V, CK, C] {
	return &TransformMany[PK, V, CK, C]{
		upstream: upstream,
		selector: selector,
		children: make(map[PK]*childSubscription[PK, V, CK, C]),
		flat:     make(map[childKey[PK, CK]]C),
		bc:       newBroadcaster[childKey[PK, CK], C](),
	}
}

func (m *TransformMany[PK, V, CK, C]) ensureStarted() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ch, _, err := m.upstream.Connect()
	m.mu.Unlock()
	if err != nil {
		logDropped("TransformMany", "upstream connect failed")
		return
	}
	go m.pump(ch)
}

func (m *TransformMany[PK, V, CK, C]) pump(ch <-chan changeset.ChangeSet[PK, V]) {
	for cs := range ch {
		for _, rec := range cs.Records() {
			switch rec.Reason {
			case changeset.Add:
				m.attachChild(rec.Key, rec.Current.MustValue())
			case changeset.Update:
				m.detachChild(rec.Key)
				m.attachChild(rec.Key, rec.Current.MustValue())
			case changeset.Remove:
				m.detachChild(rec.Key)
			case changeset.Refresh:
				// I4: identity/value unchanged, child subscription stays.
			}
		}
	}
	m.mu.Lock()
	for pk := range m.children {
		m.detachChildLocked(pk)
	}
	m.mu.Unlock()
	m.bc.closeAll()
}

func (m *TransformMany[PK, V, CK, C]) attachChild(parentKey PK, parent V) {
	childUp := m.selector(parentKey, parent)
	childCh, cancel, err := childUp.Connect()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.children[parentKey] = &childSubscription[PK, V, CK, C]{cancel: cancel, keys: make(map[CK]struct{})}
	m.mu.Unlock()

	go func() {
		for childCS := range childCh {
			m.mu.Lock()
			out := m.applyChild(parentKey, childCS)
			m.mu.Unlock()
			if out != nil {
				m.bc.publish(*out)
			}
		}
	}()
}

// applyChild must be called with m.mu held.
func (m *TransformMany[PK, V, CK, C]) applyChild(parentKey PK, childCS changeset.ChangeSet[CK, C]) *changeset.ChangeSet[childKey[PK, CK], C] {
	sub, ok := m.children[parentKey]
	if !ok {
		return nil
	}
	builder := changeset.NewBuilder[childKey[PK, CK], C]()
	for _, rec := range childCS.Records() {
		ck := childKey[PK, CK]{parent: parentKey, child: rec.Key}
		switch rec.Reason {
		case changeset.Add:
			v := rec.Current.MustValue()
			m.flat[ck] = v
			sub.keys[rec.Key] = struct{}{}
			builder.Add(changeset.NewAdd[childKey[PK, CK], C](ck, v))
		case changeset.Update:
			v := rec.Current.MustValue()
			prev := m.flat[ck]
			m.flat[ck] = v
			builder.Add(changeset.NewUpdate[childKey[PK, CK], C](ck, v, prev))
		case changeset.Remove:
			prev := m.flat[ck]
			delete(m.flat, ck)
			delete(sub.keys, rec.Key)
			builder.Add(changeset.NewRemove[childKey[PK, CK], C](ck, prev))
		case changeset.Refresh:
			v := rec.Current.MustValue()
			builder.Add(changeset.NewRefresh[childKey[PK, CK], C](ck, v))
		}
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

func (m *TransformMany[PK, V, CK, C]) detachChild(parentKey PK) {
	m.mu.Lock()
	out := m.detachChildLocked(parentKey)
	m.mu.Unlock()
	if out != nil {
		m.bc.publish(*out)
	}
}

// detachChildLocked must be called with m.mu held; it cancels the child
// subscription and emits Remove for every child entry it had contributed.
func (m *TransformMany[PK, V, CK, C]) detachChildLocked(parentKey PK) *changeset.ChangeSet[childKey[PK, CK], C] {
	sub, ok := m.children[parentKey]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(m.children, parentKey)

	builder := changeset.NewBuilder[childKey[PK, CK], C]()
	for childKeyVal := range sub.keys {
		ck := childKey[PK, CK]{parent: parentKey, child: childKeyVal}
		prev := m.flat[ck]
		delete(m.flat, ck)
		builder.Add(changeset.NewRemove[childKey[PK, CK], C](ck, prev))
	}
	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements Upstream.
func (m *TransformMany[PK, V, CK, C]) Connect() (<-chan changeset.ChangeSet[childKey[PK, CK], C], func(), error) {
	snapshot := func() []changeset.Change[childKey[PK, CK], C] {
		out := make([]changeset.Change[childKey[PK, CK], C], 0, len(m.flat))
		for ck, v := range m.flat {
			out = append(out, changeset.NewAdd[childKey[PK, CK], C](ck, v))
		}
		return out
	}
	return connectKeyed[childKey[PK, CK], C](&m.mu, m.ensureStarted, snapshot, m.bc)
}
