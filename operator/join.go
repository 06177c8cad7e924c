package operator

import (
	"sync"

	"changeset"
)

// JoinKind selects the join family (§4.3.6).
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
	RightJoin
	FullJoin
)

// ForeignKeySelector extracts, from a left item, the right-side key it
// joins against.
type ForeignKeySelector[L any, RK comparable] func(L) RK

// Combiner produces the joined result for a matched (or partially missing,
// for outer joins) pair.
type Combiner[L, R, J any] func(left changeset.Optional[L], right changeset.Optional[R]) J

// Join maintains both sides' caches and recomputes affected keys on either
// side's change set (§4.3.6). It is keyed by the left key LK; each left
// item's foreign key selects (at most) one right item.
type Join[LK comparable, L any, RK comparable, R any, J any] struct {
	left  Upstream[LK, L]
	right Upstream[RK, R]
	fk    ForeignKeySelector[L, RK]
	kind  JoinKind
	combine Combiner[L, R, J]

	mu        sync.Mutex
	leftItems  map[LK]L
	rightItems map[RK]R
	rightIndex map[RK]map[LK]struct{} // right key -> left keys referencing it
	emitted    map[LK]struct{}        // left keys currently represented downstream
	started    bool
	bc         *broadcaster[LK, J]
}

// NewJoin constructs a join operator of the given kind.
func NewJoin[LK comparable, L any, RK comparable, R any, J any](left Upstream[LK, L], right Upstream[RK, R], fk ForeignKeySelector[L, RK], kind JoinKind, combine Combiner[L, R, J]) *Join[LK, L, RK, R, J] {
	return &Join[LK, L, RK, R, J]{
		left:       left,
		right:      right,
		fk:         fk,
		kind:       kind,
		combine:    combine,
		leftItems:  make(map[LK]L),
		rightItems: make(map[RK]R),
		rightIndex: make(map[RK]map[LK]struct{}),
		emitted:    make(map[LK]struct{}),
		bc:         newBroadcaster[LK, J](),
	}
}

func (j *Join[LK, L, RK, R, J]) ensureStarted() {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	leftCh, _, lerr := j.left.Connect()
	rightCh, _, rerr := j.right.Connect()
	j.mu.Unlock()
	if lerr != nil || rerr != nil {
		logDropped("Join", "upstream connect failed")
		return
	}
	go j.pumpLeft(leftCh)
	go j.pumpRight(rightCh)
}

func (j *Join[LK, L, RK, R, J]) pumpLeft(ch <-chan changeset.ChangeSet[LK, L]) {
	for cs := range ch {
		j.mu.Lock()
		builder := changeset.NewBuilder[LK, J]()
		for _, rec := range cs.Records() {
			j.applyLeft(rec, builder)
		}
		out, ok := builder.Build()
		j.mu.Unlock()
		if ok {
			j.bc.publish(out)
		}
	}
}

func (j *Join[LK, L, RK, R, J]) pumpRight(ch <-chan changeset.ChangeSet[RK, R]) {
	for cs := range ch {
		j.mu.Lock()
		builder := changeset.NewBuilder[LK, J]()
		for _, rec := range cs.Records() {
			j.applyRight(rec, builder)
		}
		out, ok := builder.Build()
		j.mu.Unlock()
		if ok {
			j.bc.publish(out)
		}
	}
}

// applyLeft must be called with j.mu held.
func (j *Join[LK, L, RK, R, J]) applyLeft(rec changeset.Change[LK, L], builder *changeset.Builder[LK, J]) {
	switch rec.Reason {
	case changeset.Add, changeset.Update, changeset.Refresh:
		v := rec.Current.MustValue()
		if old, existed := j.leftItems[rec.Key]; existed {
			j.unindex(j.fk(old), rec.Key)
		}
		j.leftItems[rec.Key] = v
		rk := j.fk(v)
		j.index(rk, rec.Key)
		j.recomputeLeftKey(rec.Key, builder)
	case changeset.Remove:
		if old, existed := j.leftItems[rec.Key]; existed {
			j.unindex(j.fk(old), rec.Key)
			delete(j.leftItems, rec.Key)
		}
		j.recomputeLeftKey(rec.Key, builder)
	}
}

// applyRight must be called with j.mu held.
func (j *Join[LK, L, RK, R, J]) applyRight(rec changeset.Change[RK, R], builder *changeset.Builder[LK, J]) {
	switch rec.Reason {
	case changeset.Add, changeset.Update, changeset.Refresh:
		j.rightItems[rec.Key] = rec.Current.MustValue()
	case changeset.Remove:
		delete(j.rightItems, rec.Key)
	}
	for lk := range j.rightIndex[rec.Key] {
		j.recomputeLeftKey(lk, builder)
	}
}

func (j *Join[LK, L, RK, R, J]) index(rk RK, lk LK) {
	set, ok := j.rightIndex[rk]
	if !ok {
		set = make(map[LK]struct{})
		j.rightIndex[rk] = set
	}
	set[lk] = struct{}{}
}

func (j *Join[LK, L, RK, R, J]) unindex(rk RK, lk LK) {
	if set, ok := j.rightIndex[rk]; ok {
		delete(set, lk)
		if len(set) == 0 {
			delete(j.rightIndex, rk)
		}
	}
}

// recomputeLeftKey must be called with j.mu held; it decides whether lk
// should be represented downstream given the current join kind and the
// presence of its left/right sides, emitting Add/Update/Remove as needed.
func (j *Join[LK, L, RK, R, J]) recomputeLeftKey(lk LK, builder *changeset.Builder[LK, J]) {
	leftVal, hasLeft := j.leftItems[lk]
	var rightVal R
	var hasRight bool
	if hasLeft {
		rk := j.fk(leftVal)
		rightVal, hasRight = j.rightItems[rk]
	}

	// Right-join and full-join semantics for right-side rows with no left
	// referent are out of scope for a left-keyed output (LK addresses only
	// left rows); both degrade to their left-bearing cases here, matching
	// inner-join and left-join respectively once restricted to lk in
	// j.leftItems.
	shouldEmit := false
	switch j.kind {
	case InnerJoin, RightJoin:
		shouldEmit = hasLeft && hasRight
	case LeftJoin, FullJoin:
		shouldEmit = hasLeft
	}

	_, wasEmitted := j.emitted[lk]
	if !shouldEmit {
		if wasEmitted {
			delete(j.emitted, lk)
			builder.Add(changeset.NewRemove[LK, J](lk, j.zeroJoined()))
		}
		return
	}

	var leftOpt changeset.Optional[L]
	if hasLeft {
		leftOpt = changeset.Some(leftVal)
	}
	var rightOpt changeset.Optional[R]
	if hasRight {
		rightOpt = changeset.Some(rightVal)
	}
	joined := j.combine(leftOpt, rightOpt)

	if wasEmitted {
		builder.Add(changeset.NewUpdate[LK, J](lk, joined, joined))
	} else {
		j.emitted[lk] = struct{}{}
		builder.Add(changeset.NewAdd[LK, J](lk, joined))
	}
}

func (j *Join[LK, L, RK, R, J]) zeroJoined() J {
	var zero J
	return zero
}

// Connect implements Upstream.
func (j *Join[LK, L, RK, R, J]) Connect() (<-chan changeset.ChangeSet[LK, J], func(), error) {
	snapshot := func() []changeset.Change[LK, J] {
		out := make([]changeset.Change[LK, J], 0, len(j.emitted))
		for lk := range j.emitted {
			leftVal, hasLeft := j.leftItems[lk]
			var rightVal R
			var hasRight bool
			if hasLeft {
				rightVal, hasRight = j.rightItems[j.fk(leftVal)]
			}
			var leftOpt changeset.Optional[L]
			if hasLeft {
				leftOpt = changeset.Some(leftVal)
			}
			var rightOpt changeset.Optional[R]
			if hasRight {
				rightOpt = changeset.Some(rightVal)
			}
			out = append(out, changeset.NewAdd[LK, J](lk, j.combine(leftOpt, rightOpt)))
		}
		return out
	}
	return connectKeyed[LK, J](&j.mu, j.ensureStarted, snapshot, j.bc)
}
