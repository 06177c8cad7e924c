package operator

import (
	"sync"
	"time"

	"changeset"
)

// BatchTrigger is a pulse channel: a value received flushes the current
// buffer immediately (§4.3.10's "trigger" form).
type BatchTrigger <-chan struct{}

// Batch buffers upstream change sets and flattens them into one on flush,
// using I3 coalescing so a key touched twice within the window survives as
// a single record (§4.3.10). Flush conditions: a fixed time window, a
// record-count threshold, or an external trigger — whichever is supplied.
type Batch[K comparable, V any] struct {
	upstream Upstream[K, V]
	window   time.Duration
	count    int
	trigger  BatchTrigger

	mu      sync.Mutex
	pending *changeset.Builder[K, V]
	started bool
	bc      *broadcaster[K, V]
}

// NewBatch constructs a batching operator. window <= 0 disables the
// time-based flush; count <= 0 disables the count-based flush; trigger may
// be nil. At least one flush condition should be supplied or the buffer
// will only flush on upstream close.
func NewBatch[K comparable, V any](upstream Upstream[K, V], window time.Duration, count int, trigger BatchTrigger) *Batch[K, V] {
	return &Batch[K, V]{
		upstream: upstream,
		window:   window,
		count:    count,
		trigger:  trigger,
		pending:  changeset.NewBuilder[K, V](),
		bc:       newBroadcaster[K, V](),
	}
}

func (b *Batch[K, V]) ensureStarted() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ch, _, err := b.upstream.Connect()
	b.mu.Unlock()
	if err != nil {
		logDropped("Batch", "upstream connect failed")
		return
	}
	go b.pump(ch)
	if b.window > 0 {
		go b.pumpTimer()
	}
	if b.trigger != nil {
		go b.pumpTrigger()
	}
}

func (b *Batch[K, V]) pump(ch <-chan changeset.ChangeSet[K, V]) {
	for cs := range ch {
		b.mu.Lock()
		for _, rec := range cs.Records() {
			b.pending.Add(rec)
		}
		full := b.count > 0 && b.pendingLen() >= b.count
		b.mu.Unlock()
		if full {
			b.flush()
		}
	}
	b.flush()
	b.bc.closeAll()
}

// pendingLen must be called with b.mu held. Builder.Build is non-
// destructive (it only reads b.order/b.pending), so it doubles safely as a
// peek at the current buffered size.
func (b *Batch[K, V]) pendingLen() int {
	out, ok := b.pending.Build()
	if !ok {
		return 0
	}
	return out.Len()
}

func (b *Batch[K, V]) pumpTimer() {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()
	for range ticker.C {
		b.flush()
	}
}

func (b *Batch[K, V]) pumpTrigger() {
	for range b.trigger {
		b.flush()
	}
}

func (b *Batch[K, V]) flush() {
	b.mu.Lock()
	out, ok := b.pending.Build()
	b.pending = changeset.NewBuilder[K, V]()
	b.mu.Unlock()
	if ok {
		b.bc.publish(out)
	}
}

// Connect implements Upstream. Batch has no materialised state of its own
// (it relays upstream records, coalesced), so the initial batch is empty
// until the first flush.
func (b *Batch[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] { return nil }
	return connectKeyed[K, V](&b.mu, b.ensureStarted, snapshot, b.bc)
}

// DeferUntilLoaded suppresses emission until the first non-empty batch
// appears (§4.3.10), then relays every subsequent batch unchanged.
type DeferUntilLoaded[K comparable, V any] struct {
	upstream Upstream[K, V]

	mu      sync.Mutex
	loaded  bool
	started bool
	bc      *broadcaster[K, V]
}

// NewDeferUntilLoaded constructs a defer-until-loaded operator.
func NewDeferUntilLoaded[K comparable, V any](upstream Upstream[K, V]) *DeferUntilLoaded[K, V] {
	return &DeferUntilLoaded[K, V]{upstream: upstream, bc: newBroadcaster[K, V]()}
}

func (d *DeferUntilLoaded[K, V]) ensureStarted() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	ch, _, err := d.upstream.Connect()
	d.mu.Unlock()
	if err != nil {
		logDropped("DeferUntilLoaded", "upstream connect failed")
		return
	}
	go func() {
		for cs := range ch {
			d.mu.Lock()
			d.loaded = true
			d.mu.Unlock()
			d.bc.publish(cs)
		}
		d.bc.closeAll()
	}()
}

// Connect implements Upstream; before the first non-empty upstream batch,
// new subscribers receive no initial batch at all (there is nothing loaded
// yet), consistent with I1's "never emit empty" rather than emitting a
// placeholder empty set.
func (d *DeferUntilLoaded[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] { return nil }
	return connectKeyed[K, V](&d.mu, d.ensureStarted, snapshot, d.bc)
}

// SkipInitial drops the initial batch (I2's materialisation) and relays
// only subsequent change sets (§4.3.10).
type SkipInitial[K comparable, V any] struct {
	upstream Upstream[K, V]
}

// NewSkipInitial constructs a skip-initial operator.
func NewSkipInitial[K comparable, V any](upstream Upstream[K, V]) *SkipInitial[K, V] {
	return &SkipInitial[K, V]{upstream: upstream}
}

// Connect subscribes upstream, discards the first delivered batch (the
// initial materialisation), and returns a channel relaying everything
// after.
func (s *SkipInitial[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	upstreamCh, cancel, err := s.upstream.Connect()
	if err != nil {
		return nil, nil, err
	}
	out := make(chan changeset.ChangeSet[K, V])
	go func() {
		defer close(out)
		first := true
		for cs := range upstreamCh {
			if first {
				first = false
				continue
			}
			out <- cs
		}
	}()
	return out, cancel, nil
}

// NotEmpty filters out any change set that would have zero records,
// defence in depth against I1 violations from a misbehaving upstream
// (§4.3.10).
type NotEmpty[K comparable, V any] struct {
	upstream Upstream[K, V]
}

// NewNotEmpty constructs a not-empty guard operator.
func NewNotEmpty[K comparable, V any](upstream Upstream[K, V]) *NotEmpty[K, V] {
	return &NotEmpty[K, V]{upstream: upstream}
}

// Connect subscribes upstream and relays only non-empty change sets.
func (n *NotEmpty[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	upstreamCh, cancel, err := n.upstream.Connect()
	if err != nil {
		return nil, nil, err
	}
	out := make(chan changeset.ChangeSet[K, V])
	go func() {
		defer close(out)
		for cs := range upstreamCh {
			if cs.Len() == 0 {
				logDropped("NotEmpty", "upstream emitted an empty change set")
				continue
			}
			out <- cs
		}
	}()
	return out, cancel, nil
}
