package operator

import (
	"sync"

	"changeset"
)

// PageRequest describes a (page, size) window (§4.3.8).
type PageRequest struct {
	Page int
	Size int
}

// VirtualRequest describes a (start_index, count) window (§4.3.8).
type VirtualRequest struct {
	StartIndex int
	Count      int
}

func (v VirtualRequest) bounds() (start, end int) {
	return v.StartIndex, v.StartIndex + v.Count
}

func (p PageRequest) toVirtual() VirtualRequest {
	return VirtualRequest{StartIndex: p.Page * p.Size, Count: p.Size}
}

// Page windows a sorted change-set stream to a (page, size) request,
// re-deriving virtualisation bounds from the request and delegating to the
// same windowing logic as Virtualise (§4.3.8: "page... is similar to
// virtualise").
type Page[K comparable, V any] struct {
	*Virtualise[K, V]
}

// NewPage constructs a page operator over a sorted upstream.
func NewPage[K comparable, V any](upstream SortedUpstream[K, V], requests <-chan PageRequest) *Page[K, V] {
	virtualReqs := make(chan VirtualRequest)
	go func() {
		defer close(virtualReqs)
		for r := range requests {
			virtualReqs <- r.toVirtual()
		}
	}()
	return &Page[K, V]{Virtualise: NewVirtualise[K, V](upstream, virtualReqs)}
}

// SortedUpstream is satisfied by the Sort operator (and anything sharing
// its Connect signature), producing SortedChangeSet rather than plain
// ChangeSet.
type SortedUpstream[K comparable, V any] interface {
	Connect() (<-chan changeset.SortedChangeSet[K, V], func(), error)
}

// Virtualise maps a (start_index, count) window of a sorted view to a
// ChangeSet stream, emitting inserts/removes at the window edges as
// upstream items shift across the boundary (§4.3.8). A changed request is
// handled the same way: only the keys entering or leaving the window are
// emitted, as Add/Remove; no full reset of the window is emitted.
type Virtualise[K comparable, V any] struct {
	upstream SortedUpstream[K, V]
	requests <-chan VirtualRequest

	mu       sync.Mutex
	full     []changeset.KeyValue[K, V]
	window   VirtualRequest
	visible  map[K]V
	started  bool
	bc       *broadcaster[K, V]
}

// NewVirtualise constructs a virtualise operator. The initial window is
// empty (count 0) until the first value arrives on requests.
func NewVirtualise[K comparable, V any](upstream SortedUpstream[K, V], requests <-chan VirtualRequest) *Virtualise[K, V] {
	return &Virtualise[K, V]{
		upstream: upstream,
		requests: requests,
		visible:  make(map[K]V),
		bc:       newBroadcaster[K, V](),
	}
}

func (v *Virtualise[K, V]) ensureStarted() {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return
	}
	v.started = true
	ch, _, err := v.upstream.Connect()
	v.mu.Unlock()
	if err != nil {
		logDropped("Virtualise", "upstream connect failed")
		return
	}
	go v.pumpUpstream(ch)
	go v.pumpRequests()
}

func (v *Virtualise[K, V]) pumpUpstream(ch <-chan changeset.SortedChangeSet[K, V]) {
	for scs := range ch {
		v.mu.Lock()
		v.full = scs.Sorted
		out := v.recomputeWindow()
		v.mu.Unlock()
		if out != nil {
			v.bc.publish(*out)
		}
	}
	v.bc.closeAll()
}

func (v *Virtualise[K, V]) pumpRequests() {
	for req := range v.requests {
		v.mu.Lock()
		v.window = req
		out := v.recomputeWindow()
		v.mu.Unlock()
		if out != nil {
			v.bc.publish(*out)
		}
	}
}

// recomputeWindow must be called with v.mu held; it diffs the new window
// contents against v.visible and emits the minimal Add/Remove set, unless
// nothing was previously visible (initial load) or every key changed, in
// which case it still emits only the true delta — a window never needs a
// Reset because its size is bounded by the request, not by upstream size.
func (v *Virtualise[K, V]) recomputeWindow() *changeset.ChangeSet[K, V] {
	start, end := v.window.bounds()
	if start < 0 {
		start = 0
	}
	if end > len(v.full) {
		end = len(v.full)
	}
	if start > end {
		start = end
	}

	nowVisible := make(map[K]V, end-start)
	for _, kv := range v.full[start:end] {
		nowVisible[kv.Key] = kv.Value
	}

	builder := changeset.NewBuilder[K, V]()
	for key, oldVal := range v.visible {
		if _, stillVisible := nowVisible[key]; !stillVisible {
			builder.Add(changeset.NewRemove[K, V](key, oldVal))
		}
	}
	for key, val := range nowVisible {
		if _, wasVisible := v.visible[key]; !wasVisible {
			builder.Add(changeset.NewAdd[K, V](key, val))
		}
	}

	v.visible = nowVisible

	if out, ok := builder.Build(); ok {
		return &out
	}
	return nil
}

// Connect implements Upstream.
func (v *Virtualise[K, V]) Connect() (<-chan changeset.ChangeSet[K, V], func(), error) {
	snapshot := func() []changeset.Change[K, V] {
		start, end := v.window.bounds()
		if end > len(v.full) {
			end = len(v.full)
		}
		if start < 0 || start > end {
			return nil
		}
		out := make([]changeset.Change[K, V], 0, end-start)
		for _, kv := range v.full[start:end] {
			out = append(out, changeset.NewAdd[K, V](kv.Key, kv.Value))
		}
		return out
	}
	return connectKeyed[K, V](&v.mu, v.ensureStarted, snapshot, v.bc)
}

// Top is virtualise((0, n)) (§4.3.8).
func Top[K comparable, V any](upstream SortedUpstream[K, V], n int) *Virtualise[K, V] {
	reqs := make(chan VirtualRequest, 1)
	reqs <- VirtualRequest{StartIndex: 0, Count: n}
	close(reqs)
	return NewVirtualise[K, V](upstream, reqs)
}
