// Package binding implements the binding adapter (C7, §4.4): it drives an
// external observable collection from a sorted change-set stream using a
// reset-threshold policy, so the target always equals the sorted view
// after each emission.
package binding

import (
	"sync"

	"changeset"
	"changeset/core"

	"go.uber.org/zap"
)

// Target is the minimal capability surface the adapter requires of a bound
// collection (§4.4): insert/remove/move/replace by index, clear, bulk add,
// and scoped notification suppression around a reset. Implementers supply
// this over whatever UI or in-memory list type they use; the core
// specifies only this contract.
type Target[K comparable, V any] interface {
	Insert(index int, key K, item V)
	RemoveAt(index int)
	Move(from, to int)
	Replace(index int, key K, item V)
	Clear()
	AddRange(pairs []changeset.KeyValue[K, V])
	// SuppressNotifications scopes a block of mutations (typically the
	// reset path) so the target emits exactly one external notification
	// for the whole block; a non-nil error it returns is forwarded to the
	// OnError handler.
	SuppressNotifications(fn func()) error
}

// BindingOptions configures a Binder. ResetThreshold follows §4.4: a
// change set whose total exceeds it (or that is the initial load, or
// carries a non-incremental sort reason) is applied as a single reset
// instead of per-record operations.
type BindingOptions struct {
	ResetThreshold int
}

// DefaultBindingOptions never forces a reset purely by size (only by
// sort_reason).
func DefaultBindingOptions() *BindingOptions {
	return &BindingOptions{ResetThreshold: -1}
}

// Binder applies a SortedChangeSet stream to a Target, translating each
// record into the Target's positional operations using the indices the
// sort stage attached to it; it keeps no key->index map of its own.
type Binder[K comparable, V any] struct {
	target Target[K, V]
	opts   *BindingOptions

	mu      sync.Mutex
	onError func(error)
}

// NewBinder constructs a binder over target. If opts is nil,
// DefaultBindingOptions is used.
func NewBinder[K comparable, V any](target Target[K, V], opts *BindingOptions) *Binder[K, V] {
	if opts == nil {
		opts = DefaultBindingOptions()
	}
	return &Binder[K, V]{target: target, opts: opts}
}

// OnError registers a handler invoked when the target raises an error
// while the adapter applies a change set (§4.4: "exceptions raised by the
// target are forwarded via on_error").
func (b *Binder[K, V]) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Bind subscribes to upstream and applies every SortedChangeSet to the
// target until upstream closes or cancel is called.
func (b *Binder[K, V]) Bind(upstream SortedUpstream[K, V]) (cancel func(), err error) {
	ch, cancelUp, err := upstream.Connect()
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case scs, ok := <-ch:
				if !ok {
					return
				}
				b.apply(scs)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		cancelUp()
	}, nil
}

// SortedUpstream is satisfied by operator.Sort (and anything sharing its
// Connect signature).
type SortedUpstream[K comparable, V any] interface {
	Connect() (<-chan changeset.SortedChangeSet[K, V], func(), error)
}

func (b *Binder[K, V]) shouldReset(scs changeset.SortedChangeSet[K, V]) bool {
	if scs.SortReason == changeset.InitialLoad || scs.SortReason == changeset.ComparerChanged || scs.SortReason == changeset.Reset {
		return true
	}
	if b.opts.ResetThreshold >= 0 && scs.Len() > b.opts.ResetThreshold {
		return true
	}
	return false
}

// apply is the unexported method Bind's internal goroutine calls; tests in
// this package also call it directly to drive the adapter without a live
// upstream.
func (b *Binder[K, V]) apply(scs changeset.SortedChangeSet[K, V]) {
	var err error
	if b.shouldReset(scs) {
		err = b.target.SuppressNotifications(func() {
			b.target.Clear()
			b.target.AddRange(scs.Sorted)
		})
	} else {
		err = b.applyIncremental(scs)
	}
	if err != nil {
		core.Warn("binding: target reported an error applying a change set", zap.Error(err))
		b.mu.Lock()
		handler := b.onError
		b.mu.Unlock()
		if handler != nil {
			handler(err)
		}
	}
}

// applyIncremental applies per-record operations in order (§4.4): Moved
// uses Move; Update with unchanged index uses Replace; Update with changed
// index uses RemoveAt+Insert.
func (b *Binder[K, V]) applyIncremental(scs changeset.SortedChangeSet[K, V]) error {
	for _, rec := range scs.Records() {
		switch rec.Reason {
		case changeset.Add:
			idx, ok := rec.CurrentIndex.Value()
			if !ok {
				return changeset.NewContractViolation("Binder.Apply", "missing-index", "Add record from a sorted stream carried no current_index")
			}
			b.target.Insert(idx, rec.Key, rec.Current.MustValue())
		case changeset.Remove:
			idx, ok := rec.PreviousIndex.Value()
			if !ok {
				return changeset.NewContractViolation("Binder.Apply", "missing-index", "Remove record from a sorted stream carried no previous_index")
			}
			b.target.RemoveAt(idx)
		case changeset.Update:
			curIdx, hasCur := rec.CurrentIndex.Value()
			prevIdx, hasPrev := rec.PreviousIndex.Value()
			if !hasCur || !hasPrev {
				return changeset.NewContractViolation("Binder.Apply", "missing-index", "Update record from a sorted stream carried no indices")
			}
			if curIdx == prevIdx {
				b.target.Replace(curIdx, rec.Key, rec.Current.MustValue())
			} else {
				b.target.RemoveAt(prevIdx)
				b.target.Insert(curIdx, rec.Key, rec.Current.MustValue())
			}
		case changeset.Refresh:
			idx, ok := rec.CurrentIndex.Value()
			if !ok {
				return changeset.NewContractViolation("Binder.Apply", "missing-index", "Refresh record from a sorted stream carried no current_index")
			}
			b.target.Replace(idx, rec.Key, rec.Current.MustValue())
		case changeset.Moved:
			prevIdx, hasPrev := rec.PreviousIndex.Value()
			curIdx, hasCur := rec.CurrentIndex.Value()
			if !hasPrev || !hasCur {
				return changeset.NewContractViolation("Binder.Apply", "missing-index", "Moved record carried no indices")
			}
			b.target.Move(prevIdx, curIdx)
		}
	}
	return nil
}
