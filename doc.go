// Package changeset is a reactive change-propagation engine for in-memory
// keyed and ordered collections. Standard reactive streams carry values;
// this package carries deltas instead — a typed ChangeSet — so that a
// derived, filtered/sorted/grouped/joined/paged view of a collection can be
// kept up to date by applying a minimal edit rather than re-materialising
// itself on every upstream event.
//
// Sources (package source) originate change sets under a single-writer
// discipline: source.Cache for keyed collections, source.List for ordered
// ones. Operators (package operator) consume and emit change sets, each
// keeping just enough private bookkeeping to answer "what changed" for the
// next downstream stage. The aggregate package reduces a change-set stream
// to an incrementally maintained scalar. The binding package adapts a
// sorted change-set stream to drive an external observable collection.
//
// Basic usage:
//
//	cache := source.NewCache[string, *Trade](func(t *Trade) string { return t.ID }, nil)
//	defer cache.Close()
//
//	changes, _, _ := cache.Connect(nil)
//	go func() {
//	    for cs := range changes {
//	        for _, rec := range cs.Records() {
//	            // rec.Reason is one of Add/Update/Remove/Refresh/Moved
//	        }
//	    }
//	}()
//
//	cache.Edit(func(u *source.CacheUpdater[string, *Trade]) error {
//	    u.AddOrUpdate("T1", &Trade{ID: "T1", Notional: 100})
//	    return nil
//	})
package changeset
