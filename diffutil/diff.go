// Package diffutil computes JSON merge patches (RFC 7396) between an Update
// record's previous and current values, for diagnostic change summaries.
// It is the generalised descendant of the teacher's bsonpatch.go, which
// diffed BSON documents for optimistic-concurrency retries; here the same
// technique diffs plain JSON-marshalable items purely for observability,
// since this module carries no persisted document to patch against.
package diffutil

import (
	"encoding/json"
	"fmt"

	"changeset"

	jsonpatch "github.com/evanphx/json-patch"
)

// Patch computes the JSON merge patch (RFC 7396) that transforms previous into
// current. Both values must be JSON-marshalable.
func Patch[V any](previous, current V) ([]byte, error) {
	prevJSON, err := json.Marshal(previous)
	if err != nil {
		return nil, fmt.Errorf("diffutil: marshal previous: %w", err)
	}
	curJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("diffutil: marshal current: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(prevJSON, curJSON)
	if err != nil {
		return nil, fmt.Errorf("diffutil: create patch: %w", err)
	}
	return patch, nil
}

// ChangeSummary is a human-diagnostic rendering of a single Update record:
// the key, and the JSON merge-patch describing what changed.
type ChangeSummary[K comparable] struct {
	Key   K      `json:"key"`
	Patch []byte `json:"patch"`
}

// Summarize renders every Update record in cs as a ChangeSummary,
// skipping records whose previous/current values fail to JSON-marshal
// rather than aborting the whole batch (diagnostics must not be able to
// break a production pipeline).
func Summarize[K comparable, V any](cs changeset.ChangeSet[K, V]) []ChangeSummary[K] {
	var out []ChangeSummary[K]
	for _, rec := range cs.Records() {
		if rec.Reason != changeset.Update {
			continue
		}
		prev, hasPrev := rec.Previous.Value()
		cur, hasCur := rec.Current.Value()
		if !hasPrev || !hasCur {
			continue
		}
		patch, err := Patch(prev, cur)
		if err != nil {
			continue
		}
		out = append(out, ChangeSummary[K]{Key: rec.Key, Patch: patch})
	}
	return out
}
