package testaggregator

import (
	"testing"
	"time"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	subs []chan changeset.ChangeSet[string, int]
}

func (f *fakeUpstream) Connect() (<-chan changeset.ChangeSet[string, int], func(), error) {
	ch := make(chan changeset.ChangeSet[string, int], 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}

func (f *fakeUpstream) push(cs changeset.ChangeSet[string, int]) {
	for _, ch := range f.subs {
		ch <- cs
	}
}

func TestRecorder_AccumulatesBatchesAndSummary(t *testing.T) {
	up := &fakeUpstream{}
	r := NewRecorder[string, int]()
	cancel, err := r.Attach(up)
	require.NoError(t, err)
	defer cancel()

	add, _ := changeset.NewChangeSet[string, int]([]changeset.Change[string, int]{
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
	})
	up.push(add)

	require.Eventually(t, func() bool {
		return r.Summary().Adds == 2
	}, time.Second, time.Millisecond)

	assert.Len(t, r.Batches(), 1)
	assert.Len(t, r.Records(), 2)
}

func TestRecorder_FoldReproducesMaterialisedState(t *testing.T) {
	up := &fakeUpstream{}
	r := NewRecorder[string, int]()
	cancel, err := r.Attach(up)
	require.NoError(t, err)
	defer cancel()

	add, _ := changeset.NewChangeSet[string, int]([]changeset.Change[string, int]{
		changeset.NewAdd[string, int]("a", 1),
		changeset.NewAdd[string, int]("b", 2),
	})
	up.push(add)
	require.Eventually(t, func() bool { return len(r.Records()) == 2 }, time.Second, time.Millisecond)

	rem, _ := changeset.NewChangeSet[string, int]([]changeset.Change[string, int]{
		changeset.NewRemove[string, int]("a", 1),
	})
	up.push(rem)
	require.Eventually(t, func() bool { return len(r.Records()) == 3 }, time.Second, time.Millisecond)

	fold := r.Fold()
	assert.Equal(t, map[string]int{"b": 2}, fold)
}

func TestRecorder_ResetClearsWithoutDetaching(t *testing.T) {
	up := &fakeUpstream{}
	r := NewRecorder[string, int]()
	cancel, err := r.Attach(up)
	require.NoError(t, err)
	defer cancel()

	add, _ := changeset.NewChangeSet[string, int]([]changeset.Change[string, int]{changeset.NewAdd[string, int]("a", 1)})
	up.push(add)
	require.Eventually(t, func() bool { return len(r.Batches()) == 1 }, time.Second, time.Millisecond)

	r.Reset()
	assert.Empty(t, r.Batches())
	assert.Equal(t, changeset.Counts{}, r.Summary())

	add2, _ := changeset.NewChangeSet[string, int]([]changeset.Change[string, int]{changeset.NewAdd[string, int]("b", 2)})
	up.push(add2)
	require.Eventually(t, func() bool { return len(r.Batches()) == 1 }, time.Second, time.Millisecond)
}
