package diffutil

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	Name    string `json:"name"`
	Balance int    `json:"balance"`
}

func TestPatch_ComputesMergePatchBetweenValues(t *testing.T) {
	prev := account{Name: "alice", Balance: 10}
	cur := account{Name: "alice", Balance: 20}

	patch, err := Patch(prev, cur)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":20}`, string(patch))
}

func TestSummarize_OnlyCoversUpdateRecords(t *testing.T) {
	cs, ok := changeset.NewChangeSet[string, account]([]changeset.Change[string, account]{
		changeset.NewAdd[string, account]("a", account{Name: "alice", Balance: 10}),
		changeset.NewUpdate[string, account]("b", account{Name: "bob", Balance: 30}, account{Name: "bob", Balance: 20}),
		changeset.NewRemove[string, account]("c", account{Name: "carol", Balance: 5}),
	})
	require.True(t, ok)

	summaries := Summarize(cs)
	require.Len(t, summaries, 1)
	assert.Equal(t, "b", summaries[0].Key)
	assert.JSONEq(t, `{"balance":30}`, string(summaries[0].Patch))
}
