package operator

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type team struct {
	name    string
	members *fakeSource[string, string]
}

func TestTransformMany_FlattensChildrenAsTheyAttach(t *testing.T) {
	parents := &fakeSource[string, team]{}
	alice := &fakeSource[string, string]{}
	selector := func(parentKey string, parent team) Upstream[string, string] { return parent.members }

	m := NewTransformMany[string, team, string, string](parents, selector)
	changes, cancel, err := m.Connect()
	require.NoError(t, err)
	defer cancel()

	parents.push(build[string, team](t, changeset.NewAdd[string, team]("eng", team{name: "eng", members: alice})))
	alice.push(build[string, string](t, changeset.NewAdd[string, string]("alice", "Alice")))

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "Alice", cs.Records()[0].Current.MustValue())
}

func TestTransformMany_ParentRemovalRemovesItsChildren(t *testing.T) {
	parents := &fakeSource[string, team]{}
	alice := &fakeSource[string, string]{}
	selector := func(parentKey string, parent team) Upstream[string, string] { return parent.members }

	m := NewTransformMany[string, team, string, string](parents, selector)
	changes, cancel, err := m.Connect()
	require.NoError(t, err)
	defer cancel()

	parents.push(build[string, team](t, changeset.NewAdd[string, team]("eng", team{name: "eng", members: alice})))
	alice.push(build[string, string](t, changeset.NewAdd[string, string]("alice", "Alice")))
	drainCS(t, changes)

	parents.push(build[string, team](t, changeset.NewRemove[string, team]("eng", team{name: "eng", members: alice})))
	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, changeset.Remove, cs.Records()[0].Reason)
	assert.Equal(t, "Alice", cs.Records()[0].Previous.MustValue())
}
