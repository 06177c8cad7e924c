package operator

import (
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joined struct {
	name string
	dept string
	has  bool
}

func combineJoined(left, right changeset.Optional[string]) joined {
	name, _ := left.Value()
	dept, has := right.Value()
	return joined{name: name, dept: dept, has: has}
}

func TestJoin_InnerOnlyEmitsWhenBothSidesPresent(t *testing.T) {
	left := &fakeSource[string, string]{}
	right := &fakeSource[string, string]{}
	fk := func(deptID string) string { return deptID }
	j := NewJoin[string, string, string, string, joined](left, right, fk, InnerJoin, combineJoined)

	changes, cancel, err := j.Connect()
	require.NoError(t, err)
	defer cancel()

	left.push(build[string, string](t, changeset.NewAdd[string, string]("alice", "eng")))
	// no emission expected yet (no right side); assert the next emission
	// is the one triggered once the right side arrives.
	right.push(build[string, string](t, changeset.NewAdd[string, string]("eng", "Engineering")))

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, changeset.Add, cs.Records()[0].Reason)
	j2 := cs.Records()[0].Current.MustValue()
	assert.True(t, j2.has)
	assert.Equal(t, "Engineering", j2.dept)
}

func TestJoin_InnerRemovesWhenRightSideGoesAway(t *testing.T) {
	left := &fakeSource[string, string]{}
	right := &fakeSource[string, string]{}
	fk := func(deptID string) string { return deptID }
	j := NewJoin[string, string, string, string, joined](left, right, fk, InnerJoin, combineJoined)

	changes, cancel, err := j.Connect()
	require.NoError(t, err)
	defer cancel()

	left.push(build[string, string](t, changeset.NewAdd[string, string]("alice", "eng")))
	right.push(build[string, string](t, changeset.NewAdd[string, string]("eng", "Engineering")))
	drainCS(t, changes)

	right.push(build[string, string](t, changeset.NewRemove[string, string]("eng", "Engineering")))
	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, changeset.Remove, cs.Records()[0].Reason)
}

func TestJoin_LeftEmitsImmediatelyWithoutRightSide(t *testing.T) {
	left := &fakeSource[string, string]{}
	right := &fakeSource[string, string]{}
	fk := func(deptID string) string { return deptID }
	j := NewJoin[string, string, string, string, joined](left, right, fk, LeftJoin, combineJoined)

	changes, cancel, err := j.Connect()
	require.NoError(t, err)
	defer cancel()

	left.push(build[string, string](t, changeset.NewAdd[string, string]("alice", "eng")))
	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	j2 := cs.Records()[0].Current.MustValue()
	assert.False(t, j2.has)
	assert.Equal(t, "alice", j2.name)
}
