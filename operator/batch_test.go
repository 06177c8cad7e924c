package operator

import (
	"testing"
	"time"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_FlushesOnCountThreshold(t *testing.T) {
	src := &fakeSource[string, int]{}
	b := NewBatch[string, int](src, 0, 2, nil)
	changes, cancel, err := b.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 1)))
	src.push(build[string, int](t, changeset.NewAdd[string, int]("b", 2)))

	cs := drainCS(t, changes)
	assert.Equal(t, 2, cs.Len())
}

func TestBatch_CoalescesAddThenRemoveWithinWindow(t *testing.T) {
	src := &fakeSource[string, int]{}
	trigger := make(chan struct{}, 1)
	b := NewBatch[string, int](src, 0, 0, trigger)
	changes, cancel, err := b.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 1)))
	src.push(build[string, int](t, changeset.NewRemove[string, int]("a", 1)))
	src.push(build[string, int](t, changeset.NewAdd[string, int]("b", 2)))
	trigger <- struct{}{}

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "b", cs.Records()[0].Key)
}

func TestBatch_TimerFlushesAfterWindow(t *testing.T) {
	src := &fakeSource[string, int]{}
	b := NewBatch[string, int](src, 20*time.Millisecond, 0, nil)
	changes, cancel, err := b.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 1)))

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
}

func TestDeferUntilLoaded_SuppressesUntilFirstNonEmptyBatch(t *testing.T) {
	src := &fakeSource[string, int]{}
	d := NewDeferUntilLoaded[string, int](src)
	changes, cancel, err := d.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 1)))
	cs := drainCS(t, changes)
	assert.Equal(t, 1, cs.Len())
}

func TestSkipInitial_DropsFirstBatchOnly(t *testing.T) {
	src := &fakeSource[string, int]{}
	s := NewSkipInitial[string, int](src)
	changes, cancel, err := s.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 1)))
	src.push(build[string, int](t, changeset.NewAdd[string, int]("b", 2)))

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "b", cs.Records()[0].Key)
}
