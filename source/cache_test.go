package source

import (
	"testing"
	"time"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name string
	Age  int
}

func (p person) Copy() person { return p }

func drain[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for emission")
		var zero T
		return zero
	}
}

func TestCache_InitialBatchOnSubscribe(t *testing.T) {
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	defer c.Close()

	require.NoError(t, c.AddOrUpdate(person{Name: "A", Age: 17}))

	changes, cancel, err := c.Connect(nil)
	require.NoError(t, err)
	defer cancel()

	cs := drain(t, changes, time.Second)
	require.Equal(t, 1, cs.Len())
	require.Equal(t, changeset.Add, cs.Records()[0].Reason)
}

func TestCache_EditCoalescesWithinBatch(t *testing.T) {
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	defer c.Close()

	changes, cancel, err := c.Connect(nil)
	require.NoError(t, err)
	defer cancel()

	err = c.Edit(func(u *CacheUpdater[string, person]) error {
		u.AddOrUpdate("A", person{Name: "A", Age: 17})
		u.Remove("A")
		return nil
	})
	require.NoError(t, err)

	// Add then Remove in one batch cancel (I3); nothing should be
	// published for this edit, so the next edit's emission must be the
	// only thing observed.
	err = c.Edit(func(u *CacheUpdater[string, person]) error {
		u.AddOrUpdate("B", person{Name: "B", Age: 20})
		return nil
	})
	require.NoError(t, err)

	cs := drain(t, changes, time.Second)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "B", cs.Records()[0].Key)
}

func TestCache_FilterAgeScenario(t *testing.T) {
	// Scenario 1 from spec §8.
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	defer c.Close()

	adult := func(p person) bool { return p.Age > 18 }

	changes, cancel, err := c.Connect(adult)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Edit(func(u *CacheUpdater[string, person]) error {
		u.AddOrUpdate("A", person{Name: "A", Age: 17})
		u.AddOrUpdate("B", person{Name: "B", Age: 20})
		u.AddOrUpdate("C", person{Name: "C", Age: 25})
		return nil
	}))

	cs := drain(t, changes, time.Second)
	require.Equal(t, 2, cs.Len())

	require.NoError(t, c.Edit(func(u *CacheUpdater[string, person]) error {
		u.AddOrUpdate("A", person{Name: "A", Age: 30})
		return nil
	}))
	cs = drain(t, changes, time.Second)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, changeset.Add, cs.Records()[0].Reason)
}

func TestCache_RefreshOnMissingKeyIsSilent(t *testing.T) {
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	defer c.Close()

	err := c.Refresh("ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Count())
}

func TestCache_WriterNotReentrant(t *testing.T) {
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	defer c.Close()

	err := c.Edit(func(u *CacheUpdater[string, person]) error {
		return c.Edit(func(inner *CacheUpdater[string, person]) error { return nil })
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, changeset.ErrWriterActive)
}

func TestCache_CloseDisposesSubscribers(t *testing.T) {
	c := NewCache[string, person](func(p person) string { return p.Name }, nil)
	changes, _, err := c.Connect(nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	_, ok := <-changes
	assert.False(t, ok)

	_, _, err = c.Connect(nil)
	assert.ErrorIs(t, err, changeset.ErrSourceClosed)
}
