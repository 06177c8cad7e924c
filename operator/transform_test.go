package operator

import (
	"errors"
	"testing"

	"changeset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(v int) (int, error) { return v * 2, nil }

func TestTransform_AddAndUpdate(t *testing.T) {
	src := &fakeSource[string, int]{}
	tr := NewTransform[string, int, int](src, double)
	changes, cancel, err := tr.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 5)))
	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, 10, cs.Records()[0].Current.MustValue())

	src.push(build[string, int](t, changeset.NewUpdate[string, int]("a", 7, 5)))
	cs = drainCS(t, changes)
	require.Equal(t, changeset.Update, cs.Records()[0].Reason)
	assert.Equal(t, 14, cs.Records()[0].Current.MustValue())
}

func TestTransform_RemoveEmitsDestinationValue(t *testing.T) {
	src := &fakeSource[string, int]{}
	tr := NewTransform[string, int, int](src, double)
	changes, cancel, err := tr.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", 5)))
	drainCS(t, changes)

	src.push(build[string, int](t, changeset.NewRemove[string, int]("a", 5)))
	cs := drainCS(t, changes)
	require.Equal(t, changeset.Remove, cs.Records()[0].Reason)
	assert.Equal(t, 10, cs.Records()[0].Previous.MustValue())
}

func TestTransform_ErrorIsFatalWithoutHandler(t *testing.T) {
	src := &fakeSource[string, int]{}
	boom := errors.New("boom")
	tr := NewTransform[string, int, int](src, func(v int) (int, error) {
		if v < 0 {
			return 0, boom
		}
		return v, nil
	})
	changes, cancel, err := tr.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t, changeset.NewAdd[string, int]("a", -1)))

	_, ok := <-changes
	assert.False(t, ok, "stream must close after a fatal transform error")
}

func TestTransform_SafeRoutesErrorsToHandler(t *testing.T) {
	src := &fakeSource[string, int]{}
	boom := errors.New("boom")
	var captured error
	tr := NewTransformSafe[string, int, int](src, func(v int) (int, error) {
		if v < 0 {
			return 0, boom
		}
		return v * 2, nil
	}, func(key string, err error) { captured = err })
	changes, cancel, err := tr.Connect()
	require.NoError(t, err)
	defer cancel()

	src.push(build[string, int](t,
		changeset.NewAdd[string, int]("bad", -1),
		changeset.NewAdd[string, int]("good", 3),
	))

	cs := drainCS(t, changes)
	require.Equal(t, 1, cs.Len())
	assert.Equal(t, "good", cs.Records()[0].Key)
	assert.ErrorIs(t, captured, boom)
}
