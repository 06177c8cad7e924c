package operator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEditor[K comparable] struct {
	mu      sync.Mutex
	removed []K
}

func (f *fakeEditor[K]) Remove(keys ...K) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, keys...)
	return nil
}

func (f *fakeEditor[K]) snapshot() []K {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]K, len(f.removed))
	copy(out, f.removed)
	return out
}

func TestExpireAfter_FiresAndRemoves(t *testing.T) {
	editor := &fakeEditor[string]{}
	e := NewExpireAfter[string, int](editor, func(v int) (time.Duration, bool) {
		return 10 * time.Millisecond, true
	})
	defer e.Close()

	e.Track("a", 1)

	require.Eventually(t, func() bool {
		return len(editor.snapshot()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "a", editor.snapshot()[0])
}

func TestExpireAfter_NeverExpiresWhenDeadlineOfReturnsFalse(t *testing.T) {
	editor := &fakeEditor[string]{}
	e := NewExpireAfter[string, int](editor, func(v int) (time.Duration, bool) {
		return 0, false
	})
	defer e.Close()

	e.Track("a", 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, editor.snapshot())
}

func TestExpireAfter_UntrackCancelsTimer(t *testing.T) {
	editor := &fakeEditor[string]{}
	e := NewExpireAfter[string, int](editor, func(v int) (time.Duration, bool) {
		return 10 * time.Millisecond, true
	})
	defer e.Close()

	e.Track("a", 1)
	e.Untrack("a")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, editor.snapshot())
}

func TestLimitSizeTo_EvictsOldestPastCapacity(t *testing.T) {
	editor := &fakeEditor[string]{}
	l := NewLimitSizeTo[string, int](editor, 2)

	l.Track("a", 0)
	l.Track("b", 0)
	l.Track("c", 0)

	assert.Equal(t, []string{"a"}, editor.snapshot())
}
