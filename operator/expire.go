package operator

import (
	"sync"
	"time"

	"changeset/core"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// CacheEditor is the minimal surface expire-after/limit-size-to need from a
// source.Cache to remove expired/evicted keys; satisfied by
// source.Cache[K,V].Remove.
type CacheEditor[K comparable] interface {
	Remove(keys ...K) error
}

// ExpireAfter schedules removal of an item a duration after it is added or
// updated, as decided by deadlineOf (§4.3.9). It is implemented at the
// source level: removals are applied by calling cache.Remove, which itself
// surfaces as an ordinary Remove change record through the source's normal
// publish path.
type ExpireAfter[K comparable, V any] struct {
	cache      CacheEditor[K]
	deadlineOf func(V) (time.Duration, bool)

	mu     sync.Mutex
	timers map[K]*time.Timer
	done   chan struct{}
	closeOnce sync.Once
}

// NewExpireAfter constructs an expire-after scheduler bound to cache.
// deadlineOf returns (duration, false) to mean "never expires".
func NewExpireAfter[K comparable, V any](cache CacheEditor[K], deadlineOf func(V) (time.Duration, bool)) *ExpireAfter[K, V] {
	return &ExpireAfter[K, V]{
		cache:      cache,
		deadlineOf: deadlineOf,
		timers:     make(map[K]*time.Timer),
		done:       make(chan struct{}),
	}
}

// Track schedules (or reschedules) key's expiry timer based on value.
func (e *ExpireAfter[K, V]) Track(key K, value V) {
	dur, ok := e.deadlineOf(value)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, has := e.timers[key]; has {
		existing.Stop()
		delete(e.timers, key)
	}
	if !ok {
		return
	}
	e.timers[key] = time.AfterFunc(dur, func() { e.fire(key) })
}

// Untrack cancels key's expiry timer without removing it from the cache
// (used when the key was removed by some other path first).
func (e *ExpireAfter[K, V]) Untrack(key K) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *ExpireAfter[K, V]) fire(key K) {
	e.mu.Lock()
	delete(e.timers, key)
	e.mu.Unlock()

	if err := e.cache.Remove(key); err != nil {
		core.Debug("operator: ExpireAfter remove failed", zap.Error(err))
	}
}

// Close cancels every outstanding timer.
func (e *ExpireAfter[K, V]) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		defer e.mu.Unlock()
		for key, t := range e.timers {
			t.Stop()
			delete(e.timers, key)
		}
	})
}

// LimitSizeTo evicts the oldest entries (by insertion order) once the
// tracked key count exceeds n, using simplelru's insertion-ordered
// eviction bookkeeping in place of a hand-rolled doubly linked list
// (§4.3.9).
type LimitSizeTo[K comparable, V any] struct {
	cache CacheEditor[K]
	n     int

	mu  sync.Mutex
	lru *simplelru.LRU[K, struct{}]
}

// NewLimitSizeTo constructs a size-bounded eviction tracker of capacity n.
func NewLimitSizeTo[K comparable, V any](cache CacheEditor[K], n int) *LimitSizeTo[K, V] {
	l := &LimitSizeTo[K, V]{cache: cache, n: n}
	lru, _ := simplelru.NewLRU[K, struct{}](n, func(key K, _ struct{}) {
		if err := cache.Remove(key); err != nil {
			core.Debug("operator: LimitSizeTo remove failed", zap.Error(err))
		}
	})
	l.lru = lru
	return l
}

// Track records key's presence. Once the tracked count exceeds n, the
// oldest untouched key is evicted via the cache's Remove, which surfaces
// as an ordinary Remove change record.
func (l *LimitSizeTo[K, V]) Track(key K, _ V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Add(key, struct{}{})
}

// Untrack drops key's eviction bookkeeping without removing it from the
// cache (used when the key was removed by some other path first).
func (l *LimitSizeTo[K, V]) Untrack(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Remove(key)
}
