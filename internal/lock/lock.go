// Package lock serializes work on a (vehicle, day) route across planner runs.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker grants exclusive access to a key until the returned release func is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RouteKey names the lock guarding one vehicle's route on one day.
func RouteKey(vehicleID, day string) string { return "route:" + vehicleID + ":" + day }

// AcquireAll takes every key in sorted order so concurrent runs cannot deadlock.
// On failure nothing stays held.
func AcquireAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	var held []func()
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	prev := ""
	for i, k := range sorted {
		if i > 0 && k == prev {
			continue
		}
		prev = k
		release, err := l.Acquire(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemory() *Memory { return &Memory{slots: map[string]chan struct{}{}} }

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
