package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]Locker {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Locker{"memory": NewMemory(), "redis": NewRedis(rdb, time.Minute)}
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					release, err := l.Acquire(context.Background(), RouteKey("v1", "2024-06-03"))
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					release()
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, maxInside)
		})
	}
}

func TestLockerHonorsContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(context.Background(), "k")
			require.NoError(t, err)
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = l.Acquire(ctx, "k")
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			// other keys are independent
			other, err := l.Acquire(context.Background(), "other")
			require.NoError(t, err)
			other()
		})
	}
}

func TestAcquireAllDeduplicatesAndReleases(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := AcquireAll(context.Background(), l, []string{"b", "a", "b"})
			require.NoError(t, err)
			release()

			again, err := AcquireAll(context.Background(), l, []string{"a", "b"})
			require.NoError(t, err)
			again()
		})
	}
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	l := NewMemory()
	hold, err := l.Acquire(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = AcquireAll(ctx, l, []string{"a", "b"})
	require.Error(t, err)
	hold()

	// "a" must have been released by the failed attempt
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release()
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedis(rdb, time.Minute)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	// simulate lease expiry and takeover by another holder
	mr.Set("crewroute:lock:k", "someone-else")
	release()
	got, err := mr.Get("crewroute:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
