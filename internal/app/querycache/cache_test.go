package querycache

import (
	"authgate/internal/platform/logging"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(clock *fakeClock) *Cache[string] {
	return New[string](Options{
		StaleTime: 8 * time.Hour,
		GCTime:    10 * time.Hour,
		Now:       clock.Now,
		Logger:    logging.Discard(),
	})
}

// countingFetcher returns v and counts invocations.
func countingFetcher(calls *atomic.Int32, v string) Fetcher[string] {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestFetch_CachesWhileFresh(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	var calls atomic.Int32

	v, err := c.Fetch(context.Background(), "auth", countingFetcher(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	clock.Advance(7 * time.Hour)
	v, err = c.Fetch(context.Background(), "auth", countingFetcher(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", v, "fresh value is reused")
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(time.Hour)
	v, err = c.Fetch(context.Background(), "auth", countingFetcher(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", v, "stale value is refetched")
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetch_NeverStale(t *testing.T) {
	clock := newFakeClock()
	c := New[string](Options{StaleTime: -1, GCTime: -1, Now: clock.Now, Logger: logging.Discard()})
	var calls atomic.Int32

	_, err := c.Fetch(context.Background(), "k", countingFetcher(&calls, "a"))
	require.NoError(t, err)
	clock.Advance(1000 * time.Hour)
	_, err = c.Fetch(context.Background(), "k", countingFetcher(&calls, "a"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, c.Sweep())
}

func TestFetch_CoalescesConcurrentCallers(t *testing.T) {
	c := newTestCache(newFakeClock())
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "auth", fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool {
		e, ok := c.Peek("auth")
		return ok && e.Fetching
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
}

func TestPrefetch_RacingFetchRunsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		c := newTestCache(newFakeClock())
		var calls atomic.Int32

		c.Prefetch(context.Background(), "auth", countingFetcher(&calls, "v"))
		v, err := c.Fetch(context.Background(), "auth", countingFetcher(&calls, "v"))
		require.NoError(t, err)
		assert.Equal(t, "v", v)

		require.Eventually(t, func() bool {
			e, _ := c.Peek("auth")
			return !e.Fetching
		}, time.Second, time.Millisecond)
		assert.EqualValues(t, 1, calls.Load(), "iteration %d", i)
	}
}

func TestPrefetch_SkipsFreshEntry(t *testing.T) {
	c := newTestCache(newFakeClock())
	c.Set("auth", "set")

	var calls atomic.Int32
	c.Prefetch(context.Background(), "auth", countingFetcher(&calls, "fetched"))

	e, ok := c.Peek("auth")
	require.True(t, ok)
	assert.Equal(t, "set", e.Value)
	assert.Zero(t, calls.Load())
}

func TestFetch_SetDuringFlightWins(t *testing.T) {
	c := newTestCache(newFakeClock())
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "stale", nil
	}

	done := make(chan string)
	go func() {
		v, _ := c.Fetch(context.Background(), "auth", fn)
		done <- v
	}()

	<-started
	c.Set("auth", "newer")
	close(release)

	assert.Equal(t, "newer", <-done)
	e, _ := c.Peek("auth")
	assert.Equal(t, "newer", e.Value)
	assert.False(t, e.Fetching)
}

func TestFetch_ErrorIsRecordedAndRetried(t *testing.T) {
	c := newTestCache(newFakeClock())
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), "auth", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	e, ok := c.Peek("auth")
	require.True(t, ok)
	assert.ErrorIs(t, e.Err, boom)
	assert.False(t, e.HasValue)

	var calls atomic.Int32
	v, err := c.Fetch(context.Background(), "auth", countingFetcher(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	e, _ = c.Peek("auth")
	assert.NoError(t, e.Err)
}

func TestFetch_PanicBecomesError(t *testing.T) {
	c := newTestCache(newFakeClock())

	_, err := c.Fetch(context.Background(), "auth", func(ctx context.Context) (string, error) {
		panic("resolver exploded")
	})
	require.ErrorIs(t, err, ErrFetchPanic)
	assert.Contains(t, err.Error(), "resolver exploded")
}

func TestFetch_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	c := newTestCache(newFakeClock())
	release := make(chan struct{})
	var sawCancel atomic.Bool

	fn := func(ctx context.Context) (string, error) {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := c.Fetch(ctx, "auth", fn)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		e, ok := c.Peek("auth")
		return ok && e.Fetching
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		e, _ := c.Peek("auth")
		return e.HasValue
	}, time.Second, time.Millisecond)

	e, _ := c.Peek("auth")
	assert.Equal(t, "late", e.Value, "forgotten result is cached anyway")
	assert.False(t, sawCancel.Load())
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("auth", "v")
	c.Set("other", "w")

	clock.Advance(9 * time.Hour)
	_, ok := c.Peek("other")
	require.True(t, ok)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, c.Sweep())
	_, ok = c.Peek("auth")
	assert.False(t, ok, "idle for 10h")
	_, ok = c.Peek("other")
	assert.True(t, ok, "used an hour ago")
}

func TestSweep_KeepsFetchingEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = c.Fetch(context.Background(), "auth", func(ctx context.Context) (string, error) {
			<-release
			return "v", nil
		})
	}()
	require.Eventually(t, func() bool {
		e, ok := c.Peek("auth")
		return ok && e.Fetching
	}, time.Second, time.Millisecond)

	clock.Advance(11 * time.Hour)
	assert.Zero(t, c.Sweep())
	close(release)
	<-done
}

func TestSubscribe_SeesTransitions(t *testing.T) {
	c := newTestCache(newFakeClock())

	var mu sync.Mutex
	var seen []Entry[string]
	var removed int
	unsubscribe := c.Subscribe(func(key string, e Entry[string], present bool) {
		mu.Lock()
		defer mu.Unlock()
		if !present {
			removed++
			return
		}
		seen = append(seen, e)
	})

	_, err := c.Fetch(context.Background(), "auth", func(ctx context.Context) (string, error) { return "a", nil })
	require.NoError(t, err)
	c.Set("auth", "b")
	c.Remove("auth")

	unsubscribe()
	c.Set("auth", "ignored")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.True(t, seen[0].Fetching)
	assert.Equal(t, "a", seen[1].Value)
	assert.Equal(t, "b", seen[2].Value)
	assert.Greater(t, seen[2].Version, seen[1].Version)
	assert.Equal(t, 1, removed)
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := newTestCache(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
