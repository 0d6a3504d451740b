package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(16, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestFetchCachesValue(t *testing.T) {
	c := newTestCache(t)
	key := Key{Kind: "escrow", Subject: "a"}
	var loads atomic.Int32

	load := func(context.Context) (any, error) {
		loads.Add(1)
		return "v1", nil
	}

	v, err := c.Fetch(context.Background(), key, load)
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	v, err = c.Fetch(context.Background(), key, load)
	require.NoError(t, err)
	require.Equal(t, "v1", v)
	require.EqualValues(t, 1, loads.Load())

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(t)
	key := Key{Kind: "escrow", Subject: "a"}
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestInvalidateIsExactKey(t *testing.T) {
	c := newTestCache(t)
	a := Key{Kind: "escrow", Subject: "a"}
	b := Key{Kind: "escrow", Subject: "b"}
	list := Key{Kind: "escrows-by-maker", Subject: "a"}

	for _, k := range []Key{a, b, list} {
		k := k
		_, err := c.Fetch(context.Background(), k, func(context.Context) (any, error) { return k.String(), nil })
		require.NoError(t, err)
	}

	c.Invalidate(a, list)

	_, ok := c.Get(a)
	require.False(t, ok)
	_, ok = c.Get(list)
	require.False(t, ok)
	v, ok := c.Get(b)
	require.True(t, ok)
	require.Equal(t, "escrow:b", v)
	require.EqualValues(t, 2, c.Stats().Invalidations)
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	c := newTestCache(t)
	key := Key{Kind: "escrow", Subject: "a"}
	release := make(chan struct{})
	var loads atomic.Int32

	load := func(context.Context) (any, error) {
		loads.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), key, load)
			if err == nil {
				results[i] = v
			}
		}(i)
	}

	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, loads.Load())
	for _, v := range results {
		require.Equal(t, 7, v)
	}
}

func TestLoadRacingInvalidationIsDropped(t *testing.T) {
	c := newTestCache(t)
	key := Key{Kind: "escrow", Subject: "a"}
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan any)
	go func() {
		v, _ := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- v
	}()

	<-started
	c.Invalidate(key)
	close(release)
	require.Equal(t, "stale", <-done)

	_, ok := c.Get(key)
	require.False(t, ok, "value loaded before invalidation must not be cached")

	v, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) { return "fresh", nil })
	require.NoError(t, err)
	require.Equal(t, "fresh", v)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.gens)
	require.Empty(t, c.loading)
}

func TestInvalidateWithoutLoadsKeepsNoState(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 100; i++ {
		key := Key{Kind: "escrow", Subject: fmt.Sprint(i)}
		_, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) { return i, nil })
		require.NoError(t, err)
		c.Invalidate(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.gens)
	require.Empty(t, c.loading)
	require.EqualValues(t, 100, c.invalidations.Load())
}

func TestCancelledCallerDoesNotFailJoinedCaller(t *testing.T) {
	c := newTestCache(t)
	key := Key{Kind: "escrow", Subject: "a"}
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32

	load := func(ctx context.Context) (any, error) {
		if loads.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "v", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, key, load)
		errA <- err
	}()
	<-started

	type result struct {
		v   any
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := c.Fetch(context.Background(), key, load)
		resB <- result{v, err}
	}()
	time.Sleep(10 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, "v", got.v)
	require.EqualValues(t, 1, loads.Load())

	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestFetchHonoursContext(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)
	_, err := c.Fetch(ctx, Key{Kind: "escrow", Subject: "a"}, func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
