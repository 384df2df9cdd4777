package inflight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupSharesOneComputation(t *testing.T) {
	var g Group[string]
	var runs atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		runs.Add(1)
		<-release
		return "result", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	var sharedCount atomic.Int32
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, shared := g.Do(context.Background(), "k", fn)
			assert.NoError(t, err)
			results[i] = v
			if shared {
				sharedCount.Add(1)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	// let every caller attach before finishing
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(callers-1), sharedCount.Load())
	for _, v := range results {
		assert.Equal(t, "result", v)
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestGroupDistinctKeysRunIndependently(t *testing.T) {
	var g Group[int]
	var runs atomic.Int32

	for i := 0; i < 3; i++ {
		v, err, shared := g.Do(context.Background(), fmt.Sprintf("k%d", i), func(ctx context.Context) (int, error) {
			runs.Add(1)
			return i, nil
		})
		require.NoError(t, err)
		assert.False(t, shared)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int32(3), runs.Load())
}

func TestGroupPropagatesErrors(t *testing.T) {
	var g Group[int]
	_, err, _ := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 0, fmt.Errorf("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestGroupComputationSurvivesOneWaiterLeaving(t *testing.T) {
	var g Group[string]
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool

	fn := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			cancelled.Store(true)
			return "", ctx.Err()
		}
	}

	leaverCtx, leave := context.WithCancel(context.Background())
	leaverErr := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(leaverCtx, "k", fn)
		leaverErr <- err
	}()
	<-started

	stayerResult := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		stayerResult <- v
	}()
	time.Sleep(20 * time.Millisecond)

	leave()
	assert.ErrorIs(t, <-leaverErr, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-stayerResult)
	assert.False(t, cancelled.Load())
}

func TestGroupCancelsWhenEveryWaiterLeaves(t *testing.T) {
	var g Group[string]
	cancelled := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err, _ := g.Do(ctx, "k", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abandoned computation was not cancelled")
	}

	// A new caller starts a fresh computation
	v, err, shared := g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fresh", v)
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = locker.TryLock(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = locker.TryLock(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseKeepsForeignMarker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	locker := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)

	// Our marker expires and another process takes the key
	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("extract:inflight:abc"), "stale release must not drop the new holder's marker")
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-url")
	assert.Error(t, err)
}
