package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	pool := New(Config{Workers: 3, QueueSize: 16}, nil)

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(Job{
			Key: "BTCUSDT|long|telegram",
			Run: func(ctx context.Context) error {
				defer wg.Done()
				atomic.AddInt64(&done, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	pool.Stop()

	assert.Equal(t, int64(20), atomic.LoadInt64(&done))
}

func TestPoolStopDrainsQueue(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 32}, nil)

	var done int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(Job{
			Key: "ETHUSDT|short|manual",
			Run: func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&done, 1)
				return nil
			},
		}))
	}
	pool.Stop()

	assert.Equal(t, int64(10), atomic.LoadInt64(&done))
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := New(DefaultConfig(), nil)
	pool.Stop()

	err := pool.Submit(Job{Key: "k", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.False(t, pool.TrySubmit(Job{Key: "k", Run: func(ctx context.Context) error { return nil }}))
}

func TestPoolTrySubmitFullQueue(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1}, nil)
	defer pool.Stop()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(Job{
		Key: "blocker",
		Run: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))

	// Fill the single queue slot, then the next TrySubmit must refuse.
	filled := false
	for i := 0; i < 3; i++ {
		if !pool.TrySubmit(Job{Key: "filler", Run: func(ctx context.Context) error { return nil }}) {
			filled = true
			break
		}
	}
	assert.True(t, filled)
	close(block)
}

func TestPoolLogsJobErrors(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 4}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, pool.Submit(Job{
		Key: "failing",
		Run: func(ctx context.Context) error {
			defer wg.Done()
			return errors.New("simulation failed")
		},
	}))
	wg.Wait()
	pool.Stop()
}

func TestPoolDefaultsAppliedForZeroConfig(t *testing.T) {
	pool := New(Config{}, nil)
	defer pool.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, pool.Submit(Job{Key: "k", Run: func(ctx context.Context) error {
		defer wg.Done()
		return nil
	}}))
	wg.Wait()
	assert.Equal(t, 0, pool.QueueDepth())
}
