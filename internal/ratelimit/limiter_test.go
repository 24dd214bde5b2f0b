package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsStrategy(t *testing.T) {
	tb, err := New(Config{Strategy: StrategyTokenBucket, RPS: 1})
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, tb)

	sw, err := New(Config{Strategy: StrategySlidingWindow, RPS: 1})
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, sw)

	ad, err := New(Config{Strategy: StrategyAdaptive, RPS: 1})
	require.NoError(t, err)
	assert.IsType(t, &Adaptive{}, ad)

	// Empty strategy falls back to the token bucket.
	def, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, def)
}

func TestNewUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "fibonacci"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fibonacci")
}

func TestTokenBucketDelaysSecondAcquire(t *testing.T) {
	// 10 RPS with burst 1: the second acquire should wait ~100ms.
	l := NewTokenBucket(10, 1)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestTokenBucketContextCancel(t *testing.T) {
	l := NewTokenBucket(0.1, 1)
	require.NoError(t, l.Acquire(context.Background()))

	// The next token is 10s away; the context gives up long before.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx))
}

func TestTokenBucketGrantBound(t *testing.T) {
	// Grants over a window never exceed elapsed*rate + burst.
	const (
		rps   = 50.0
		burst = 5
	)
	l := NewTokenBucket(rps, burst)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var granted atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Acquire(ctx); err != nil {
					return
				}
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	allowed := int64(elapsed.Seconds()*rps) + burst + 1
	assert.LessOrEqual(t, granted.Load(), allowed)
	assert.Greater(t, granted.Load(), int64(burst))
}

func TestSlidingWindowStrictCap(t *testing.T) {
	// 10 RPS over a 500ms window admits 5 requests, then blocks until
	// the oldest timestamp leaves the window.
	l := NewSlidingWindow(10, 500*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestSlidingWindowContextCancel(t *testing.T) {
	// Capacity 1 per 10s window: the second acquire must block.
	l := NewSlidingWindow(0.1, 10*time.Second)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx))
}

func TestSlidingWindowConcurrentBound(t *testing.T) {
	const window = 100 * time.Millisecond
	// 20 RPS over a 100ms window admits 2 per window.
	l := NewSlidingWindow(20, window)

	ctx, cancel := context.WithTimeout(context.Background(), 550*time.Millisecond)
	defer cancel()

	var granted atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Acquire(ctx); err != nil {
					return
				}
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	windows := int64(elapsed/window) + 1
	assert.LessOrEqual(t, granted.Load(), 2*windows)
	assert.GreaterOrEqual(t, granted.Load(), int64(2))
}

func TestAdaptiveRaisesAfterStreak(t *testing.T) {
	l := NewAdaptive(Config{RPS: 2, MinRPS: 0.5, MaxRPS: 10})
	require.InDelta(t, 2.0, l.Rate(), 1e-9)

	for i := 0; i < successStreak-1; i++ {
		l.ReportSuccess()
	}
	// Streak not complete yet.
	require.InDelta(t, 2.0, l.Rate(), 1e-9)

	l.ReportSuccess()
	require.InDelta(t, 2.4, l.Rate(), 1e-9)
}

func TestAdaptiveLowersOnFailure(t *testing.T) {
	l := NewAdaptive(Config{RPS: 4, MinRPS: 0.5, MaxRPS: 10})

	l.ReportFailure()
	require.InDelta(t, 2.0, l.Rate(), 1e-9)

	// A failure mid-streak resets the streak.
	for i := 0; i < successStreak-1; i++ {
		l.ReportSuccess()
	}
	l.ReportFailure()
	require.InDelta(t, 1.0, l.Rate(), 1e-9)

	for i := 0; i < successStreak-1; i++ {
		l.ReportSuccess()
	}
	require.InDelta(t, 1.0, l.Rate(), 1e-9)
	l.ReportSuccess()
	require.InDelta(t, 1.2, l.Rate(), 1e-9)
}

func TestAdaptiveClamps(t *testing.T) {
	l := NewAdaptive(Config{RPS: 1, MinRPS: 0.5, MaxRPS: 2})

	for i := 0; i < 10; i++ {
		l.ReportFailure()
	}
	require.InDelta(t, 0.5, l.Rate(), 1e-9)

	for i := 0; i < 20*successStreak; i++ {
		l.ReportSuccess()
	}
	require.InDelta(t, 2.0, l.Rate(), 1e-9)
}

func TestAdaptiveAcquireUsesTunedRate(t *testing.T) {
	l := NewAdaptive(Config{RPS: 10, Burst: 1, MinRPS: 0.5, MaxRPS: 10})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
