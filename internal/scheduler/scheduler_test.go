package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapbook/errs"
)

func TestSchedulerBoundsConcurrencyAndSpacingUnderBurst(t *testing.T) {
	const (
		maxConcurrent = 2
		interval      = 3 * time.Millisecond
		burst         = 100
	)

	var (
		mu         sync.Mutex
		dispatches []time.Time
		current    atomic.Int64
		peak       atomic.Int64
	)
	s := New(Config{
		MaxConcurrent:     maxConcurrent,
		MinInterval:       interval,
		RateLimitCooldown: time.Millisecond,
	}, WithDispatchHook(func(at time.Time) {
		mu.Lock()
		dispatches = append(dispatches, at)
		mu.Unlock()
	}))

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	wg.Add(burst)
	for i := 0; i < burst; i++ {
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), "burst", func(context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures.Load())

	require.LessOrEqual(t, peak.Load(), int64(maxConcurrent))
	require.Len(t, dispatches, burst)
	sort.Slice(dispatches, func(i, j int) bool { return dispatches[i].Before(dispatches[j]) })
	for i := 1; i < len(dispatches); i++ {
		gap := dispatches[i].Sub(dispatches[i-1])
		require.GreaterOrEqualf(t, gap, interval, "dispatch %d followed previous after %v", i, gap)
	}
	require.Equal(t, 0, s.InFlight())
}

func TestSchedulerRequeuesRateLimitedWork(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, MinInterval: 0, RateLimitCooldown: time.Millisecond})

	var calls atomic.Int32
	value, err := Run(context.Background(), s, "orders", func(context.Context) (int, error) {
		if calls.Add(1) <= 2 {
			return 0, errs.New("chain", errs.CodeRateLimited, errs.WithRPCCode(429))
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, int32(3), calls.Load())
}

func TestSchedulerPropagatesOtherErrorsUnchanged(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, RateLimitCooldown: time.Millisecond})
	boom := errors.New("execution reverted")

	var calls atomic.Int32
	err := s.Do(context.Background(), "orders", func(context.Context) error {
		calls.Add(1)
		return boom
	})

	require.Same(t, boom, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestSchedulerRespectsRetryBudget(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, RateLimitCooldown: time.Millisecond, MaxRateLimitRetries: 2})

	var calls atomic.Int32
	err := s.Do(context.Background(), "orders", func(context.Context) error {
		calls.Add(1)
		return errs.New("chain", errs.CodeRateLimited)
	})

	require.True(t, errs.Is(err, errs.CodeRateLimited))
	require.Equal(t, int32(3), calls.Load())
}

func TestSchedulerStopsWaitingWhenContextEnds(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, RateLimitCooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Do(ctx, "orders", func(context.Context) error {
			return errs.New("chain", errs.CodeRateLimited)
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not observe cancellation")
	}
}

func TestSchedulerRejectsWorkAfterClose(t *testing.T) {
	s := New(DefaultConfig())
	s.Close()

	err := s.Do(context.Background(), "orders", func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeClosed))
}
