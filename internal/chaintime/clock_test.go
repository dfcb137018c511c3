package chaintime

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeHeaders struct {
	mu     sync.Mutex
	header *types.Header
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (f *fakeHeaders) Header(ctx context.Context, _ *big.Int) (*types.Header, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := *f.header
	return &h, nil
}

func (f *fakeHeaders) set(block, ts uint64) {
	f.mu.Lock()
	f.header = &types.Header{Number: new(big.Int).SetUint64(block), Time: ts}
	f.mu.Unlock()
}

type manualNow struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualNow) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func newClock(t *testing.T) (*Clock, *fakeHeaders, *manualNow) {
	t.Helper()
	source := &fakeHeaders{}
	source.set(100, 1_700_000_000)
	now := &manualNow{now: time.Unix(0, 0)}
	return New(source, WithNow(now.Now)), source, now
}

func TestUnsyncedClockReportsUnknown(t *testing.T) {
	clock, _, _ := newClock(t)

	_, ok := clock.Current()
	require.False(t, ok)
	require.Equal(t, time.Duration(math.MaxInt64), clock.Age())
	require.Equal(t, int64(42), clock.CurrentOr(time.Unix(42, 0)))
}

func TestCurrentExtrapolatesInWholeSeconds(t *testing.T) {
	clock, _, now := newClock(t)

	ts, ok := clock.Sync(context.Background())
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_000), ts)

	now.Advance(2700 * time.Millisecond)
	ts, ok = clock.Current()
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_002), ts)
	require.Equal(t, 2700*time.Millisecond, clock.Age())
}

func TestRegressedBlockIsDiscarded(t *testing.T) {
	clock, source, _ := newClock(t)
	ctx := context.Background()
	_, ok := clock.Sync(ctx)
	require.True(t, ok)

	source.set(99, 1_600_000_000)
	ts, ok := clock.Sync(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_000), ts)

	snap, ok := clock.Snapshot()
	require.True(t, ok)
	require.Equal(t, uint64(100), snap.BlockNumber)
}

func TestSameBlockKeepsOriginalCapture(t *testing.T) {
	clock, _, now := newClock(t)
	ctx := context.Background()
	_, _ = clock.Sync(ctx)

	now.Advance(3 * time.Second)
	ts, ok := clock.Sync(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_003), ts)
}

func TestCurrentNeverMovesBackwards(t *testing.T) {
	clock, _, now := newClock(t)
	_, _ = clock.Sync(context.Background())
	now.Advance(5 * time.Second)
	before, _ := clock.Current()

	// The next block reports an earlier timestamp than the extrapolation.
	require.True(t, clock.Observe(&types.Header{Number: big.NewInt(101), Time: 1_700_000_002}))
	after, ok := clock.Current()
	require.True(t, ok)
	require.GreaterOrEqual(t, after, before)
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	clock, source, _ := newClock(t)
	source.gate = make(chan struct{})

	var (
		wg     sync.WaitGroup
		synced atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := clock.Sync(context.Background()); ok {
				synced.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	require.Equal(t, int32(1), source.calls.Load())
	require.Equal(t, int32(10), synced.Load())
}

func TestCancelledCallerLeavesSharedSyncRunning(t *testing.T) {
	clock, source, _ := newClock(t)
	source.gate = make(chan struct{})

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan bool, 1)
	go func() {
		_, ok := clock.Sync(first)
		firstDone <- ok
	}()
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan bool, 1)
	go func() {
		_, ok := clock.Sync(context.Background())
		secondDone <- ok
	}()
	cancel()
	require.False(t, <-firstDone)

	time.Sleep(20 * time.Millisecond)
	close(source.gate)
	require.True(t, <-secondDone)
	require.Equal(t, int32(1), source.calls.Load())
	ts, ok := clock.Current()
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_000), ts)
}

func TestSyncFailureReportsUnknownWithoutPanicking(t *testing.T) {
	clock, source, _ := newClock(t)
	source.err = errors.New("connection refused")

	_, ok := clock.Sync(context.Background())
	require.False(t, ok)
	_, ok = clock.Current()
	require.False(t, ok)
}

func TestEnsureFreshSyncsOnlyWhenStale(t *testing.T) {
	clock, source, now := newClock(t)
	ctx := context.Background()

	_, ok := clock.EnsureFresh(ctx, 30*time.Second)
	require.True(t, ok)
	require.Equal(t, int32(1), source.calls.Load())

	now.Advance(10 * time.Second)
	_, _ = clock.EnsureFresh(ctx, 30*time.Second)
	require.Equal(t, int32(1), source.calls.Load())

	now.Advance(30 * time.Second)
	source.set(110, 1_700_000_040)
	ts, ok := clock.EnsureFresh(ctx, 30*time.Second)
	require.True(t, ok)
	require.Equal(t, int32(2), source.calls.Load())
	require.Equal(t, int64(1_700_000_040), ts)
}

func TestResetForgetsSnapshot(t *testing.T) {
	clock, source, _ := newClock(t)
	ctx := context.Background()
	_, _ = clock.Sync(ctx)

	clock.Reset()
	_, ok := clock.Current()
	require.False(t, ok)

	// After a reset a lower height from a failed-over node is accepted.
	source.set(90, 1_699_999_900)
	ts, ok := clock.Sync(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1_699_999_900), ts)
}
