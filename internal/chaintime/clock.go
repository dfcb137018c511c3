// Package chaintime keeps a monotonic estimate of the chain's current time.
package chaintime

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

// syncTimeout bounds one shared header read.
const syncTimeout = 15 * time.Second

// HeaderSource reads block headers. A nil number means the head.
type HeaderSource interface {
	Header(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Clock extrapolates chain time from the last accepted block header.
// It never returns errors; an unknown time is reported with ok=false.
type Clock struct {
	source HeaderSource
	logger observability.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	snapshot *schema.ChainTimeSnapshot
	floor    atomic.Int64

	syncCounter metric.Int64Counter
}

// Option customises a Clock.
type Option func(*Clock)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Clock) { c.logger = observability.OrDefault(logger) }
}

// WithNow overrides the local time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a clock reading headers from source.
func New(source HeaderSource, opts ...Option) *Clock {
	c := &Clock{source: source, logger: observability.Log(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	meter := otel.Meter("chaintime")
	c.syncCounter, _ = meter.Int64Counter("chaintime.syncs",
		metric.WithDescription("Chain time synchronisations by outcome"),
		metric.WithUnit("{sync}"))
	return c
}

// Sync reads the head block and accepts its timestamp.
func (c *Clock) Sync(ctx context.Context) (int64, bool) {
	return c.SyncBlock(ctx, nil)
}

// SyncBlock reads block number (nil for the head) and accepts its timestamp.
// Concurrent calls for the same block share one request, which runs detached
// from any single caller and is bounded by syncTimeout. A transport failure
// or a cancelled ctx reports ok=false; a regressed header leaves the current
// estimate in place.
func (c *Clock) SyncBlock(ctx context.Context, number *big.Int) (int64, bool) {
	key := "latest"
	if number != nil {
		key = number.String()
	}
	shared := context.WithoutCancel(ctx)
	result := c.group.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(shared, syncTimeout)
		defer cancel()
		header, err := c.source.Header(readCtx, number)
		if err != nil {
			c.record(readCtx, "error")
			c.logger.Warn("chain time sync failed", observability.F("block", key), observability.Err(err))
			return false, nil
		}
		if !c.Observe(header) {
			c.record(readCtx, "rejected")
		} else {
			c.record(readCtx, "ok")
		}
		return true, nil
	})
	select {
	case res := <-result:
		if reached, _ := res.Val.(bool); !reached {
			return 0, false
		}
		return c.Current()
	case <-ctx.Done():
		return 0, false
	}
}

// Observe offers a header to the clock, typically from a new-head
// notification. Headers older than the accepted one are rejected; the same
// block keeps the existing snapshot.
func (c *Clock) Observe(header *types.Header) bool {
	if header == nil || header.Number == nil || !header.Number.IsUint64() {
		return false
	}
	block := header.Number.Uint64()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		if block < c.snapshot.BlockNumber {
			c.logger.Debug("discarding regressed block",
				observability.F("block", block),
				observability.F("accepted", c.snapshot.BlockNumber))
			return false
		}
		if block == c.snapshot.BlockNumber {
			return true
		}
	}
	c.snapshot = &schema.ChainTimeSnapshot{
		ChainTimestamp: int64(header.Time),
		CapturedAt:     c.now(),
		BlockNumber:    block,
	}
	return true
}

// Current extrapolates chain time from the snapshot in whole seconds. The
// result never decreases between resets.
func (c *Clock) Current() (int64, bool) {
	c.mu.RLock()
	snapshot := c.snapshot
	c.mu.RUnlock()
	if snapshot == nil {
		return 0, false
	}
	estimate := snapshot.Extrapolate(c.now())
	for {
		floor := c.floor.Load()
		if estimate <= floor {
			return floor, true
		}
		if c.floor.CompareAndSwap(floor, estimate) {
			return estimate, true
		}
	}
}

// CurrentOr returns chain time, or fallback's Unix seconds when unknown.
func (c *Clock) CurrentOr(fallback time.Time) int64 {
	if now, ok := c.Current(); ok {
		return now
	}
	return fallback.Unix()
}

// EnsureFresh syncs only when the snapshot is missing or older than maxAge.
func (c *Clock) EnsureFresh(ctx context.Context, maxAge time.Duration) (int64, bool) {
	if c.Age() <= maxAge {
		return c.Current()
	}
	return c.Sync(ctx)
}

// Age is the time since the snapshot was captured, or math.MaxInt64 when
// the clock has never synced.
func (c *Clock) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return time.Duration(math.MaxInt64)
	}
	return c.now().Sub(c.snapshot.CapturedAt)
}

// Snapshot returns a copy of the accepted snapshot.
func (c *Clock) Snapshot() (schema.ChainTimeSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return schema.ChainTimeSnapshot{}, false
	}
	return *c.snapshot, true
}

// Reset forgets the snapshot, for example after the connection drops and a
// failed-over node may sit at a lower height.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.snapshot = nil
	c.floor.Store(0)
	c.mu.Unlock()
}

func (c *Clock) record(ctx context.Context, outcome string) {
	if c.syncCounter == nil {
		return
	}
	c.syncCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// String renders the snapshot for logs.
func (c *Clock) String() string {
	snap, ok := c.Snapshot()
	if !ok {
		return "chaintime(unsynced)"
	}
	return "chaintime(block=" + strconv.FormatUint(snap.BlockNumber, 10) +
		" ts=" + strconv.FormatInt(snap.ChainTimestamp, 10) + ")"
}
