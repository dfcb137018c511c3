// Package fetcher retrieves ranges of orders, preferring one aggregated call
// per batch and falling back to individual reads.
package fetcher

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

const component = "fetcher"

// Config tunes batch retrieval.
type Config struct {
	BatchSize           int
	BatchDelay          time.Duration
	MulticallTimeout    time.Duration
	BulkRetryDelay      time.Duration
	FallbackConcurrency int
}

// DefaultConfig returns the fetcher defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		BatchDelay:          200 * time.Millisecond,
		MulticallTimeout:    5 * time.Second,
		BulkRetryDelay:      500 * time.Millisecond,
		FallbackConcurrency: 3,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MulticallTimeout <= 0 {
		c.MulticallTimeout = def.MulticallTimeout
	}
	if c.BulkRetryDelay < 0 {
		c.BulkRetryDelay = 0
	}
	if c.FallbackConcurrency <= 0 {
		c.FallbackConcurrency = def.FallbackConcurrency
	}
	return c
}

// Progress is reported after each batch.
type Progress func(fetched, total uint64)

// Fetcher reads order slots from the swap contract.
type Fetcher struct {
	swap      *chain.SwapContract
	multicall *chain.Multicall
	cfg       Config
	logger    observability.Logger

	batches metric.Int64Counter
	skipped metric.Int64Counter
}

// New constructs a fetcher. multicall may be nil to always read individually.
func New(swap *chain.SwapContract, multicall *chain.Multicall, cfg Config, logger observability.Logger) *Fetcher {
	f := &Fetcher{
		swap:      swap,
		multicall: multicall,
		cfg:       cfg.normalize(),
		logger:    observability.OrDefault(logger),
	}
	meter := otel.Meter("fetcher")
	f.batches, _ = meter.Int64Counter("fetcher.batches",
		metric.WithDescription("Order batches fetched by path"),
		metric.WithUnit("{batch}"))
	f.skipped, _ = meter.Int64Counter("fetcher.skipped",
		metric.WithDescription("Order slots skipped during fetch"),
		metric.WithUnit("{order}"))
	return f
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// FetchBatched fetches ids [0, total) in sequential batches of batchSize,
// reporting progress after each batch. A non-positive batchSize uses the
// configured size.
func (f *Fetcher) FetchBatched(ctx context.Context, total uint64, batchSize int, progress Progress) ([]schema.Order, error) {
	if batchSize <= 0 {
		batchSize = f.cfg.BatchSize
	}
	orders := make([]schema.Order, 0, total)
	for start := uint64(0); start < total; start += uint64(batchSize) {
		end := min(start+uint64(batchSize), total)
		batch, err := f.FetchRange(ctx, start, end)
		if err != nil {
			return orders, err
		}
		orders = append(orders, batch...)
		if progress != nil {
			progress(end, total)
		}
		if end < total && f.cfg.BatchDelay > 0 {
			if err := sleep(ctx, f.cfg.BatchDelay); err != nil {
				return orders, err
			}
		}
	}
	return orders, nil
}

// FetchRange fetches ids [start, end) in ascending order. Empty slots and
// unreadable entries are skipped. Cancellation and a lost connection are
// returned as errors.
func (f *Fetcher) FetchRange(ctx context.Context, start, end uint64) ([]schema.Order, error) {
	if end <= start {
		return nil, nil
	}
	if f.multicall.Available(ctx) {
		orders, err := f.bulk(ctx, start, end)
		if err == nil {
			f.countBatch(ctx, "bulk")
			return orders, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("bulk fetch failed, falling back to individual reads",
			observability.F("start", start),
			observability.F("end", end),
			observability.Err(err))
	}
	orders, err := f.individual(ctx, start, end)
	if err != nil {
		return nil, err
	}
	f.countBatch(ctx, "fallback")
	return orders, nil
}

// bulk aggregates the range into one call, retried once after BulkRetryDelay.
func (f *Fetcher) bulk(ctx context.Context, start, end uint64) ([]schema.Order, error) {
	calls := make([]chain.Call, 0, end-start)
	for id := start; id < end; id++ {
		data, err := f.swap.PackOrderCall(id)
		if err != nil {
			return nil, err
		}
		calls = append(calls, chain.Call{Target: f.swap.Address(), CallData: data})
	}

	attempt := func() ([]chain.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, f.cfg.MulticallTimeout)
		defer cancel()
		results, err := f.multicall.Aggregate(callCtx, calls)
		if err != nil {
			if errs.Is(err, errs.CodeUnavailable) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if len(results) == 0 {
			return nil, errs.New(component, errs.CodeDecode, errs.WithMessage("aggregate returned nothing"))
		}
		return results, nil
	}
	results, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.cfg.BulkRetryDelay)),
		backoff.WithMaxTries(2))
	if err != nil {
		return nil, err
	}

	orders := make([]schema.Order, 0, len(results))
	for i, result := range results {
		id := start + uint64(i)
		if !result.Success {
			f.skip(ctx, id, "call_failed", nil)
			continue
		}
		order, err := f.swap.DecodeOrder(id, result.ReturnData)
		if err != nil {
			f.skip(ctx, id, "decode", err)
			continue
		}
		if f.empty(ctx, order) {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// individual reads each id through the scheduler with small concurrency.
// Per-order failures are skipped; a transport failure aborts the range.
func (f *Fetcher) individual(ctx context.Context, start, end uint64) ([]schema.Order, error) {
	slots := make([]*schema.Order, end-start)
	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(f.cfg.FallbackConcurrency).
		WithCancelOnError().
		WithFirstError()
	for id := start; id < end; id++ {
		p.Go(func(ctx context.Context) error {
			order, err := f.swap.Order(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errs.Transport(err) {
					return errs.New(component, errs.CodeUnavailable,
						errs.WithMessage("connection lost during fetch"),
						errs.WithField("order_id", strconv.FormatUint(id, 10)),
						errs.WithCause(err))
				}
				f.skip(ctx, id, string(errs.CodeOf(err)), err)
				return nil
			}
			if f.empty(ctx, order) {
				return nil
			}
			slots[id-start] = &order
			return nil
		})
	}
	err := p.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errs.New(component, errs.CodeClosed, errs.WithMessage("fetch cancelled"), errs.WithCause(ctxErr))
	}
	if err != nil {
		return nil, err
	}

	orders := make([]schema.Order, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			orders = append(orders, *slot)
		}
	}
	return orders, nil
}

func (f *Fetcher) empty(ctx context.Context, order schema.Order) bool {
	if order.Maker != (common.Address{}) {
		return false
	}
	if f.skipped != nil {
		f.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "empty")))
	}
	return true
}

func (f *Fetcher) skip(ctx context.Context, id uint64, reason string, err error) {
	if f.skipped != nil {
		f.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	fields := []observability.Field{observability.F("order_id", id), observability.F("reason", reason)}
	if err != nil {
		fields = append(fields, observability.Err(err))
	}
	f.logger.Debug("skipping order slot", fields...)
}

func (f *Fetcher) countBatch(ctx context.Context, path string) {
	if f.batches != nil {
		f.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New(component, errs.CodeClosed, errs.WithMessage("fetch cancelled"), errs.WithCause(ctx.Err()))
	}
}
