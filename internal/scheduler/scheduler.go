// Package scheduler bounds concurrency and dispatch rate for chain reads.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/observability"
)

const component = "scheduler"

// Config bounds the scheduler.
type Config struct {
	// MaxConcurrent is the maximum number of units of work executing at once.
	MaxConcurrent int
	// MinInterval is the minimum spacing between two dispatches.
	MinInterval time.Duration
	// RateLimitCooldown is the pause before a rate-limited call is re-queued.
	RateLimitCooldown time.Duration
	// MaxRateLimitRetries caps re-queues per call; zero means unlimited.
	MaxRateLimitRetries int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       2,
		MinInterval:         100 * time.Millisecond,
		RateLimitCooldown:   2 * time.Second,
		MaxRateLimitRetries: 0,
	}
}

func (c Config) normalize() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 2 * time.Second
	}
	if c.MaxRateLimitRetries < 0 {
		c.MaxRateLimitRetries = 0
	}
	return c
}

// Work is a unit of work dispatched by the scheduler.
type Work func(ctx context.Context) error

// Scheduler is the single backpressure point for chain reads. It enforces a
// concurrency ceiling and a minimum dispatch spacing at the same time, and
// transparently re-queues work that fails with errs.CodeRateLimited.
type Scheduler struct {
	cfg    Config
	logger observability.Logger

	slots   chan struct{}
	limiter *rate.Limiter

	paceMu       sync.Mutex
	lastDispatch time.Time
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	onDispatch   func(at time.Time)

	inflight atomic.Int64
	closed   atomic.Bool

	requestCounter   metric.Int64Counter
	rateLimitCounter metric.Int64Counter
	inflightGauge    metric.Int64UpDownCounter
	waitHistogram    metric.Float64Histogram
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = observability.OrDefault(logger)
	}
}

// WithClock overrides time sources, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDispatchHook registers a callback invoked with each dispatch instant.
func WithDispatchHook(hook func(at time.Time)) Option {
	return func(s *Scheduler) {
		s.onDispatch = hook
	}
}

// New constructs a scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.normalize()
	s := &Scheduler{
		cfg:    cfg,
		logger: observability.Log(),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		now:    time.Now,
		sleep:  sleepContext,
	}
	if cfg.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	meter := otel.Meter("scheduler")
	s.requestCounter, _ = meter.Int64Counter("scheduler.requests",
		metric.WithDescription("Units of work dispatched by the RPC scheduler"),
		metric.WithUnit("{request}"))
	s.rateLimitCounter, _ = meter.Int64Counter("scheduler.rate_limited",
		metric.WithDescription("Units of work re-queued after a rate-limit signal"),
		metric.WithUnit("{request}"))
	s.inflightGauge, _ = meter.Int64UpDownCounter("scheduler.inflight",
		metric.WithDescription("Units of work currently executing"),
		metric.WithUnit("{request}"))
	s.waitHistogram, _ = meter.Float64Histogram("scheduler.wait.duration",
		metric.WithDescription("Time spent queued before dispatch"),
		metric.WithUnit("ms"))
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// InFlight reports the number of units of work currently executing.
func (s *Scheduler) InFlight() int {
	return int(s.inflight.Load())
}

// Close rejects further work. Work already dispatched runs to completion.
func (s *Scheduler) Close() {
	s.closed.Store(true)
}

// Do enqueues work and blocks until it completes, the context ends, or the
// rate-limit retry budget is exhausted. Errors other than rate-limit signals
// are returned unchanged.
func (s *Scheduler) Do(ctx context.Context, name string, work Work) error {
	if work == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("work must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	retries := 0
	for {
		if s.closed.Load() {
			return errs.New(component, errs.CodeClosed, errs.WithMessage("scheduler closed"))
		}
		err := s.dispatch(ctx, name, work)
		if err == nil || !errs.Is(err, errs.CodeRateLimited) {
			return err
		}
		retries++
		if s.rateLimitCounter != nil {
			s.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", name)))
		}
		if s.cfg.MaxRateLimitRetries > 0 && retries > s.cfg.MaxRateLimitRetries {
			return err
		}
		s.logger.Debug("rate limited, re-queueing",
			observability.F("operation", name),
			observability.F("retry", retries),
			observability.F("cooldown", s.cfg.RateLimitCooldown))
		if waitErr := s.sleep(ctx, s.cfg.RateLimitCooldown); waitErr != nil {
			return waitErr
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, name string, work Work) error {
	queuedAt := time.Now()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return contextError(ctx)
	}
	defer func() { <-s.slots }()

	if err := s.pace(ctx); err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.String("operation", name))
	if s.waitHistogram != nil {
		s.waitHistogram.Record(ctx, float64(time.Since(queuedAt).Microseconds())/1000, attrs)
	}
	if s.requestCounter != nil {
		s.requestCounter.Add(ctx, 1, attrs)
	}

	s.inflight.Add(1)
	if s.inflightGauge != nil {
		s.inflightGauge.Add(ctx, 1)
	}
	defer func() {
		s.inflight.Add(-1)
		if s.inflightGauge != nil {
			s.inflightGauge.Add(context.Background(), -1)
		}
	}()

	return work(ctx)
}

// pace serialises dispatch decisions. The limiter provides the steady-state
// cadence; the explicit gap check covers timer jitter that could otherwise
// release two waiters closer than MinInterval.
func (s *Scheduler) pace(ctx context.Context) error {
	s.paceMu.Lock()
	defer s.paceMu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx)
		}
		// The limiter refuses up front when the wait would outlive the deadline.
		return errs.New(component, errs.CodeTimeout, errs.WithMessage("dispatch would exceed deadline"), errs.WithCause(err))
	}
	if s.cfg.MinInterval > 0 && !s.lastDispatch.IsZero() {
		if gap := s.cfg.MinInterval - s.now().Sub(s.lastDispatch); gap > 0 {
			if err := s.sleep(ctx, gap); err != nil {
				return err
			}
		}
	}
	s.lastDispatch = s.now()
	if s.onDispatch != nil {
		s.onDispatch(s.lastDispatch)
	}
	return nil
}

// Run is the typed form of Do.
func Run[T any](ctx context.Context, s *Scheduler, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Do(ctx, name, func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	code := errs.CodeClosed
	if ctx.Err() == context.DeadlineExceeded {
		code = errs.CodeTimeout
	}
	return errs.New(component, code, errs.WithMessage(fmt.Sprintf("context done: %v", ctx.Err())), errs.WithCause(ctx.Err()))
}
