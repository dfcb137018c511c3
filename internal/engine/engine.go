// Package engine is the order synchronisation facade. It wires the chain
// session, scheduler, clock, fetcher, token and deal calculators, the order
// cache and the event hub into one explicitly constructed instance.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/chaintime"
	"github.com/coachpo/swapbook/internal/deals"
	"github.com/coachpo/swapbook/internal/fetcher"
	"github.com/coachpo/swapbook/internal/hub"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/orderstore"
	"github.com/coachpo/swapbook/internal/scheduler"
	"github.com/coachpo/swapbook/internal/schema"
	"github.com/coachpo/swapbook/internal/tokens"
)

const component = "engine"

// Config assembles the per-component configuration.
type Config struct {
	Contract  common.Address
	Multicall common.Address
	// ABIPath optionally replaces the embedded swap contract ABI.
	ABIPath   string
	Scheduler scheduler.Config
	Fetcher   fetcher.Config
	Hub       hub.Config
	Tokens    tokens.Config

	// ClockFreshness is the default maximum snapshot age for
	// EnsureFreshChainTime.
	ClockFreshness time.Duration
}

// Oracle supplies USD prices. Implementations may also satisfy
// deals.Requester and Refresher.
type Oracle = deals.Oracle

// Refresher announces price refreshes. The returned function unregisters fn.
type Refresher interface {
	OnRefresh(fn func()) func()
}

// Option customises an Engine.
type Option func(*options)

type options struct {
	logger    observability.Logger
	wall      func() time.Time
	hubOpts   []hub.Option
	schedOpts []scheduler.Option
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = observability.OrDefault(logger) }
}

// WithWallClock overrides the local time source.
func WithWallClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.wall = now
		}
	}
}

// WithHubOptions forwards options to the event hub.
func WithHubOptions(opts ...hub.Option) Option {
	return func(o *options) { o.hubOpts = append(o.hubOpts, opts...) }
}

// WithSchedulerOptions forwards options to the request scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedOpts = append(o.schedOpts, opts...) }
}

// Engine mirrors the on-chain order book.
type Engine struct {
	cfg    Config
	logger observability.Logger

	sched     *scheduler.Scheduler
	session   *chain.Session
	swap      *chain.SwapContract
	multicall *chain.Multicall
	clock     *chaintime.Clock
	tokens    *tokens.Cache
	fetcher   *fetcher.Fetcher
	deals     *deals.Calculator
	orders    *orderstore.Cache
	bus       *bus.Bus
	hub       *hub.Hub

	initMu        sync.Mutex
	initialized   atomic.Bool
	closed        atomic.Bool
	windowsLoaded bool
	cancelRefresh func()

	stateRequests atomic.Uint64
	stateMu       sync.Mutex
	contractState *ContractState
	stateReadHook func()

	syncHistogram metric.Float64Histogram
}

// New constructs an engine over connections produced by dial. oracle may be
// nil, in which case every deal stays unknown.
func New(cfg Config, dial chain.Dialer, oracle Oracle, opts ...Option) (*Engine, error) {
	o := options{logger: observability.Log(), wall: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if dial == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("dialer required"))
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("contract address required"))
	}
	if cfg.ClockFreshness <= 0 {
		cfg.ClockFreshness = 30 * time.Second
	}

	sched := scheduler.New(cfg.Scheduler, append([]scheduler.Option{scheduler.WithLogger(o.logger)}, o.schedOpts...)...)
	session := chain.NewSession(sched)
	swap, err := chain.NewSwapContract(session, cfg.Contract, cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	multicall := chain.NewMulticall(session, cfg.Multicall)
	clock := chaintime.New(session, chaintime.WithLogger(o.logger), chaintime.WithNow(o.wall))
	tokenCache := tokens.New(chain.NewERC20(session, multicall), cfg.Tokens, o.logger)
	notifications := bus.New(o.logger)

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger,
		sched:     sched,
		session:   session,
		swap:      swap,
		multicall: multicall,
		clock:     clock,
		tokens:    tokenCache,
		fetcher:   fetcher.New(swap, multicall, cfg.Fetcher, o.logger),
		deals:     deals.New(oracle, tokenCache, o.logger),
		orders:    orderstore.New(clock, orderstore.WithWallClock(o.wall)),
		bus:       notifications,
	}
	meter := otel.Meter("engine")
	e.syncHistogram, _ = meter.Float64Histogram("engine.sync.duration",
		metric.WithDescription("Initial hydration duration"),
		metric.WithUnit("ms"))
	_, _ = meter.Int64ObservableGauge("engine.orders.cached",
		metric.WithDescription("Orders held in the cache"),
		metric.WithUnit("{order}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(e.orders.Len()))
			return nil
		}))
	hubOpts := append([]hub.Option{hub.WithLogger(o.logger), hub.WithNow(o.wall)}, o.hubOpts...)
	e.hub = hub.New(cfg.Hub, dial, session, swap, clock, notifications, hubOpts...)

	if !swap.SupportsEvent(chain.EventRetryOrder) {
		e.logger.Info("contract does not publish RetryOrder; retries arrive as new orders")
	}
	if refresher, ok := oracle.(Refresher); ok {
		e.cancelRefresh = refresher.OnRefresh(func() {
			e.RefreshDeals(context.Background())
		})
	}
	return e, nil
}

// Initialize connects, reads the protocol windows, hydrates the cache from a
// full order scan and arms live updates. Calling it again after success is a
// no-op unless the event connection has failed, in which case the connection
// is restarted and backfills from the last applied block.
func (e *Engine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.closed.Load() {
		return errs.New(component, errs.CodeClosed, errs.WithMessage("engine cleaned up"))
	}
	if e.initialized.Load() {
		if e.hub.State() != hub.StateFailed {
			return nil
		}
		e.logger.Info("restarting failed event connection")
		return e.hub.Start(ctx)
	}
	started := time.Now()

	if err := e.hub.Start(ctx); err != nil {
		return err
	}
	if err := e.loadWindows(ctx); err != nil {
		return err
	}

	// Events from this block on are replayed after hydration, so nothing
	// between the scan and the subscription is lost.
	head, err := e.session.Header(ctx, nil)
	if err != nil {
		return err
	}
	fromBlock := head.Number.Uint64()

	total, err := e.swap.NextOrderID(ctx)
	if err != nil {
		return err
	}
	fetched, err := e.fetcher.FetchBatched(ctx, total, 0, func(done, total uint64) {
		e.bus.Notify(ctx, bus.TopicSyncProgress, SyncProgress{Fetched: done, Total: total})
	})
	if err != nil {
		return err
	}

	active := make([]schema.Order, 0, len(fetched))
	seen := make([]common.Address, 0, 2*len(fetched))
	for _, order := range fetched {
		if order.Status != schema.StatusActive {
			continue
		}
		active = append(active, order)
		seen = append(seen, order.SellToken, order.BuyToken)
	}
	e.tokens.Prefetch(ctx, seen)
	for i := range active {
		active[i] = e.deals.Compute(ctx, active[i])
	}
	e.orders.ReplaceAll(active)
	e.hub.Arm(fromBlock, e.handle)
	e.initialized.Store(true)
	e.syncHistogram.Record(ctx, float64(time.Since(started).Milliseconds()))

	e.logger.Info("order sync complete",
		observability.F("orders", len(active)),
		observability.F("scanned", total),
		observability.F("block", fromBlock),
		observability.F("elapsed", time.Since(started).String()))
	e.bus.Notify(ctx, bus.TopicSyncComplete, SyncComplete{Orders: len(active), Total: total, Block: fromBlock})
	return nil
}

func (e *Engine) loadWindows(ctx context.Context) error {
	if e.windowsLoaded {
		return nil
	}
	windows, err := e.swap.Windows(ctx)
	if err != nil {
		return err
	}
	e.orders.SetWindows(windows)
	e.windowsLoaded = true
	return nil
}

// Cleanup stops live updates and releases the connection. The engine cannot
// be reused afterwards.
func (e *Engine) Cleanup() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.cancelRefresh != nil {
		e.cancelRefresh()
	}
	e.hub.Stop()
	e.sched.Close()
	e.bus.Close()
	e.initialized.Store(false)
}

// Initialized reports whether the cache is hydrated and live. A failed event
// connection reports false until Initialize restarts it.
func (e *Engine) Initialized() bool {
	return e.initialized.Load() && e.hub.State() != hub.StateFailed
}

// ConnectionState returns the event connection state.
func (e *Engine) ConnectionState() hub.State {
	return e.hub.State()
}

// LastBlock returns the block of the latest applied contract event.
func (e *Engine) LastBlock() uint64 {
	return e.hub.LastBlock()
}

// Orders returns the cached orders matching filter in ascending id order.
func (e *Engine) Orders(filter *schema.Filter) []schema.Order {
	return e.orders.All(filter)
}

// Order returns order id.
func (e *Engine) Order(id uint64) (schema.Order, bool) {
	return e.orders.Get(id)
}

// OrderStatus derives the visible status of order at chain time.
func (e *Engine) OrderStatus(order schema.Order) schema.Status {
	return e.orders.Status(order)
}

// CanFillOrder reports whether account may fill order now.
func (e *Engine) CanFillOrder(order schema.Order, account common.Address) bool {
	return e.orders.CanFill(order, account)
}

// CanCancelOrder reports whether account may cancel order now.
func (e *Engine) CanCancelOrder(order schema.Order, account common.Address) bool {
	return e.orders.CanCancel(order, account)
}

// CurrentTimestamp returns chain time, or local wall time while chain time
// is unknown.
func (e *Engine) CurrentTimestamp() int64 {
	return e.orders.Now()
}

// ChainTime returns the chain time estimate and whether it is known.
func (e *Engine) ChainTime() (int64, bool) {
	return e.clock.Current()
}

// EnsureFreshChainTime resyncs chain time when the snapshot is older than
// maxAge. A non-positive maxAge uses the configured freshness.
func (e *Engine) EnsureFreshChainTime(ctx context.Context, maxAge time.Duration) (int64, bool) {
	if maxAge <= 0 {
		maxAge = e.cfg.ClockFreshness
	}
	return e.clock.EnsureFresh(ctx, maxAge)
}

// Token resolves token metadata.
func (e *Engine) Token(ctx context.Context, token common.Address) schema.TokenMetadata {
	return e.tokens.Get(ctx, token)
}

// RetryFailedTokens drops fallback token records so they are read again.
func (e *Engine) RetryFailedTokens() int {
	return e.tokens.ClearFailed()
}

// Subscribe registers a notification handler.
func (e *Engine) Subscribe(topic bus.Topic, handler bus.Handler) bus.SubscriptionID {
	return e.bus.Subscribe(topic, handler)
}

// Unsubscribe removes a notification handler.
func (e *Engine) Unsubscribe(id bus.SubscriptionID) bool {
	return e.bus.Unsubscribe(id)
}

// Bus exposes the notification bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// RefreshDeals recomputes every deal against current prices.
func (e *Engine) RefreshDeals(ctx context.Context) int {
	changed := e.deals.RecomputeAll(e.orders)
	if changed > 0 {
		e.bus.Notify(ctx, bus.TopicPricesUpdated, PricesUpdated{Changed: changed})
		e.bus.Notify(ctx, bus.TopicOrdersUpdated, OrdersUpdated{Reason: "prices"})
	}
	return changed
}

// ContractState reads the owner and trading flag. Each call supersedes the
// previous one; a response that completes after a newer call started is
// discarded with errs.CodeStale.
func (e *Engine) ContractState(ctx context.Context) (ContractState, error) {
	id := e.stateRequests.Add(1)
	owner, err := e.swap.Owner(ctx)
	if err != nil {
		return ContractState{}, err
	}
	disabled, err := e.swap.TradingDisabled(ctx)
	if err != nil {
		return ContractState{}, err
	}
	if e.stateReadHook != nil {
		e.stateReadHook()
	}
	if current := e.stateRequests.Load(); current != id {
		return ContractState{}, errs.New(component, errs.CodeStale,
			errs.WithMessage("superseded by a newer contract state request"),
			errs.WithField("request_id", fmt.Sprint(id)),
			errs.WithField("current_id", fmt.Sprint(current)))
	}
	state := ContractState{Owner: owner, TradingDisabled: disabled, CheckedAt: e.CurrentTimestamp()}
	e.stateMu.Lock()
	e.contractState = &state
	e.stateMu.Unlock()
	return state, nil
}

// LastContractState returns the most recent accepted contract state.
func (e *Engine) LastContractState() (ContractState, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.contractState == nil {
		return ContractState{}, false
	}
	return *e.contractState, true
}
