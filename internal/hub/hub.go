// Package hub owns the live chain connection: it dials, keeps chain time in
// step with new heads, streams swap contract logs to a sink and reconnects
// with capped exponential backoff.
package hub

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	tomb "gopkg.in/tomb.v2"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/chaintime"
	"github.com/coachpo/swapbook/internal/observability"
)

const (
	component  = "hub"
	logBuffer  = 256
	headBuffer = 16
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Live reports whether the state serves events.
func (s State) Live() bool {
	return s == StateReady || s == StateDegraded
}

// Config tunes reconnection and liveness checks.
type Config struct {
	// MaxReconnectAttempts is the number of consecutive failed connection
	// attempts before the hub gives up. Zero or less never gives up.
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	ReadyTimeout         time.Duration
	HeadStaleAfter       time.Duration
	PollInterval         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		ReadyTimeout:         15 * time.Second,
		HeadStaleAfter:       time.Minute,
		PollInterval:         15 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.HeadStaleAfter <= 0 {
		c.HeadStaleAfter = def.HeadStaleAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// NewBackOff returns the reconnection schedule: BaseDelay doubling per
// attempt, capped at MaxDelay, without jitter.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	c = c.normalize()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.MaxDelay
	bo.Reset()
	return bo
}

// Sink receives decoded contract events in chain order, one at a time.
type Sink func(ctx context.Context, ev chain.Event)

// ConnectionState is the payload of connectionState notifications.
type ConnectionState struct {
	State    State `json:"state"`
	Previous State `json:"previous"`
}

// ChainTime is the payload of chainTime notifications.
type ChainTime struct {
	Timestamp int64  `json:"timestamp"`
	Block     uint64 `json:"block"`
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Hub) { h.logger = observability.OrDefault(logger) }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Hub) {
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

// WithNow overrides the local clock used for head staleness.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub maintains the event connection.
type Hub struct {
	cfg     Config
	dial    chain.Dialer
	session *chain.Session
	swap    *chain.SwapContract
	clock   *chaintime.Clock
	bus     *bus.Bus
	logger  observability.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	armSignal chan struct{}

	mu        sync.Mutex
	state     State
	tomb      *tomb.Tomb
	ready     chan struct{}
	readyOnce *sync.Once
	sink      Sink
	armed     bool
	cursor    cursor

	stateCounter     metric.Int64Counter
	reconnectCounter metric.Int64Counter
	eventCounter     metric.Int64Counter
}

// New constructs a disconnected hub.
func New(cfg Config, dial chain.Dialer, session *chain.Session, swap *chain.SwapContract,
	clock *chaintime.Clock, notifications *bus.Bus, opts ...Option,
) *Hub {
	h := &Hub{
		cfg:       cfg.normalize(),
		dial:      dial,
		session:   session,
		swap:      swap,
		clock:     clock,
		bus:       notifications,
		logger:    observability.Log(),
		sleep:     sleepContext,
		now:       time.Now,
		armSignal: make(chan struct{}, 1),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.bus == nil {
		h.bus = bus.New(h.logger)
	}
	meter := otel.Meter("hub")
	h.stateCounter, _ = meter.Int64Counter("hub.state.transitions",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))
	h.reconnectCounter, _ = meter.Int64Counter("hub.reconnects",
		metric.WithDescription("Reconnections after an unexpected close"),
		metric.WithUnit("{reconnect}"))
	h.eventCounter, _ = meter.Int64Counter("hub.events.applied",
		metric.WithDescription("Contract events delivered to the sink"),
		metric.WithUnit("{event}"))
	return h
}

// Subscribe registers a notification handler.
func (h *Hub) Subscribe(topic bus.Topic, handler bus.Handler) bus.SubscriptionID {
	return h.bus.Subscribe(topic, handler)
}

// Unsubscribe removes a notification handler.
func (h *Hub) Unsubscribe(id bus.SubscriptionID) bool {
	return h.bus.Unsubscribe(id)
}

// Notify publishes payload on topic.
func (h *Hub) Notify(ctx context.Context, topic bus.Topic, payload any) int {
	return h.bus.Notify(ctx, topic, payload)
}

// Bus exposes the notification bus.
func (h *Hub) Bus() *bus.Bus {
	return h.bus
}

// State returns the current connection state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastBlock returns the block of the most recently applied log, or the arm
// block when nothing has been applied yet.
func (h *Hub) LastBlock() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor.block
}

// Start launches the connection loop and waits until the connection is live,
// the hub gives up, ReadyTimeout elapses or ctx ends. The loop keeps running
// after a timeout. Calling Start after a terminal failure starts over.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.tomb != nil && h.tomb.Alive() {
		t, ready := h.tomb, h.ready
		h.mu.Unlock()
		return h.await(ctx, t, ready)
	}
	t, loopCtx := tomb.WithContext(context.Background())
	h.tomb = t
	h.ready = make(chan struct{})
	h.readyOnce = &sync.Once{}
	ready := h.ready
	h.mu.Unlock()

	t.Go(func() error { return h.run(loopCtx) })
	return h.await(ctx, t, ready)
}

func (h *Hub) await(ctx context.Context, t *tomb.Tomb, ready <-chan struct{}) error {
	timer := time.NewTimer(h.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-t.Dead():
		if err := t.Err(); err != nil {
			return err
		}
		return errs.New(component, errs.CodeClosed, errs.WithMessage("hub stopped"))
	case <-timer.C:
		return errs.New(component, errs.CodeTimeout,
			errs.WithMessage("event connection not ready"),
			errs.WithRemediation("check the RPC endpoint; the hub keeps retrying"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm enables event delivery to sink. Logs from fromBlock onward are
// backfilled before live streaming starts, and again after every reconnect
// from the last applied position.
func (h *Hub) Arm(fromBlock uint64, sink Sink) {
	h.mu.Lock()
	h.sink = sink
	h.armed = true
	h.cursor = cursor{block: fromBlock}
	h.mu.Unlock()
	select {
	case h.armSignal <- struct{}{}:
	default:
	}
}

// Stop terminates the connection loop and detaches the backend.
func (h *Hub) Stop() {
	h.mu.Lock()
	t := h.tomb
	h.mu.Unlock()
	if t != nil {
		t.Kill(nil)
		_ = t.Wait()
	}
	h.session.Detach()
	h.setState(context.Background(), StateDisconnected)
}

func (h *Hub) run(ctx context.Context) error {
	bo := h.cfg.NewBackOff()
	failures := 0
	for {
		h.setState(ctx, StateConnecting)
		err := h.connect(ctx)
		if err == nil {
			failures = 0
			bo.Reset()
			err = h.serve(ctx)
			h.teardown()
			if ctx.Err() != nil {
				return nil
			}
			h.reconnectCounter.Add(ctx, 1)
			h.logger.Warn("event connection lost", observability.Err(err))
		} else {
			h.teardown()
			if ctx.Err() != nil {
				return nil
			}
			failures++
			h.logger.Warn("event connection attempt failed",
				observability.F("attempt", failures),
				observability.F("max_attempts", h.cfg.MaxReconnectAttempts),
				observability.Err(err))
			if h.cfg.MaxReconnectAttempts > 0 && failures >= h.cfg.MaxReconnectAttempts {
				failure := errs.New(component, errs.CodeUnavailable,
					errs.WithMessage(fmt.Sprintf("event connection failed after %d attempts", failures)),
					errs.WithRemediation("orders unavailable, retry later"),
					errs.WithCause(err))
				h.setState(ctx, StateFailed)
				h.bus.Notify(ctx, bus.TopicConnectionFailed, failure.Error())
				return failure
			}
		}
		h.setState(ctx, StateReconnecting)
		if err := h.sleep(ctx, bo.NextBackOff()); err != nil {
			return nil
		}
	}
}

func (h *Hub) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	backend, err := h.dial(dialCtx)
	cancel()
	if err != nil {
		return chain.Classify(err, errs.WithMessage("dial"))
	}
	h.session.Attach(backend)
	if _, ok := h.clock.Sync(ctx); !ok {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("chain time unavailable after dial"))
	}
	return nil
}

// teardown drops listeners and every piece of connection-derived state.
func (h *Hub) teardown() {
	h.session.Detach()
	h.clock.Reset()
}

func (h *Hub) serve(ctx context.Context) error {
	logs := make(chan types.Log, logBuffer)
	heads := make(chan *types.Header, headBuffer)
	var (
		logSub, headSub ethereum.Subscription
		logErr, headErr <-chan error
		polling         bool
	)
	defer func() {
		if logSub != nil {
			logSub.Unsubscribe()
		}
		if headSub != nil {
			headSub.Unsubscribe()
		}
	}()

	sub, err := h.session.SubscribeHeads(ctx, heads)
	switch {
	case err == nil:
		headSub, headErr = sub, sub.Err()
		h.setState(ctx, StateReady)
	case errs.Transport(err):
		return err
	default:
		h.logger.Warn("head subscription unavailable, polling chain time", observability.Err(err))
		h.setState(ctx, StateDegraded)
	}
	lastHead := h.now()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if logSub == nil && !polling && h.isArmed() {
			sub, err := h.stream(ctx, logs)
			switch {
			case err == nil:
				logSub, logErr = sub, sub.Err()
			case errs.Transport(err):
				return err
			default:
				h.logger.Warn("log subscription unavailable, polling logs", observability.Err(err))
				polling = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.armSignal:
		case log := <-logs:
			h.apply(ctx, log)
		case header := <-heads:
			lastHead = h.now()
			h.observe(ctx, header)
			if headSub != nil && h.State() == StateDegraded {
				h.setState(ctx, StateReady)
			}
		case err, ok := <-headErr:
			headSub, headErr = nil, nil
			err = subscriptionError(err, ok)
			if errs.Transport(err) {
				return err
			}
			h.logger.Warn("head subscription failed, polling chain time", observability.Err(err))
			h.setState(ctx, StateDegraded)
		case err, ok := <-logErr:
			logSub, logErr = nil, nil
			return subscriptionError(err, ok)
		case <-ticker.C:
			if headSub != nil && h.State() == StateReady && h.now().Sub(lastHead) > h.cfg.HeadStaleAfter {
				h.logger.Warn("no new head within staleness window", observability.F("after", h.cfg.HeadStaleAfter.String()))
				h.setState(ctx, StateDegraded)
			}
			if h.State() == StateDegraded {
				h.clock.Sync(ctx)
			}
			if polling && h.isArmed() {
				if err := h.backfill(ctx); err != nil {
					if errs.Transport(err) {
						return err
					}
					h.logger.Warn("log poll failed", observability.Err(err))
				}
			}
		}
	}
}

// stream subscribes first and backfills second, so nothing between the
// backfill head and the subscription start is missed. Overlap is dropped by
// the cursor.
func (h *Hub) stream(ctx context.Context, logs chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := h.session.SubscribeLogs(ctx, h.swap.FilterQuery(nil, nil), logs)
	if err != nil {
		return nil, err
	}
	if err := h.backfill(ctx); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (h *Hub) backfill(ctx context.Context) error {
	header, err := h.session.Header(ctx, nil)
	if err != nil {
		return err
	}
	h.observe(ctx, header)
	from := h.LastBlock()
	if header.Number.Uint64() < from {
		return nil
	}
	logs, err := h.session.FilterLogs(ctx, h.swap.FilterQuery(new(big.Int).SetUint64(from), header.Number))
	if err != nil {
		return err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	applied := 0
	for _, log := range logs {
		if h.apply(ctx, log) {
			applied++
		}
	}
	if applied > 0 {
		h.logger.Info("backfilled contract events",
			observability.F("from_block", from),
			observability.F("to_block", header.Number.Uint64()),
			observability.F("events", applied))
	}
	return nil
}

func (h *Hub) observe(ctx context.Context, header *types.Header) {
	if !h.clock.Observe(header) {
		return
	}
	if now, ok := h.clock.Current(); ok {
		h.bus.Notify(ctx, bus.TopicChainTime, ChainTime{Timestamp: now, Block: header.Number.Uint64()})
	}
}

// apply decodes log and hands it to the sink. It reports whether the log was
// delivered.
func (h *Hub) apply(ctx context.Context, log types.Log) bool {
	if log.Removed {
		h.logger.Warn("ignoring removed log",
			observability.F("block", log.BlockNumber),
			observability.F("tx", log.TxHash.Hex()))
		return false
	}
	h.mu.Lock()
	if !h.armed || !h.cursor.admits(log) {
		h.mu.Unlock()
		return false
	}
	h.cursor = h.cursor.advance(log)
	sink := h.sink
	h.mu.Unlock()

	ev, err := h.swap.ParseLog(log)
	if err != nil {
		h.logger.Warn("undecodable contract log",
			observability.F("block", log.BlockNumber),
			observability.F("index", log.Index),
			observability.Err(err))
		return false
	}
	if sink == nil {
		return false
	}
	if err := deliver(ctx, sink, ev); err != nil {
		h.logger.Error("event handler failed",
			observability.F("event", ev.Kind),
			observability.F("order_id", ev.OrderID),
			observability.Err(err))
		return false
	}
	h.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Kind)))
	return true
}

func deliver(ctx context.Context, sink Sink, ev chain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	sink(ctx, ev)
	return nil
}

func (h *Hub) isArmed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed
}

func (h *Hub) setState(ctx context.Context, next State) {
	h.mu.Lock()
	previous := h.state
	if previous == next {
		h.mu.Unlock()
		return
	}
	h.state = next
	if next.Live() && h.readyOnce != nil {
		ready := h.ready
		h.readyOnce.Do(func() { close(ready) })
	}
	h.mu.Unlock()

	h.stateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(next))))
	h.logger.Info("connection state changed",
		observability.F("from", string(previous)),
		observability.F("to", string(next)))
	h.bus.Notify(ctx, bus.TopicConnectionState, ConnectionState{State: next, Previous: previous})
}

// cursor is the position of the last applied log. Before anything is applied
// it admits every log at or after block.
type cursor struct {
	block   uint64
	index   uint
	applied bool
}

func (c cursor) admits(log types.Log) bool {
	if !c.applied {
		return log.BlockNumber >= c.block
	}
	if log.BlockNumber != c.block {
		return log.BlockNumber > c.block
	}
	return log.Index > c.index
}

func (c cursor) advance(log types.Log) cursor {
	return cursor{block: log.BlockNumber, index: log.Index, applied: true}
}

func subscriptionError(err error, ok bool) error {
	if !ok || err == nil {
		return chain.Classify(chain.ErrSessionClosed)
	}
	return chain.Classify(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
