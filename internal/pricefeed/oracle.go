// Package pricefeed supplies USD token prices to the deal calculator.
package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

const component = "pricefeed"

// Quote is one token price.
type Quote struct {
	USD       float64 `json:"usd"`
	Estimated bool    `json:"estimated"`
}

type pricesResponse struct {
	Prices map[string]Quote `json:"prices"`
}

// Config configures the HTTP oracle.
type Config struct {
	URL             string
	RefreshInterval time.Duration
	Timeout         time.Duration
	// Debounce delays the refresh triggered by newly requested tokens so
	// bursts collapse into one request.
	Debounce time.Duration
	Tokens   []common.Address
}

func (c Config) normalize() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 250 * time.Millisecond
	}
	return c
}

// listeners is the OnRefresh registry shared by both oracles.
type listeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

func (l *listeners) add(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func())
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) fire(logger observability.Logger) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("price refresh listener panicked", observability.F("panic", fmt.Sprint(r)))
				}
			}()
			fn()
		}()
	}
}

// HTTPOracle polls a JSON price endpoint for the tokens it tracks.
type HTTPOracle struct {
	cfg    Config
	client *http.Client
	logger observability.Logger

	mu      sync.RWMutex
	prices  map[common.Address]Quote
	tracked map[common.Address]struct{}
	updated time.Time

	wake      chan struct{}
	listeners listeners
}

// NewHTTPOracle constructs an oracle. client may be nil.
func NewHTTPOracle(cfg Config, client *http.Client, logger observability.Logger) (*HTTPOracle, error) {
	cfg = cfg.normalize()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("price url required"))
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid price url"), errs.WithCause(err))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	o := &HTTPOracle{
		cfg:     cfg,
		client:  client,
		logger:  observability.OrDefault(logger),
		prices:  make(map[common.Address]Quote),
		tracked: make(map[common.Address]struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, token := range cfg.Tokens {
		o.tracked[token] = struct{}{}
	}
	return o, nil
}

// Price returns the last known USD price of token.
func (o *HTTPOracle) Price(token common.Address) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.prices[token]
	return q.USD, ok
}

// IsEstimated reports whether token's price is flagged as estimated.
func (o *HTTPOracle) IsEstimated(token common.Address) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.prices[token].Estimated
}

// Request adds tokens to the poll set. New tokens trigger an early refresh.
func (o *HTTPOracle) Request(tokens ...common.Address) {
	added := false
	o.mu.Lock()
	for _, token := range tokens {
		if _, ok := o.tracked[token]; ok {
			continue
		}
		o.tracked[token] = struct{}{}
		added = true
	}
	o.mu.Unlock()
	if added {
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
}

// Tracked returns the tokens being polled.
func (o *HTTPOracle) Tracked() []common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]common.Address, 0, len(o.tracked))
	for token := range o.tracked {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// UpdatedAt returns when prices were last refreshed.
func (o *HTTPOracle) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updated
}

// OnRefresh registers fn to run after every successful refresh.
func (o *HTTPOracle) OnRefresh(fn func()) func() {
	return o.listeners.add(fn)
}

// Refresh fetches prices for every tracked token and replaces the price map.
func (o *HTTPOracle) Refresh(ctx context.Context) error {
	tracked := o.Tracked()
	if len(tracked) == 0 {
		return nil
	}
	ids := make([]string, 0, len(tracked))
	for _, token := range tracked {
		ids = append(ids, schema.NormalizeAddress(token))
	}
	endpoint, err := url.Parse(o.cfg.URL)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	params := endpoint.Query()
	params.Set("tokens", strings.Join(ids, ","))
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("create price request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("request prices"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := errs.CodeUnavailable
		if resp.StatusCode == http.StatusTooManyRequests {
			code = errs.CodeRateLimited
		}
		return errs.New(component, code,
			errs.WithMessage(fmt.Sprintf("price status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))),
			errs.WithRPCCode(resp.StatusCode))
	}
	var payload pricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errs.New(component, errs.CodeDecode, errs.WithMessage("decode prices"), errs.WithCause(err))
	}

	next := make(map[common.Address]Quote, len(payload.Prices))
	for key, quote := range payload.Prices {
		if !common.IsHexAddress(key) {
			o.logger.Debug("ignoring price for non-address key", observability.F("key", key))
			continue
		}
		next[common.HexToAddress(key)] = quote
	}
	o.mu.Lock()
	o.prices = next
	o.updated = time.Now()
	o.mu.Unlock()

	o.logger.Debug("prices refreshed", observability.F("tokens", len(next)))
	o.listeners.fire(o.logger)
	return nil
}

// Run refreshes on the configured interval and shortly after new tokens are
// requested, until ctx ends.
func (o *HTTPOracle) Run(ctx context.Context) error {
	o.refreshLogged(ctx)
	ticker := time.NewTicker(o.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.refreshLogged(ctx)
		case <-o.wake:
			timer := time.NewTimer(o.cfg.Debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			o.refreshLogged(ctx)
		}
	}
}

func (o *HTTPOracle) refreshLogged(ctx context.Context) {
	if err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("price refresh failed", observability.Err(err))
	}
}

// Static serves fixed prices. Set announces a refresh.
type Static struct {
	logger observability.Logger

	mu        sync.RWMutex
	prices    map[common.Address]Quote
	listeners listeners
}

// NewStatic constructs an oracle over prices.
func NewStatic(prices map[common.Address]Quote, logger observability.Logger) *Static {
	copied := make(map[common.Address]Quote, len(prices))
	for token, quote := range prices {
		copied[token] = quote
	}
	return &Static{logger: observability.OrDefault(logger), prices: copied}
}

// Price returns the configured USD price of token.
func (s *Static) Price(token common.Address) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[token]
	return q.USD, ok
}

// IsEstimated reports whether token's price is flagged as estimated.
func (s *Static) IsEstimated(token common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[token].Estimated
}

// Set replaces the price of token and notifies refresh listeners.
func (s *Static) Set(token common.Address, quote Quote) {
	s.mu.Lock()
	s.prices[token] = quote
	s.mu.Unlock()
	s.listeners.fire(s.logger)
}

// OnRefresh registers fn to run after every Set.
func (s *Static) OnRefresh(fn func()) func() {
	return s.listeners.add(fn)
}
