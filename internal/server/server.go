// Package server exposes the order cache over HTTP and a WebSocket stream.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/engine"
	"github.com/coachpo/swapbook/internal/hub"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/orderfilter"
	"github.com/coachpo/swapbook/internal/schema"
)

const (
	ordersPath      = "/orders"
	orderDetailPath = "/orders/"
	chainTimePath   = "/chain/time"
	contractPath    = "/contract/state"
	tokensPath      = "/tokens/"
	tokensRetryPath = "/tokens/retry"
	healthPath      = "/health"
	streamPath      = "/stream"
)

// Backend is the engine surface the server reads from.
type Backend interface {
	Initialized() bool
	ConnectionState() hub.State
	LastBlock() uint64
	Orders(filter *schema.Filter) []schema.Order
	Order(id uint64) (schema.Order, bool)
	OrderStatus(order schema.Order) schema.Status
	CanFillOrder(order schema.Order, account common.Address) bool
	CanCancelOrder(order schema.Order, account common.Address) bool
	CurrentTimestamp() int64
	ChainTime() (int64, bool)
	ContractState(ctx context.Context) (engine.ContractState, error)
	Token(ctx context.Context, token common.Address) schema.TokenMetadata
	RetryFailedTokens() int
	Bus() *bus.Bus
}

// Config configures the listener and stream behaviour.
type Config struct {
	Addr               string
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
	StreamBuffer       int
	StreamWriteTimeout time.Duration
	FilterBudget       time.Duration
	// OriginPatterns lists hosts allowed to open streams cross-origin.
	OriginPatterns []string
	// MaxOrders caps list responses. Zero is unlimited.
	MaxOrders int
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 256
	}
	if c.StreamWriteTimeout <= 0 {
		c.StreamWriteTimeout = 5 * time.Second
	}
	if c.FilterBudget <= 0 {
		c.FilterBudget = orderfilter.DefaultBudget
	}
	return c
}

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	backend Backend
	logger  observability.Logger
	http    *http.Server

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup

	requestCounter metric.Int64Counter
	streamGauge    metric.Int64UpDownCounter
	framesCounter  metric.Int64Counter
}

// New constructs a server for backend.
func New(cfg Config, backend Backend, logger observability.Logger) *Server {
	cfg = cfg.normalize()
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  observability.OrDefault(logger),
		closing: make(chan struct{}),
	}
	meter := otel.Meter("server")
	s.requestCounter, _ = meter.Int64Counter("server.requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"))
	s.streamGauge, _ = meter.Int64UpDownCounter("server.streams.active",
		metric.WithDescription("Open notification streams"),
		metric.WithUnit("{stream}"))
	s.framesCounter, _ = meter.Int64Counter("server.stream.frames",
		metric.WithDescription("Frames written to notification streams"),
		metric.WithUnit("{frame}"))
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ordersPath, s.methodHandlers(ordersPath, map[string]handlerFunc{
		http.MethodGet: s.listOrders,
	}))
	mux.Handle(orderDetailPath, s.methodHandlers(orderDetailPath, map[string]handlerFunc{
		http.MethodGet: s.getOrder,
	}))
	mux.Handle(chainTimePath, s.methodHandlers(chainTimePath, map[string]handlerFunc{
		http.MethodGet: s.getChainTime,
	}))
	mux.Handle(contractPath, s.methodHandlers(contractPath, map[string]handlerFunc{
		http.MethodGet: s.getContractState,
	}))
	mux.Handle(tokensRetryPath, s.methodHandlers(tokensRetryPath, map[string]handlerFunc{
		http.MethodPost: s.retryTokens,
	}))
	mux.Handle(tokensPath, s.methodHandlers(tokensPath, map[string]handlerFunc{
		http.MethodGet: s.getToken,
	}))
	mux.Handle(healthPath, s.methodHandlers(healthPath, map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle(streamPath, s.methodHandlers(streamPath, map[string]handlerFunc{
		http.MethodGet: s.stream,
	}))
	return withCORS(mux)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lifecycle conc.WaitGroup
	failed := make(chan error, 1)
	lifecycle.Go(func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	})
	s.logger.Info("http server listening", observability.F("addr", s.cfg.Addr))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-failed:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)
	lifecycle.Wait()
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return shutdownErr
}

// Shutdown stops accepting requests and closes open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	err := s.http.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("timeout waiting for streams: %w", ctx.Err())
		}
	}
	return err
}

func (s *Server) methodHandlers(route string, handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCounter.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", r.Method)))
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := optionalAddress(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := optionalInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.MaxOrders > 0 && (limit <= 0 || limit > s.cfg.MaxOrders) {
		limit = s.cfg.MaxOrders
	}

	orders := s.backend.Orders(filter)
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	out := make([]OrderDTO, 0, len(orders))
	for _, order := range orders {
		out = append(out, s.orderView(order, account))
	}
	writeJSON(w, http.StatusOK, ordersResponse{
		Orders:    out,
		Count:     len(out),
		ChainTime: s.backend.CurrentTimestamp(),
		Block:     s.backend.LastBlock(),
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPath), "/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	account, err := optionalAddress(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, ok := s.backend.Order(id)
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, s.orderView(order, account))
}

func (s *Server) orderView(order schema.Order, account *common.Address) OrderDTO {
	dto := orderDTO(order, s.backend.OrderStatus(order))
	if account != nil {
		fillable := s.backend.CanFillOrder(order, *account)
		cancelable := s.backend.CanCancelOrder(order, *account)
		dto.Fillable = &fillable
		dto.Cancelable = &cancelable
	}
	return dto
}

func (s *Server) getChainTime(w http.ResponseWriter, _ *http.Request) {
	ts, ok := s.backend.ChainTime()
	if !ok {
		ts = s.backend.CurrentTimestamp()
	}
	writeJSON(w, http.StatusOK, chainTimeResponse{Timestamp: ts, Synced: ok})
}

func (s *Server) getContractState(w http.ResponseWriter, r *http.Request) {
	state, err := s.backend.ContractState(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, tokensPath), "/")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	token := common.HexToAddress(raw)
	meta := s.backend.Token(r.Context(), token)
	writeJSON(w, http.StatusOK, tokenDTO(token, &meta))
}

func (s *Server) retryTokens(w http.ResponseWriter, _ *http.Request) {
	cleared := s.backend.RetryFailedTokens()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) health() Health {
	state := s.backend.ConnectionState()
	status := "ok"
	if !s.backend.Initialized() || !state.Live() {
		status = "unavailable"
	}
	return Health{
		Status:      status,
		Connection:  string(state),
		Initialized: s.backend.Initialized(),
		LastBlock:   s.backend.LastBlock(),
	}
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.health()
	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) parseFilter(r *http.Request) (*schema.Filter, error) {
	filter := &schema.Filter{}
	var err error
	if filter.Maker, err = optionalAddress(r, "maker"); err != nil {
		return nil, err
	}
	if filter.Taker, err = optionalAddress(r, "taker"); err != nil {
		return nil, err
	}
	if filter.Token, err = optionalAddress(r, "token"); err != nil {
		return nil, err
	}
	if filter.FillableBy, err = optionalAddress(r, "fillableBy"); err != nil {
		return nil, err
	}
	if filter.CancelableBy, err = optionalAddress(r, "cancelableBy"); err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := parseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", strings.TrimSpace(part))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if expr := strings.TrimSpace(r.URL.Query().Get("where")); expr != "" {
		predicate, err := orderfilter.Compile(expr, s.cfg.FilterBudget)
		if err != nil {
			return nil, err
		}
		filter.Match = predicate.Match
	}
	return filter, nil
}

func parseStatus(raw string) (schema.Status, bool) {
	trimmed := strings.TrimSpace(raw)
	for _, status := range []schema.Status{schema.StatusActive, schema.StatusFilled, schema.StatusCanceled, schema.StatusExpired} {
		if strings.EqualFold(trimmed, string(status)) {
			return status, true
		}
	}
	return "", false
}

func optionalAddress(r *http.Request, key string) (*common.Address, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, fmt.Errorf("invalid %s address", key)
	}
	addr := common.HexToAddress(raw)
	return &addr, nil
}

func optionalInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeStale:
		return http.StatusConflict
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeNetwork, errs.CodeUnavailable, errs.CodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func encodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := encodeJSON(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","error":"encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
