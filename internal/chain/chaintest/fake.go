// Package chaintest provides an in-memory chain backend that answers calls
// through the real ABI codec.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coachpo/swapbook/internal/chain"
)

// Default addresses used by the fake.
var (
	SwapAddress      = common.HexToAddress("0x5000000000000000000000000000000000000005")
	MulticallAddress = chain.DefaultMulticallAddress
)

// Order is a stored order slot.
type Order struct {
	Maker      common.Address
	Taker      common.Address
	SellToken  common.Address
	SellAmount *big.Int
	BuyToken   common.Address
	BuyAmount  *big.Int
	Timestamp  uint64
	Status     uint8
	Tries      uint64
}

// Token is stored ERC-20 metadata.
type Token struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// RPCError is a JSON-RPC error with a code.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// Errors returned by the fake.
var (
	ErrRateLimited = &RPCError{Code: -32005, Message: "limit exceeded"}
	ErrReverted    = &RPCError{Code: 3, Message: "execution reverted"}
	ErrDialFailed  = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	ErrClosed      = errors.New("use of closed network connection")
)

// Backend is a fake chain.Backend. The zero value is not usable; use New.
type Backend struct {
	mu sync.Mutex

	orders   map[uint64]Order
	nextID   uint64
	expiry   uint64
	grace    uint64
	owner    common.Address
	disabled bool
	tokens   map[common.Address]Token

	multicallDeployed bool
	multicallFails    int
	multicallDelay    time.Duration
	failingOrders     map[uint64]bool
	failingTokens     map[common.Address]bool
	rateLimitNext     int
	dialFailures      int

	head    types.Header
	history []types.Log

	closed   bool
	calls    map[string]int
	logSubs  []*logSub
	headSubs []*headSub
}

// New returns a fake with a deployed multicall, a one day expiry and a one
// hour grace period.
func New() *Backend {
	return &Backend{
		orders:            make(map[uint64]Order),
		tokens:            make(map[common.Address]Token),
		failingOrders:     make(map[uint64]bool),
		failingTokens:     make(map[common.Address]bool),
		calls:             make(map[string]int),
		expiry:            86400,
		grace:             3600,
		multicallDeployed: true,
		head:              types.Header{Number: big.NewInt(100), Time: 1_700_000_000},
	}
}

// PutOrder stores an order slot and advances nextOrderId past id.
func (b *Backend) PutOrder(id uint64, order Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[id] = order
	if id >= b.nextID {
		b.nextID = id + 1
	}
}

// SetNextOrderID overrides nextOrderId.
func (b *Backend) SetNextOrderID(id uint64) {
	b.mu.Lock()
	b.nextID = id
	b.mu.Unlock()
}

// SetWindows sets the expiry and grace windows in seconds.
func (b *Backend) SetWindows(expiry, grace uint64) {
	b.mu.Lock()
	b.expiry, b.grace = expiry, grace
	b.mu.Unlock()
}

// SetContractState sets owner() and isDisabled().
func (b *Backend) SetContractState(owner common.Address, disabled bool) {
	b.mu.Lock()
	b.owner, b.disabled = owner, disabled
	b.mu.Unlock()
}

// PutToken stores ERC-20 metadata at addr.
func (b *Backend) PutToken(addr common.Address, token Token) {
	b.mu.Lock()
	b.tokens[addr] = token
	b.mu.Unlock()
}

// SetMulticallDeployed toggles aggregator code presence.
func (b *Backend) SetMulticallDeployed(deployed bool) {
	b.mu.Lock()
	b.multicallDeployed = deployed
	b.mu.Unlock()
}

// FailMulticall makes the next n aggregate calls fail; negative means always.
func (b *Backend) FailMulticall(n int) {
	b.mu.Lock()
	b.multicallFails = n
	b.mu.Unlock()
}

// DelayMulticall holds aggregate calls for d or until their context ends.
func (b *Backend) DelayMulticall(d time.Duration) {
	b.mu.Lock()
	b.multicallDelay = d
	b.mu.Unlock()
}

// FailOrder makes reads of order id revert, directly or inside an aggregate.
func (b *Backend) FailOrder(id uint64) {
	b.mu.Lock()
	b.failingOrders[id] = true
	b.mu.Unlock()
}

// FailToken makes metadata reads for addr revert.
func (b *Backend) FailToken(addr common.Address) {
	b.mu.Lock()
	b.failingTokens[addr] = true
	b.mu.Unlock()
}

// RateLimitNext rejects the next n calls with a throttling error.
func (b *Backend) RateLimitNext(n int) {
	b.mu.Lock()
	b.rateLimitNext = n
	b.mu.Unlock()
}

// FailDials makes the next n dials fail; negative means always.
func (b *Backend) FailDials(n int) {
	b.mu.Lock()
	b.dialFailures = n
	b.mu.Unlock()
}

// Calls returns how many times method was invoked, including inside aggregates.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Dialer returns a dialer that reopens this fake.
func (b *Backend) Dialer() chain.Dialer {
	return func(ctx context.Context) (chain.Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.calls["dial"]++
		if b.dialFailures != 0 {
			if b.dialFailures > 0 {
				b.dialFailures--
			}
			return nil, ErrDialFailed
		}
		b.closed = false
		return b, nil
	}
}

// CallContract implements chain.Backend.
func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, ErrReverted
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.rateLimitNext > 0 {
		b.rateLimitNext--
		b.mu.Unlock()
		return nil, ErrRateLimited
	}
	if *msg.To == MulticallAddress && b.multicallDeployed {
		b.calls["aggregate3"]++
		delay := b.multicallDelay
		fail := b.multicallFails != 0
		if b.multicallFails > 0 {
			b.multicallFails--
		}
		b.mu.Unlock()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if fail {
			return nil, &RPCError{Code: -32000, Message: "aggregate3 failed"}
		}
		return b.aggregate(msg.Data)
	}
	defer b.mu.Unlock()
	return b.callLocked(*msg.To, msg.Data)
}

func (b *Backend) aggregate(data []byte) ([]byte, error) {
	multicall := chain.MulticallABI()
	method, err := multicall.MethodById(data[:4])
	if err != nil {
		return nil, ErrReverted
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return nil, ErrReverted
	}
	type call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	type result struct {
		Success    bool
		ReturnData []byte
	}
	calls := *abi.ConvertType(args[0], new([]call3)).(*[]call3)

	b.mu.Lock()
	results := make([]result, len(calls))
	for i, c := range calls {
		out, err := b.callLocked(c.Target, c.CallData)
		if err != nil {
			if !c.AllowFailure {
				b.mu.Unlock()
				return nil, ErrReverted
			}
			results[i] = result{Success: false, ReturnData: []byte{}}
			continue
		}
		results[i] = result{Success: true, ReturnData: out}
	}
	b.mu.Unlock()
	return method.Outputs.Pack(results)
}

func (b *Backend) callLocked(to common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrReverted
	}
	if to == SwapAddress {
		return b.swapCall(data)
	}
	if token, ok := b.tokens[to]; ok {
		return b.tokenCall(to, token, data)
	}
	return nil, nil
}

func (b *Backend) swapCall(data []byte) ([]byte, error) {
	swap := chain.SwapABI()
	method, err := swap.MethodById(data[:4])
	if err != nil {
		return nil, ErrReverted
	}
	b.calls[method.Name]++
	switch method.Name {
	case "nextOrderId":
		return method.Outputs.Pack(new(big.Int).SetUint64(b.nextID))
	case "ORDER_EXPIRY":
		return method.Outputs.Pack(new(big.Int).SetUint64(b.expiry))
	case "GRACE_PERIOD":
		return method.Outputs.Pack(new(big.Int).SetUint64(b.grace))
	case "owner":
		return method.Outputs.Pack(b.owner)
	case "isDisabled":
		return method.Outputs.Pack(b.disabled)
	case "orders":
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil || len(args) != 1 {
			return nil, ErrReverted
		}
		id := args[0].(*big.Int).Uint64()
		if b.failingOrders[id] {
			return nil, ErrReverted
		}
		o := b.orders[id]
		return method.Outputs.Pack(
			o.Maker, o.Taker,
			o.SellToken, orZero(o.SellAmount),
			o.BuyToken, orZero(o.BuyAmount),
			new(big.Int).SetUint64(o.Timestamp),
			o.Status,
			new(big.Int).SetUint64(o.Tries),
		)
	default:
		return nil, ErrReverted
	}
}

func (b *Backend) tokenCall(addr common.Address, token Token, data []byte) ([]byte, error) {
	erc20 := chain.ERC20ABI()
	method, err := erc20.MethodById(data[:4])
	if err != nil {
		return nil, ErrReverted
	}
	b.calls[method.Name]++
	if b.failingTokens[addr] {
		return nil, ErrReverted
	}
	switch method.Name {
	case "symbol":
		return method.Outputs.Pack(token.Symbol)
	case "name":
		return method.Outputs.Pack(token.Name)
	case "decimals":
		return method.Outputs.Pack(token.Decimals)
	default:
		return nil, ErrReverted
	}
}

// CodeAt implements chain.Backend.
func (b *Backend) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.calls["eth_getCode"]++
	switch {
	case account == MulticallAddress && b.multicallDeployed:
		return []byte{0x60, 0x80}, nil
	case account == SwapAddress:
		return []byte{0x60, 0x80}, nil
	default:
		return nil, nil
	}
}

// SetHead moves the chain head and notifies head subscribers.
func (b *Backend) SetHead(number uint64, timestamp uint64) {
	b.mu.Lock()
	b.head = types.Header{Number: new(big.Int).SetUint64(number), Time: timestamp}
	header := b.head
	subs := append([]*headSub(nil), b.headSubs...)
	b.mu.Unlock()
	for _, sub := range subs {
		h := header
		select {
		case sub.ch <- &h:
		case <-sub.quit:
		}
	}
}

// HeaderByNumber implements chain.Backend. Only the head is served.
func (b *Backend) HeaderByNumber(ctx context.Context, _ *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.calls["eth_getBlockByNumber"]++
	header := b.head
	header.Number = new(big.Int).Set(b.head.Number)
	return &header, nil
}

// FilterLogs implements chain.Backend over logs previously recorded or emitted.
func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.calls["eth_getLogs"]++
	var out []types.Log
	for _, log := range b.history {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// Record appends a log to history without delivering it to subscribers.
func (b *Backend) Record(log types.Log) {
	b.mu.Lock()
	b.history = append(b.history, log)
	b.mu.Unlock()
}

// Emit records a log and delivers it to every log subscriber.
func (b *Backend) Emit(log types.Log) {
	b.mu.Lock()
	b.history = append(b.history, log)
	subs := append([]*logSub(nil), b.logSubs...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- log:
		case <-sub.quit:
		}
	}
}

// Subscribers reports the number of live log and head subscriptions.
func (b *Backend) Subscribers() (logs, heads int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.logSubs {
		if !s.isClosed() {
			logs++
		}
	}
	for _, s := range b.headSubs {
		if !s.isClosed() {
			heads++
		}
	}
	return logs, heads
}

// Drop fails every live subscription with err, simulating a dropped socket.
func (b *Backend) Drop(err error) {
	if err == nil {
		err = ErrClosed
	}
	b.mu.Lock()
	b.closed = true
	logSubs, headSubs := b.logSubs, b.headSubs
	b.logSubs, b.headSubs = nil, nil
	b.mu.Unlock()
	for _, s := range logSubs {
		s.fail(err)
	}
	for _, s := range headSubs {
		s.fail(err)
	}
}

// SubscribeFilterLogs implements chain.Backend.
func (b *Backend) SubscribeFilterLogs(ctx context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.calls["eth_subscribe_logs"]++
	sub := &logSub{subscription: newSubscription(), ch: ch}
	b.logSubs = append(b.logSubs, sub)
	return sub, nil
}

// SubscribeNewHead implements chain.Backend.
func (b *Backend) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.calls["eth_subscribe_heads"]++
	sub := &headSub{subscription: newSubscription(), ch: ch}
	b.headSubs = append(b.headSubs, sub)
	return sub, nil
}

// Close implements chain.Backend.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	logSubs, headSubs := b.logSubs, b.headSubs
	b.logSubs, b.headSubs = nil, nil
	b.mu.Unlock()
	for _, s := range logSubs {
		s.Unsubscribe()
	}
	for _, s := range headSubs {
		s.Unsubscribe()
	}
}

type subscription struct {
	mu     sync.Mutex
	closed bool
	errc   chan error
	quit   chan struct{}
}

func newSubscription() *subscription {
	return &subscription{errc: make(chan error, 1), quit: make(chan struct{})}
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
	close(s.errc)
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.errc <- err
	close(s.quit)
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type logSub struct {
	*subscription
	ch chan<- types.Log
}

type headSub struct {
	*subscription
	ch chan<- *types.Header
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Log builds a swap contract log for event name at block. Indexed values go
// to topics in declaration order and the rest are ABI-encoded as data.
func Log(name string, block uint64, index uint, values ...any) types.Log {
	swap := chain.SwapABI()
	ev, ok := swap.Events[name]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown event %s", name))
	}
	if len(values) != len(ev.Inputs) {
		panic(fmt.Sprintf("chaintest: %s wants %d values, got %d", name, len(ev.Inputs), len(values)))
	}
	topics := []common.Hash{ev.ID}
	var data []any
	for i, input := range ev.Inputs {
		if !input.Indexed {
			data = append(data, values[i])
			continue
		}
		switch v := values[i].(type) {
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		case *big.Int:
			topics = append(topics, common.BigToHash(v))
		default:
			panic(fmt.Sprintf("chaintest: unsupported indexed type %T", v))
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     SwapAddress,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block<<16 | uint64(index))),
	}
}

// CreatedLog builds an OrderCreated log for order id.
func CreatedLog(id uint64, o Order, block uint64) types.Log {
	return Log(chain.EventOrderCreated, block, 0,
		new(big.Int).SetUint64(id), o.Maker, o.Taker,
		o.SellToken, orZero(o.SellAmount), o.BuyToken, orZero(o.BuyAmount),
		new(big.Int).SetUint64(o.Timestamp))
}

// FilledLog builds an OrderFilled log for order id.
func FilledLog(id uint64, o Order, block uint64) types.Log {
	return Log(chain.EventOrderFilled, block, 0,
		new(big.Int).SetUint64(id), o.Maker, o.Taker,
		o.SellToken, orZero(o.SellAmount), o.BuyToken, orZero(o.BuyAmount),
		new(big.Int).SetUint64(o.Timestamp))
}

// CanceledLog builds an OrderCanceled log.
func CanceledLog(id uint64, maker common.Address, timestamp, block uint64) types.Log {
	return Log(chain.EventOrderCanceled, block, 0,
		new(big.Int).SetUint64(id), maker, new(big.Int).SetUint64(timestamp))
}

// CleanedUpLog builds an OrderCleanedUp log.
func CleanedUpLog(id uint64, cleaner common.Address, timestamp, block uint64) types.Log {
	return Log(chain.EventOrderCleanedUp, block, 0,
		new(big.Int).SetUint64(id), cleaner, new(big.Int).SetUint64(timestamp))
}

// RetryLog builds a RetryOrder log.
func RetryLog(oldID, newID uint64, maker common.Address, tries, timestamp, block uint64) types.Log {
	return Log(chain.EventRetryOrder, block, 0,
		new(big.Int).SetUint64(oldID), new(big.Int).SetUint64(newID), maker,
		new(big.Int).SetUint64(tries), new(big.Int).SetUint64(timestamp))
}
