package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/schema"
)

// Event names emitted by the swap contract.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderFilled    = "OrderFilled"
	EventOrderCanceled  = "OrderCanceled"
	EventOrderCleanedUp = "OrderCleanedUp"
	EventRetryOrder     = "RetryOrder"
)

var (
	requiredMethods = []string{"nextOrderId", "orders", "ORDER_EXPIRY", "GRACE_PERIOD", "owner", "isDisabled"}
	requiredEvents  = []string{EventOrderCreated, EventOrderFilled, EventOrderCanceled, EventOrderCleanedUp}
)

// Event is a decoded swap contract log. Fields not carried by Kind are zero.
type Event struct {
	Kind       string
	OrderID    uint64
	NewOrderID uint64
	Maker      common.Address
	Taker      common.Address
	Cleaner    common.Address
	SellToken  common.Address
	SellAmount *big.Int
	BuyToken   common.Address
	BuyAmount  *big.Int
	Timestamp  int64
	Tries      uint64

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
}

// Order builds the order carried by an OrderCreated or OrderFilled event.
func (e Event) Order() schema.Order {
	return schema.Order{
		ID:         e.OrderID,
		Maker:      e.Maker,
		Taker:      e.Taker,
		SellToken:  e.SellToken,
		SellAmount: e.SellAmount,
		BuyToken:   e.BuyToken,
		BuyAmount:  e.BuyAmount,
		CreatedAt:  e.Timestamp,
		Status:     schema.StatusActive,
	}
}

// SwapContract reads the swap order book contract.
type SwapContract struct {
	session *Session
	address common.Address
	abi     abi.ABI
}

// NewSwapContract binds the contract at address. An empty abiPath selects the
// embedded ABI.
func NewSwapContract(session *Session, address common.Address, abiPath string) (*SwapContract, error) {
	parsed := swapABI
	if abiPath != "" {
		var err error
		parsed, err = loadFile(abiPath)
		if err != nil {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("load swap abi"), errs.WithCause(err))
		}
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("swap abi missing method "+name))
		}
	}
	for _, name := range requiredEvents {
		if _, ok := parsed.Events[name]; !ok {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("swap abi missing event "+name))
		}
	}
	return &SwapContract{session: session, address: address, abi: parsed}, nil
}

// Address returns the contract address.
func (c *SwapContract) Address() common.Address {
	return c.address
}

// SupportsEvent reports whether the bound ABI declares the event.
func (c *SwapContract) SupportsEvent(name string) bool {
	_, ok := c.abi.Events[name]
	return ok
}

// EventTopics returns the topic0 hashes of every supported lifecycle event.
func (c *SwapContract) EventTopics() []common.Hash {
	names := append(append([]string(nil), requiredEvents...), EventRetryOrder)
	topics := make([]common.Hash, 0, len(names))
	for _, name := range names {
		if ev, ok := c.abi.Events[name]; ok {
			topics = append(topics, ev.ID)
		}
	}
	return topics
}

// FilterQuery builds the log filter for lifecycle events starting at from.
// A nil from leaves the range open, as subscriptions expect.
func (c *SwapContract) FilterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{c.EventTopics()},
	}
}

// NextOrderID returns the id the contract will assign next.
func (c *SwapContract) NextOrderID(ctx context.Context) (uint64, error) {
	value, err := c.callUint(ctx, "nextOrderId")
	if err != nil {
		return 0, err
	}
	return value, nil
}

// OrderExpiry returns the expiry window in seconds.
func (c *SwapContract) OrderExpiry(ctx context.Context) (int64, error) {
	value, err := c.callUint(ctx, "ORDER_EXPIRY")
	return int64(value), err
}

// GracePeriod returns the grace window in seconds.
func (c *SwapContract) GracePeriod(ctx context.Context) (int64, error) {
	value, err := c.callUint(ctx, "GRACE_PERIOD")
	return int64(value), err
}

// Windows reads both protocol windows.
func (c *SwapContract) Windows(ctx context.Context) (schema.Windows, error) {
	expiry, err := c.OrderExpiry(ctx)
	if err != nil {
		return schema.Windows{}, err
	}
	grace, err := c.GracePeriod(ctx)
	if err != nil {
		return schema.Windows{}, err
	}
	return schema.Windows{OrderExpirySeconds: expiry, GracePeriodSeconds: grace}, nil
}

// Owner returns the contract owner.
func (c *SwapContract) Owner(ctx context.Context) (common.Address, error) {
	values, err := c.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, decodeError("owner", fmt.Errorf("unexpected type %T", values[0]))
	}
	return owner, nil
}

// TradingDisabled reports the contract's kill switch.
func (c *SwapContract) TradingDisabled(ctx context.Context) (bool, error) {
	values, err := c.call(ctx, "isDisabled")
	if err != nil {
		return false, err
	}
	disabled, ok := values[0].(bool)
	if !ok {
		return false, decodeError("isDisabled", fmt.Errorf("unexpected type %T", values[0]))
	}
	return disabled, nil
}

// Order reads a single order record. Empty slots decode with a zero maker.
func (c *SwapContract) Order(ctx context.Context, id uint64) (schema.Order, error) {
	data, err := c.PackOrderCall(id)
	if err != nil {
		return schema.Order{}, err
	}
	out, err := c.session.Call(ctx, "orders", c.address, data)
	if err != nil {
		return schema.Order{}, err
	}
	return c.DecodeOrder(id, out)
}

// PackOrderCall encodes orders(id) for direct or aggregated calls.
func (c *SwapContract) PackOrderCall(id uint64) ([]byte, error) {
	data, err := c.abi.Pack("orders", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("pack orders call"), errs.WithCause(err))
	}
	return data, nil
}

// DecodeOrder decodes the return data of orders(id). Timings are left for
// the caller to derive from the protocol windows.
func (c *SwapContract) DecodeOrder(id uint64, data []byte) (schema.Order, error) {
	fields := make(map[string]any, 9)
	if err := c.abi.Methods["orders"].Outputs.UnpackIntoMap(fields, data); err != nil {
		return schema.Order{}, decodeError("orders", err)
	}
	rawStatus, ok := fields["status"].(uint8)
	if !ok {
		return schema.Order{}, decodeError("orders", fmt.Errorf("status has type %T", fields["status"]))
	}
	status, err := schema.StatusFromChain(rawStatus)
	if err != nil {
		return schema.Order{}, decodeError("orders", err)
	}
	order := schema.Order{
		ID:         id,
		Maker:      addressField(fields, "maker"),
		Taker:      addressField(fields, "taker"),
		SellToken:  addressField(fields, "sellToken"),
		SellAmount: bigField(fields, "sellAmount"),
		BuyToken:   addressField(fields, "buyToken"),
		BuyAmount:  bigField(fields, "buyAmount"),
		CreatedAt:  bigField(fields, "timestamp").Int64(),
		Status:     status,
		RetryCount: bigField(fields, "tries").Uint64(),
	}
	return order, nil
}

// ParseLog decodes a lifecycle log emitted by the contract.
func (c *SwapContract) ParseLog(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return Event{}, decodeError("log", fmt.Errorf("log without topics"))
	}
	ev, err := c.abi.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, decodeError("log", err)
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	fields := make(map[string]any, len(ev.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return Event{}, decodeError(ev.Name, err)
	}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return Event{}, decodeError(ev.Name, err)
	}

	out := Event{
		Kind:        ev.Name,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
		Timestamp:   bigField(fields, "timestamp").Int64(),
	}
	switch ev.Name {
	case EventOrderCreated, EventOrderFilled:
		out.OrderID = bigField(fields, "orderId").Uint64()
		out.Maker = addressField(fields, "maker")
		out.Taker = addressField(fields, "taker")
		out.SellToken = addressField(fields, "sellToken")
		out.SellAmount = bigField(fields, "sellAmount")
		out.BuyToken = addressField(fields, "buyToken")
		out.BuyAmount = bigField(fields, "buyAmount")
	case EventOrderCanceled:
		out.OrderID = bigField(fields, "orderId").Uint64()
		out.Maker = addressField(fields, "maker")
	case EventOrderCleanedUp:
		out.OrderID = bigField(fields, "orderId").Uint64()
		out.Cleaner = addressField(fields, "cleaner")
	case EventRetryOrder:
		out.OrderID = bigField(fields, "oldOrderId").Uint64()
		out.NewOrderID = bigField(fields, "newOrderId").Uint64()
		out.Maker = addressField(fields, "maker")
		out.Tries = bigField(fields, "tries").Uint64()
	default:
		return Event{}, decodeError(ev.Name, fmt.Errorf("unsupported event"))
	}
	return out, nil
}

func (c *SwapContract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("pack "+method), errs.WithCause(err))
	}
	out, err := c.session.Call(ctx, method, c.address, data)
	if err != nil {
		return nil, err
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, decodeError(method, err)
	}
	if len(values) == 0 {
		return nil, decodeError(method, fmt.Errorf("empty result"))
	}
	return values, nil
}

func (c *SwapContract) callUint(ctx context.Context, method string) (uint64, error) {
	values, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	value, ok := values[0].(*big.Int)
	if !ok || value == nil || !value.IsUint64() {
		return 0, decodeError(method, fmt.Errorf("unexpected value %v", values[0]))
	}
	return value.Uint64(), nil
}

func decodeError(what string, err error) error {
	return errs.New(component, errs.CodeDecode, errs.WithMessage("decode "+what), errs.WithCause(err))
}

func addressField(fields map[string]any, key string) common.Address {
	addr, _ := fields[key].(common.Address)
	return addr
}

func bigField(fields map[string]any, key string) *big.Int {
	value, ok := fields[key].(*big.Int)
	if !ok || value == nil {
		return new(big.Int)
	}
	return value
}
