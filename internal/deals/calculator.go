// Package deals derives USD value ratios for orders.
package deals

import (
	"context"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

// Oracle supplies USD prices per token.
type Oracle interface {
	Price(token common.Address) (float64, bool)
	IsEstimated(token common.Address) bool
}

// Requester is implemented by oracles that can start tracking new tokens.
type Requester interface {
	Request(tokens ...common.Address)
}

// TokenSource resolves token metadata. *tokens.Cache satisfies it.
type TokenSource interface {
	Get(ctx context.Context, token common.Address) schema.TokenMetadata
}

// Store is the order set RecomputeAll walks.
type Store interface {
	Snapshot() []schema.Order
	SetDeal(id uint64, deal *schema.DealMetrics) bool
}

// Calculator computes deal metrics.
type Calculator struct {
	oracle Oracle
	tokens TokenSource
	logger observability.Logger
}

// New constructs a calculator. A nil oracle leaves every deal unknown.
func New(oracle Oracle, tokens TokenSource, logger observability.Logger) *Calculator {
	return &Calculator{oracle: oracle, tokens: tokens, logger: observability.OrDefault(logger)}
}

// Compute returns order with token metadata attached and Deal set, or Deal
// nil when either price or amount is unknown.
func (c *Calculator) Compute(ctx context.Context, order schema.Order) schema.Order {
	if c.tokens != nil {
		sell := c.tokens.Get(ctx, order.SellToken)
		buy := c.tokens.Get(ctx, order.BuyToken)
		order.SellTokenInfo = &sell
		order.BuyTokenInfo = &buy
	}
	order.Deal = c.deal(order)
	return order
}

func (c *Calculator) deal(order schema.Order) *schema.DealMetrics {
	if c.oracle == nil {
		return nil
	}
	sellPrice, sellOK := c.price(order.SellToken)
	buyPrice, buyOK := c.price(order.BuyToken)
	if !sellOK || !buyOK {
		return nil
	}
	if order.SellAmount == nil || order.BuyAmount == nil || order.SellAmount.Sign() <= 0 || order.BuyAmount.Sign() <= 0 {
		return nil
	}

	sellValue := decimal.NewFromBigInt(order.SellAmount, -int32(decimalsOf(order.SellTokenInfo))).
		Mul(decimal.NewFromFloat(sellPrice))
	buyValue := decimal.NewFromBigInt(order.BuyAmount, -int32(decimalsOf(order.BuyTokenInfo))).
		Mul(decimal.NewFromFloat(buyPrice))
	if sellValue.IsZero() {
		return nil
	}
	ratio, _ := buyValue.DivRound(sellValue, 18).Float64()
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return nil
	}
	return &schema.DealMetrics{
		Deal:      ratio,
		Estimated: c.oracle.IsEstimated(order.SellToken) || c.oracle.IsEstimated(order.BuyToken),
	}
}

func (c *Calculator) price(token common.Address) (float64, bool) {
	price, ok := c.oracle.Price(token)
	if !ok || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		if requester, can := c.oracle.(Requester); can {
			requester.Request(token)
		}
		return 0, false
	}
	return price, true
}

// RecomputeAll refreshes the deal of every stored order and returns how many
// changed.
func (c *Calculator) RecomputeAll(store Store) int {
	changed := 0
	for _, order := range store.Snapshot() {
		next := c.deal(order)
		if sameDeal(order.Deal, next) {
			continue
		}
		if store.SetDeal(order.ID, next) {
			changed++
		}
	}
	if changed > 0 {
		c.logger.Debug("deal metrics recomputed", observability.F("changed", changed))
	}
	return changed
}

func decimalsOf(meta *schema.TokenMetadata) uint8 {
	if meta == nil {
		return schema.DefaultDecimals
	}
	return meta.Decimals
}

func sameDeal(a, b *schema.DealMetrics) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
