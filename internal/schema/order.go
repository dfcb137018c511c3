// Package schema defines the order book data model mirrored from the swap contract.
package schema

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// OpenTaker is the taker sentinel for orders anyone may fill.
var OpenTaker = common.Address{}

// Order is the cached view of an on-chain swap order.
type Order struct {
	ID         uint64
	Maker      common.Address
	Taker      common.Address
	SellToken  common.Address
	SellAmount *big.Int
	BuyToken   common.Address
	BuyAmount  *big.Int
	CreatedAt  int64
	Status     Status
	RetryCount uint64
	Timings    Timings

	// Deal is nil when either side's price is unknown.
	Deal *DealMetrics

	SellTokenInfo *TokenMetadata
	BuyTokenInfo  *TokenMetadata
}

// Timings holds the deadlines derived from CreatedAt and the protocol windows.
type Timings struct {
	CreatedAt   int64
	ExpiresAt   int64
	GraceEndsAt int64
}

// DealMetrics carries the USD value ratio of an order.
type DealMetrics struct {
	Deal      float64
	Estimated bool
}

// Windows are the immutable protocol constants read once at startup.
type Windows struct {
	OrderExpirySeconds int64
	GracePeriodSeconds int64
}

// ComputeTimings derives the order deadlines from its creation time.
func (w Windows) ComputeTimings(createdAt int64) Timings {
	expires := createdAt + w.OrderExpirySeconds
	return Timings{
		CreatedAt:   createdAt,
		ExpiresAt:   expires,
		GraceEndsAt: expires + w.GracePeriodSeconds,
	}
}

// IsOpen reports whether any account may fill the order.
func (o Order) IsOpen() bool {
	return o.Taker == OpenTaker
}

// Involves reports whether token is on either side of the order.
func (o Order) Involves(token common.Address) bool {
	return o.SellToken == token || o.BuyToken == token
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (o Order) Clone() Order {
	clone := o
	if o.SellAmount != nil {
		clone.SellAmount = new(big.Int).Set(o.SellAmount)
	}
	if o.BuyAmount != nil {
		clone.BuyAmount = new(big.Int).Set(o.BuyAmount)
	}
	if o.Deal != nil {
		deal := *o.Deal
		clone.Deal = &deal
	}
	if o.SellTokenInfo != nil {
		info := *o.SellTokenInfo
		clone.SellTokenInfo = &info
	}
	if o.BuyTokenInfo != nil {
		info := *o.BuyTokenInfo
		clone.BuyTokenInfo = &info
	}
	return clone
}

// SameAccount compares two addresses; the zero address never matches.
func SameAccount(a, b common.Address) bool {
	if a == (common.Address{}) || b == (common.Address{}) {
		return false
	}
	return a == b
}

// NormalizeAddress lowercases the hex form used as a cache key.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
