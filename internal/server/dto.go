package server

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/internal/engine"
	"github.com/coachpo/swapbook/internal/schema"
)

// TokenDTO is the wire form of token metadata.
type TokenDTO struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// OrderDTO is the wire form of a cached order. Status is derived at chain
// time; StoredStatus is the last on-chain value.
type OrderDTO struct {
	ID            uint64   `json:"id"`
	Maker         string   `json:"maker"`
	Taker         string   `json:"taker"`
	Open          bool     `json:"open"`
	SellToken     TokenDTO `json:"sellToken"`
	SellAmount    string   `json:"sellAmount"`
	BuyToken      TokenDTO `json:"buyToken"`
	BuyAmount     string   `json:"buyAmount"`
	CreatedAt     int64    `json:"createdAt"`
	ExpiresAt     int64    `json:"expiresAt"`
	GraceEndsAt   int64    `json:"graceEndsAt"`
	Status        string   `json:"status"`
	StoredStatus  string   `json:"storedStatus"`
	RetryCount    uint64   `json:"retryCount"`
	Deal          *float64 `json:"deal"`
	DealEstimated bool     `json:"dealEstimated,omitempty"`
	Fillable      *bool    `json:"fillable,omitempty"`
	Cancelable    *bool    `json:"cancelable,omitempty"`
}

func tokenDTO(addr common.Address, meta *schema.TokenMetadata) TokenDTO {
	if meta == nil {
		fallback := schema.FallbackTokenMetadata(addr)
		meta = &fallback
	}
	return TokenDTO{
		Address:  schema.NormalizeAddress(addr),
		Symbol:   meta.Symbol,
		Decimals: meta.Decimals,
		Name:     meta.Name,
		Icon:     meta.Icon,
	}
}

func orderDTO(order schema.Order, status schema.Status) OrderDTO {
	dto := OrderDTO{
		ID:           order.ID,
		Maker:        schema.NormalizeAddress(order.Maker),
		Taker:        schema.NormalizeAddress(order.Taker),
		Open:         order.IsOpen(),
		SellToken:    tokenDTO(order.SellToken, order.SellTokenInfo),
		BuyToken:     tokenDTO(order.BuyToken, order.BuyTokenInfo),
		CreatedAt:    order.CreatedAt,
		ExpiresAt:    order.Timings.ExpiresAt,
		GraceEndsAt:  order.Timings.GraceEndsAt,
		Status:       string(status),
		StoredStatus: string(order.Status),
		RetryCount:   order.RetryCount,
	}
	if order.SellAmount != nil {
		dto.SellAmount = order.SellAmount.String()
	}
	if order.BuyAmount != nil {
		dto.BuyAmount = order.BuyAmount.String()
	}
	if order.Deal != nil {
		deal := order.Deal.Deal
		dto.Deal = &deal
		dto.DealEstimated = order.Deal.Estimated
	}
	return dto
}

type ordersResponse struct {
	Orders    []OrderDTO `json:"orders"`
	Count     int        `json:"count"`
	ChainTime int64      `json:"chainTime"`
	Block     uint64     `json:"block"`
}

type chainTimeResponse struct {
	Timestamp int64 `json:"timestamp"`
	Synced    bool  `json:"synced"`
}

// Health is served on /health and as the first stream frame.
type Health struct {
	Status      string `json:"status"`
	Connection  string `json:"connection"`
	Initialized bool   `json:"initialized"`
	LastBlock   uint64 `json:"lastBlock"`
}

type retriedDTO struct {
	OldID uint64   `json:"oldId"`
	NewID uint64   `json:"newId"`
	Order OrderDTO `json:"order"`
}

// framePayload converts engine payloads that carry raw orders.
func (s *Server) framePayload(payload any) any {
	switch p := payload.(type) {
	case schema.Order:
		return orderDTO(p, s.backend.OrderStatus(p))
	case engine.OrderRetried:
		return retriedDTO{OldID: p.OldID, NewID: p.NewID, Order: orderDTO(p.Order, s.backend.OrderStatus(p.Order))}
	default:
		return payload
	}
}
