package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/internal/schema"
)

// SyncProgress is published after each hydration batch.
type SyncProgress struct {
	Fetched uint64 `json:"fetched"`
	Total   uint64 `json:"total"`
}

// SyncComplete is published once the cache is hydrated and live updates are
// armed.
type SyncComplete struct {
	Orders int    `json:"orders"`
	Total  uint64 `json:"total"`
	Block  uint64 `json:"block"`
}

// OrdersUpdated is published after any change to the cached order set.
type OrdersUpdated struct {
	Reason string   `json:"reason"`
	IDs    []uint64 `json:"ids,omitempty"`
}

// OrderRemoved is the payload of OrderCleanedUp notifications.
type OrderRemoved struct {
	ID      uint64         `json:"id"`
	Cleaner common.Address `json:"cleaner"`
}

// OrderRetried is the payload of RetryOrder notifications.
type OrderRetried struct {
	OldID uint64       `json:"oldId"`
	NewID uint64       `json:"newId"`
	Order schema.Order `json:"order"`
}

// PricesUpdated is published after a price refresh changed deal metrics.
type PricesUpdated struct {
	Changed int `json:"changed"`
}

// ContractState is the result of a contract state check.
type ContractState struct {
	Owner           common.Address `json:"owner"`
	TradingDisabled bool           `json:"tradingDisabled"`
	CheckedAt       int64          `json:"checkedAt"`
}
