package schema

import "github.com/ethereum/go-ethereum/common"

// Filter narrows order queries. Zero fields match everything; set fields are
// combined with AND.
type Filter struct {
	Maker *common.Address
	Taker *common.Address
	// Token matches either side of the order.
	Token *common.Address
	// Statuses matches the derived status.
	Statuses []Status
	// FillableBy keeps orders the account could fill right now.
	FillableBy *common.Address
	// CancelableBy keeps orders the account could cancel right now.
	CancelableBy *common.Address
	// Match is an extra predicate, for example a compiled expression.
	Match func(Order, Status) bool
}

// Empty reports whether the filter has no criteria.
func (f *Filter) Empty() bool {
	return f == nil || (f.Maker == nil && f.Taker == nil && f.Token == nil &&
		len(f.Statuses) == 0 && f.FillableBy == nil && f.CancelableBy == nil && f.Match == nil)
}

// MatchesStatus reports whether status is accepted by the filter.
func (f *Filter) MatchesStatus(status Status) bool {
	if f == nil || len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}
