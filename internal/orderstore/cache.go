// Package orderstore is the authoritative in-memory order set.
package orderstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/schema"
)

const component = "orderstore"

// TimeSource reports chain time. *chaintime.Clock satisfies it.
type TimeSource interface {
	Current() (int64, bool)
}

// Cache holds orders keyed by id in ascending order. Expired is never
// written back; it is derived on every read from chain time.
type Cache struct {
	clock TimeSource
	wall  func() time.Time

	mu      sync.RWMutex
	orders  *btree.Map[uint64, schema.Order]
	windows schema.Windows
}

func newIndex() *btree.Map[uint64, schema.Order] {
	return btree.NewMap[uint64, schema.Order](32)
}

// Option customises a Cache.
type Option func(*Cache)

// WithWallClock overrides the fallback used while chain time is unknown.
func WithWallClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.wall = now
		}
	}
}

// New constructs an empty cache. clock may be nil.
func New(clock TimeSource, opts ...Option) *Cache {
	c := &Cache{clock: clock, wall: time.Now, orders: newIndex()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetWindows installs the protocol windows used to derive timings.
func (c *Cache) SetWindows(w schema.Windows) {
	c.mu.Lock()
	c.windows = w
	c.mu.Unlock()
}

// Windows returns the installed protocol windows.
func (c *Cache) Windows() schema.Windows {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.windows
}

// Now returns chain time, falling back to local wall time when unknown.
func (c *Cache) Now() int64 {
	if c.clock != nil {
		if now, ok := c.clock.Current(); ok {
			return now
		}
	}
	return c.wall().Unix()
}

func (c *Cache) prepare(order schema.Order) schema.Order {
	stored := order.Clone()
	stored.Timings = c.windows.ComputeTimings(stored.CreatedAt)
	if !stored.Status.Valid() || stored.Status == schema.StatusExpired {
		stored.Status = schema.StatusActive
	}
	return stored
}

// Upsert stores order, replacing any entry with the same id. Timings are
// derived from CreatedAt.
func (c *Cache) Upsert(order schema.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders.Set(order.ID, c.prepare(order))
}

// Insert stores order only if its id is absent and reports whether it did.
func (c *Cache) Insert(order schema.Order) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.orders.Get(order.ID); exists {
		return false
	}
	c.orders.Set(order.ID, c.prepare(order))
	return true
}

// Remove deletes id and returns the removed order.
func (c *Cache) Remove(id uint64) (schema.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders.Delete(id)
	return order, ok
}

// ReplaceAll swaps the whole set, used by a full resync.
func (c *Cache) ReplaceAll(orders []schema.Order) {
	next := newIndex()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, order := range orders {
		next.Set(order.ID, c.prepare(order))
	}
	c.orders = next
}

// Get returns a copy of order id.
func (c *Cache) Get(id uint64) (schema.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.orders.Get(id)
	if !ok {
		return schema.Order{}, false
	}
	return order.Clone(), true
}

// Len returns the number of cached orders.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orders.Len()
}

// Snapshot returns copies of every order in ascending id order.
func (c *Cache) Snapshot() []schema.Order {
	return c.All(nil)
}

// All returns copies of the orders matching filter in ascending id order.
func (c *Cache) All(filter *schema.Filter) []schema.Order {
	now := c.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.Order, 0, c.orders.Len())
	c.orders.Scan(func(_ uint64, order schema.Order) bool {
		if filter.Empty() || matches(filter, order, now) {
			out = append(out, order.Clone())
		}
		return true
	})
	return out
}

func matches(f *schema.Filter, order schema.Order, now int64) bool {
	if f.Maker != nil && order.Maker != *f.Maker {
		return false
	}
	if f.Taker != nil && order.Taker != *f.Taker {
		return false
	}
	if f.Token != nil && !order.Involves(*f.Token) {
		return false
	}
	status := schema.DeriveStatus(order.Status, order.Timings, now)
	if !f.MatchesStatus(status) {
		return false
	}
	if f.FillableBy != nil && !CanFillAt(order, *f.FillableBy, now) {
		return false
	}
	if f.CancelableBy != nil && !CanCancelAt(order, *f.CancelableBy, now) {
		return false
	}
	if f.Match != nil && !f.Match(order, status) {
		return false
	}
	return true
}

// SetStatus moves a stored order to status. Re-applying the current status
// is a no-op; reversing a terminal status is rejected.
func (c *Cache) SetStatus(id uint64, status schema.Status) (schema.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders.Get(id)
	if !ok {
		return schema.Order{}, errs.New(component, errs.CodeNotFound, errs.WithField("order_id", fmt.Sprint(id)))
	}
	if !order.Status.CanTransition(status) || status == schema.StatusExpired {
		return order.Clone(), errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("illegal transition %s -> %s", order.Status, status)),
			errs.WithField("order_id", fmt.Sprint(id)))
	}
	order.Status = status
	c.orders.Set(id, order)
	return order.Clone(), nil
}

// SetDeal replaces the deal metrics of id.
func (c *Cache) SetDeal(id uint64, deal *schema.DealMetrics) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders.Get(id)
	if !ok {
		return false
	}
	if deal != nil {
		copied := *deal
		deal = &copied
	}
	order.Deal = deal
	c.orders.Set(id, order)
	return true
}

// Retry atomically replaces oldID with newID. The new order keeps the old
// terms, is re-timed from createdAt and carries tries as its retry count.
func (c *Cache) Retry(oldID, newID uint64, createdAt int64, tries uint64) (schema.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.orders.Get(oldID)
	if !ok {
		return schema.Order{}, errs.New(component, errs.CodeNotFound, errs.WithField("order_id", fmt.Sprint(oldID)))
	}
	if existing, exists := c.orders.Get(newID); exists {
		return existing.Clone(), errs.New(component, errs.CodeInvalid,
			errs.WithMessage("retry target already cached"),
			errs.WithField("order_id", fmt.Sprint(newID)))
	}
	next := old.Clone()
	next.ID = newID
	next.CreatedAt = createdAt
	next.Status = schema.StatusActive
	if tries > old.RetryCount {
		next.RetryCount = tries
	} else {
		next.RetryCount = old.RetryCount + 1
	}
	next = c.prepare(next)
	c.orders.Delete(oldID)
	c.orders.Set(newID, next)
	return next.Clone(), nil
}

// Status derives the visible status of order at the current chain time.
func (c *Cache) Status(order schema.Order) schema.Status {
	return schema.DeriveStatus(order.Status, order.Timings, c.Now())
}

// CanFill reports whether account may fill order now.
func (c *Cache) CanFill(order schema.Order, account common.Address) bool {
	return CanFillAt(order, account, c.Now())
}

// CanCancel reports whether account may cancel order now.
func (c *Cache) CanCancel(order schema.Order, account common.Address) bool {
	return CanCancelAt(order, account, c.Now())
}

// CanFillAt requires a derived Active status, a non-maker account and either
// an open order or one addressed to account.
func CanFillAt(order schema.Order, account common.Address, now int64) bool {
	if account == (common.Address{}) {
		return false
	}
	if schema.DeriveStatus(order.Status, order.Timings, now) != schema.StatusActive {
		return false
	}
	if schema.SameAccount(order.Maker, account) {
		return false
	}
	return order.IsOpen() || schema.SameAccount(order.Taker, account)
}

// CanCancelAt requires a stored Active status, an unexpired grace window and
// the maker as account.
func CanCancelAt(order schema.Order, account common.Address, now int64) bool {
	if order.Status != schema.StatusActive {
		return false
	}
	if now > order.Timings.GraceEndsAt {
		return false
	}
	return schema.SameAccount(order.Maker, account)
}
