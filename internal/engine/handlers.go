package engine

import (
	"context"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

// handle applies one contract event to the cache. Every branch is idempotent
// under redelivery and never panics out to the hub.
func (e *Engine) handle(ctx context.Context, ev chain.Event) {
	switch ev.Kind {
	case chain.EventOrderCreated:
		e.onCreated(ctx, ev)
	case chain.EventOrderFilled:
		e.onStatus(ctx, ev, schema.StatusFilled, bus.TopicOrderFilled)
	case chain.EventOrderCanceled:
		e.onStatus(ctx, ev, schema.StatusCanceled, bus.TopicOrderCanceled)
	case chain.EventOrderCleanedUp:
		e.onCleanedUp(ctx, ev)
	case chain.EventRetryOrder:
		e.onRetry(ctx, ev)
	default:
		e.logger.Debug("ignoring contract event", observability.F("event", ev.Kind))
	}
}

func (e *Engine) onCreated(ctx context.Context, ev chain.Event) {
	order := e.deals.Compute(ctx, ev.Order())
	if !e.orders.Insert(order) {
		e.logger.Debug("order already cached", observability.F("order_id", ev.OrderID))
		return
	}
	stored, _ := e.orders.Get(order.ID)
	e.bus.Notify(ctx, bus.TopicOrderCreated, stored)
	e.bus.Notify(ctx, bus.TopicOrdersUpdated, OrdersUpdated{Reason: ev.Kind, IDs: []uint64{order.ID}})
}

func (e *Engine) onStatus(ctx context.Context, ev chain.Event, status schema.Status, topic bus.Topic) {
	order, err := e.orders.SetStatus(ev.OrderID, status)
	switch {
	case errs.Is(err, errs.CodeNotFound):
		// Not hydrated yet or already cleaned up.
		e.logger.Debug("status event for uncached order",
			observability.F("event", ev.Kind),
			observability.F("order_id", ev.OrderID))
		return
	case err != nil:
		e.logger.Warn("rejected status event",
			observability.F("event", ev.Kind),
			observability.F("order_id", ev.OrderID),
			observability.Err(err))
		return
	}
	e.bus.Notify(ctx, topic, order)
	e.bus.Notify(ctx, bus.TopicOrdersUpdated, OrdersUpdated{Reason: ev.Kind, IDs: []uint64{ev.OrderID}})
}

func (e *Engine) onCleanedUp(ctx context.Context, ev chain.Event) {
	if _, ok := e.orders.Remove(ev.OrderID); !ok {
		return
	}
	e.bus.Notify(ctx, bus.TopicOrderCleanedUp, OrderRemoved{ID: ev.OrderID, Cleaner: ev.Cleaner})
	e.bus.Notify(ctx, bus.TopicOrdersUpdated, OrdersUpdated{Reason: ev.Kind, IDs: []uint64{ev.OrderID}})
}

func (e *Engine) onRetry(ctx context.Context, ev chain.Event) {
	order, err := e.orders.Retry(ev.OrderID, ev.NewOrderID, ev.Timestamp, ev.Tries)
	switch {
	case err == nil:
		e.orders.SetDeal(order.ID, e.deals.Compute(ctx, order).Deal)
		order, _ = e.orders.Get(order.ID)
	case errs.Is(err, errs.CodeNotFound):
		// The original was never cached; read the replacement directly.
		fresh, ok := e.readOrder(ctx, ev.NewOrderID)
		if !ok || !e.orders.Insert(e.deals.Compute(ctx, fresh)) {
			return
		}
		order, _ = e.orders.Get(ev.NewOrderID)
	default:
		e.logger.Debug("retry already applied",
			observability.F("old_id", ev.OrderID),
			observability.F("new_id", ev.NewOrderID),
			observability.Err(err))
		return
	}
	e.bus.Notify(ctx, bus.TopicRetryOrder, OrderRetried{OldID: ev.OrderID, NewID: ev.NewOrderID, Order: order})
	e.bus.Notify(ctx, bus.TopicOrdersUpdated, OrdersUpdated{Reason: ev.Kind, IDs: []uint64{ev.OrderID, ev.NewOrderID}})
}

func (e *Engine) readOrder(ctx context.Context, id uint64) (schema.Order, bool) {
	order, err := e.swap.Order(ctx, id)
	if err != nil {
		e.logger.Warn("order read failed", observability.F("order_id", id), observability.Err(err))
		return schema.Order{}, false
	}
	if order.Maker == schema.OpenTaker || order.Status != schema.StatusActive {
		return schema.Order{}, false
	}
	return order, true
}
