// Package bus is the engine's in-process notification fan-out.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapbook/internal/observability"
)

// Topic names a notification stream.
type Topic string

// SubscriptionID identifies a registered handler.
type SubscriptionID string

// Notification is delivered to every handler of its topic.
type Notification struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// Handler receives notifications. A panicking handler is isolated from the
// others and from the publisher.
type Handler func(ctx context.Context, n Notification)

type registration struct {
	id      SubscriptionID
	handler Handler
}

// Bus delivers notifications synchronously, in subscription order.
type Bus struct {
	logger observability.Logger

	mu     sync.RWMutex
	topics map[Topic][]registration
	index  map[SubscriptionID]Topic
	closed bool

	publishedCounter metric.Int64Counter
	failureCounter   metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

// New constructs an empty bus.
func New(logger observability.Logger) *Bus {
	b := &Bus{
		logger: observability.OrDefault(logger),
		topics: make(map[Topic][]registration),
		index:  make(map[SubscriptionID]Topic),
	}
	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.notifications.published",
		metric.WithDescription("Notifications published"),
		metric.WithUnit("{notification}"))
	b.failureCounter, _ = meter.Int64Counter("bus.handler.failures",
		metric.WithDescription("Handlers that panicked during delivery"),
		metric.WithUnit("{failure}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.delivery.dropped",
		metric.WithDescription("Channel deliveries dropped due to backpressure"),
		metric.WithUnit("{notification}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Registered handlers"),
		metric.WithUnit("{subscriber}"))
	return b
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) SubscriptionID {
	if handler == nil {
		return ""
	}
	id := SubscriptionID(uuid.NewString())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	b.topics[topic] = append(b.topics[topic], registration{id: id, handler: handler})
	b.index[id] = topic
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", string(topic))))
	}
	return id
}

// Unsubscribe removes a handler and reports whether it was registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.index[id]
	if !ok {
		return false
	}
	delete(b.index, id)
	regs := b.topics[topic]
	for i, reg := range regs {
		if reg.id == id {
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = next
			}
			break
		}
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(attribute.String("topic", string(topic))))
	}
	return true
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Notify delivers payload to every handler of topic and returns how many
// handlers completed without panicking.
func (b *Bus) Notify(ctx context.Context, topic Topic, payload any) int {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	regs := b.topics[topic]
	b.mu.RUnlock()

	attrs := metric.WithAttributes(attribute.String("topic", string(topic)))
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, attrs)
	}
	n := Notification{Topic: topic, Payload: payload, At: time.Now()}
	delivered := 0
	for _, reg := range regs {
		if err := b.deliver(ctx, reg.handler, n); err != nil {
			if b.failureCounter != nil {
				b.failureCounter.Add(ctx, 1, attrs)
			}
			b.logger.Error("notification handler failed",
				observability.F("topic", string(topic)),
				observability.F("subscription", string(reg.id)),
				observability.Err(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, handler Handler, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler(ctx, n)
	return nil
}

// Stream subscribes a buffered channel to topics. Deliveries that would
// block are dropped. The returned function unsubscribes and closes the
// channel.
func (b *Bus) Stream(topics []Topic, buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	handler := func(ctx context.Context, n Notification) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- n:
		default:
			if b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", string(n.Topic))))
			}
		}
	}
	ids := make([]SubscriptionID, 0, len(topics))
	for _, topic := range topics {
		ids = append(ids, b.Subscribe(topic, handler))
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			for _, id := range ids {
				b.Unsubscribe(id)
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[Topic][]registration)
	b.index = make(map[SubscriptionID]Topic)
}
