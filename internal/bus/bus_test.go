package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var got []string
	b.Subscribe("ordersUpdated", func(_ context.Context, n Notification) { got = append(got, "first:"+n.Payload.(string)) })
	b.Subscribe("ordersUpdated", func(_ context.Context, n Notification) { got = append(got, "second:"+n.Payload.(string)) })
	b.Subscribe("other", func(context.Context, Notification) { got = append(got, "other") })

	delivered := b.Notify(context.Background(), "ordersUpdated", "x")
	require.Equal(t, 2, delivered)
	require.Equal(t, []string{"first:x", "second:x"}, got)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(nil)
	var reached bool
	b.Subscribe("OrderFilled", func(context.Context, Notification) { panic("boom") })
	b.Subscribe("OrderFilled", func(context.Context, Notification) { reached = true })

	require.NotPanics(t, func() {
		delivered := b.Notify(context.Background(), "OrderFilled", nil)
		require.Equal(t, 1, delivered)
	})
	require.True(t, reached)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	calls := 0
	id := b.Subscribe("syncComplete", func(context.Context, Notification) { calls++ })
	require.NotEmpty(t, id)
	require.Equal(t, 1, b.Subscribers("syncComplete"))

	require.True(t, b.Unsubscribe(id))
	require.False(t, b.Unsubscribe(id))
	b.Notify(context.Background(), "syncComplete", nil)
	require.Zero(t, calls)
	require.Zero(t, b.Subscribers("syncComplete"))
}

func TestStreamDropsWhenFullAndClosesOnCancel(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Stream([]Topic{"a", "b"}, 2)

	b.Notify(context.Background(), "a", 1)
	b.Notify(context.Background(), "b", 2)
	b.Notify(context.Background(), "a", 3)

	first := <-ch
	second := <-ch
	require.Equal(t, Topic("a"), first.Topic)
	require.Equal(t, 1, first.Payload)
	require.Equal(t, Topic("b"), second.Topic)

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Zero(t, b.Subscribers("a"))
	b.Notify(context.Background(), "a", 4)
}
