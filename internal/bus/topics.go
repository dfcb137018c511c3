package bus

// Topics published by the engine and the event hub.
const (
	TopicOrderCreated     Topic = "OrderCreated"
	TopicOrderFilled      Topic = "OrderFilled"
	TopicOrderCanceled    Topic = "OrderCanceled"
	TopicOrderCleanedUp   Topic = "OrderCleanedUp"
	TopicRetryOrder       Topic = "RetryOrder"
	TopicOrdersUpdated    Topic = "ordersUpdated"
	TopicSyncProgress     Topic = "syncProgress"
	TopicSyncComplete     Topic = "syncComplete"
	TopicConnectionState  Topic = "connectionState"
	TopicConnectionFailed Topic = "connectionFailed"
	TopicChainTime        Topic = "chainTime"
	TopicPricesUpdated    Topic = "pricesUpdated"
)

// StreamTopics lists the topics forwarded to push consumers.
func StreamTopics() []Topic {
	return []Topic{
		TopicOrderCreated,
		TopicOrderFilled,
		TopicOrderCanceled,
		TopicOrderCleanedUp,
		TopicRetryOrder,
		TopicOrdersUpdated,
		TopicSyncProgress,
		TopicSyncComplete,
		TopicConnectionState,
		TopicConnectionFailed,
		TopicChainTime,
	}
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	if t == TopicPricesUpdated {
		return true
	}
	for _, known := range StreamTopics() {
		if known == t {
			return true
		}
	}
	return false
}
