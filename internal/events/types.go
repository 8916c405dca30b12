// Package events defines the domain events exchanged between trading services,
// their wire envelope, and the topic each event travels on.
package events

import "strings"

// Type is the logical event type carried in the envelope.
type Type string

const (
	TypeOrderRequested    Type = "OrderRequested"
	TypeOrderAccepted     Type = "OrderAccepted"
	TypeOrderRejected     Type = "OrderRejected"
	TypeOrderFilled       Type = "OrderFilled"
	TypeOrderCancelled    Type = "OrderCancelled"
	TypePositionUpdated   Type = "PositionUpdated"
	TypePositionClosed    Type = "PositionClosed"
	TypeAccountUpdated    Type = "AccountUpdated"
	TypeCashUpdated       Type = "CashUpdated"
	TypeMarketTick        Type = "MarketTick"
	TypePriceAlert        Type = "PriceAlert"
	TypeAlertRaised       Type = "AlertRaised"
	TypeAlertTriggered    Type = "AlertTriggered"
	TypeCopilotSuggestion Type = "CopilotSuggestion"
	TypeCopilotAnalysis   Type = "CopilotAnalysis"
	TypeNewsArticle       Type = "NewsArticle"
	TypeSentimentUpdate   Type = "SentimentUpdate"
)

// Topics used by the platform.
const (
	TopicOrders             = "orders"
	TopicPositions          = "positions"
	TopicAccount            = "account"
	TopicMarketTicks        = "market_ticks"
	TopicAlerts             = "alerts"
	TopicCopilotSuggestions = "copilot_suggestions"
	TopicNews               = "news"
	TopicPriceAlerts        = "price_alerts"

	retrySuffix = "_retry"
)

var topicByType = map[Type]string{
	TypeOrderRequested:    TopicOrders,
	TypeOrderAccepted:     TopicOrders,
	TypeOrderRejected:     TopicOrders,
	TypeOrderFilled:       TopicOrders,
	TypeOrderCancelled:    TopicOrders,
	TypePositionUpdated:   TopicPositions,
	TypePositionClosed:    TopicPositions,
	TypeAccountUpdated:    TopicAccount,
	TypeCashUpdated:       TopicAccount,
	TypeMarketTick:        TopicMarketTicks,
	TypeAlertRaised:       TopicAlerts,
	TypeAlertTriggered:    TopicAlerts,
	TypeCopilotSuggestion: TopicCopilotSuggestions,
	TypeCopilotAnalysis:   TopicCopilotSuggestions,
	TypeNewsArticle:       TopicNews,
	TypeSentimentUpdate:   TopicNews,
	TypePriceAlert:        TopicPriceAlerts,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	_, ok := topicByType[t]
	return ok
}

func (t Type) String() string { return string(t) }

// TopicFor returns the topic an event type is published on.
func TopicFor(t Type) (string, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}

// AllTopics lists every base topic once, in a stable order.
func AllTopics() []string {
	return []string{
		TopicMarketTicks,
		TopicOrders,
		TopicPositions,
		TopicAccount,
		TopicAlerts,
		TopicCopilotSuggestions,
		TopicNews,
		TopicPriceAlerts,
	}
}

// RetryTopic returns the retry topic for topic. Retries of a retry message
// stay on the same retry topic.
func RetryTopic(topic string) string {
	return BaseTopic(topic) + retrySuffix
}

// BaseTopic strips the retry suffix, if any.
func BaseTopic(topic string) string {
	return strings.TrimSuffix(topic, retrySuffix)
}

// IsRetryTopic reports whether topic is a retry topic.
func IsRetryTopic(topic string) bool {
	return strings.HasSuffix(topic, retrySuffix)
}
