package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/riskgate/pkg/money"
)

func TestTopicRouting(t *testing.T) {
	cases := map[Type]string{
		TypeOrderRequested:  TopicOrders,
		TypeOrderRejected:   TopicOrders,
		TypePositionClosed:  TopicPositions,
		TypeCashUpdated:     TopicAccount,
		TypeMarketTick:      TopicMarketTicks,
		TypeAlertTriggered:  TopicAlerts,
		TypeCopilotAnalysis: TopicCopilotSuggestions,
		TypeSentimentUpdate: TopicNews,
		TypePriceAlert:      TopicPriceAlerts,
	}
	for typ, want := range cases {
		got, ok := TopicFor(typ)
		require.True(t, ok, typ)
		assert.Equal(t, want, got, typ)
	}

	_, ok := TopicFor("Bogus")
	assert.False(t, ok)
	assert.False(t, Type("Bogus").Valid())
}

func TestRetryTopicIsIdempotent(t *testing.T) {
	assert.Equal(t, "orders_retry", RetryTopic("orders"))
	assert.Equal(t, "orders_retry", RetryTopic("orders_retry"))
	assert.Equal(t, "orders", BaseTopic("orders_retry"))
	assert.True(t, IsRetryTopic("orders_retry"))
	assert.False(t, IsRetryTopic("orders"))
}

func TestNewDerivesTypeAndDecodes(t *testing.T) {
	limit := money.MustParse("101.25", "USD")
	req := OrderRequested{
		OrderID:    "o-1",
		UserID:     "u-1",
		Symbol:     "AAPL",
		Side:       SideBuy,
		OrderType:  OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: &limit,
	}
	ev, err := New(req, "test", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, TypeOrderRequested, ev.Type)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.NotEmpty(t, ev.ID)

	var back OrderRequested
	require.NoError(t, ev.Decode(&back))
	assert.Equal(t, req.OrderID, back.OrderID)
	assert.True(t, back.Quantity.Equal(req.Quantity))
	require.NotNil(t, back.LimitPrice)
	assert.True(t, back.LimitPrice.Equal(limit))

	topic, err := ev.Topic()
	require.NoError(t, err)
	assert.Equal(t, TopicOrders, topic)
}

func TestNewAssignsCorrelationWhenMissing(t *testing.T) {
	ev, err := New(CashUpdated{UserID: "u"}, "test", "")
	require.NoError(t, err)
	assert.NotEmpty(t, ev.CorrelationID)
}

func TestRawPassThrough(t *testing.T) {
	ev, err := New(Raw{Kind: TypeNewsArticle, Body: json.RawMessage(`{"headline":"x"}`)}, "news", "")
	require.NoError(t, err)
	assert.Equal(t, TypeNewsArticle, ev.Type)
	assert.JSONEq(t, `{"headline":"x"}`, string(ev.Data))

	_, err = NewWithType("Nope", map[string]string{}, "x", "")
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ev := MustNew(MarketTick{Symbol: "MSFT", Price: money.MustParse("300", "USD")}, "feed", "")
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	data, err := Encode(ev, 2, now)
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, env.ID)
	assert.Equal(t, 2, env.RetryCount)
	assert.Equal(t, TypeMarketTick, env.Event.Type)
	assert.True(t, env.Timestamp.Equal(now))
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"event":{"type":"MarketTick"},"retry_count":-1}`} {
		_, err := DecodeEnvelope([]byte(body))
		require.Error(t, err, body)
		var se *SerializationError
		assert.True(t, errors.As(err, &se), body)
		assert.True(t, IsSerialization(err))
	}
}

func TestDecodeEnvelopeKeepsUnknownTypes(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"id":"x","event":{"id":"x","type":"Mystery","data":{}},"retry_count":0}`))
	require.NoError(t, err)
	assert.Equal(t, Type("Mystery"), env.Event.Type)
	assert.False(t, env.Event.Type.Valid())
}
