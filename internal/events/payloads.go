package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/pkg/money"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderRequested asks for admission of a new order.
type OrderRequested struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	OrderType  OrderType       `json:"order_type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice *money.Money    `json:"limit_price,omitempty"`
}

func (OrderRequested) EventType() Type { return TypeOrderRequested }

// Violation is the wire form of a risk violation attached to a decision.
type Violation struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Severity     string          `json:"severity"`
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"current_value"`
	LimitValue   decimal.Decimal `json:"limit_value"`
	Unit         string          `json:"unit,omitempty"`
}

// OrderAccepted is published when an order passes admission.
type OrderAccepted struct {
	OrderID           string          `json:"order_id"`
	UserID            string          `json:"user_id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	RiskScore         float64         `json:"risk_score"`
	MarginRequirement money.Money     `json:"margin_requirement"`
	Warnings          []string        `json:"warnings,omitempty"`
	Violations        []Violation     `json:"violations,omitempty"`
}

func (OrderAccepted) EventType() Type { return TypeOrderAccepted }

// OrderRejected is published when an order fails admission.
type OrderRejected struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"`
	Reason      string      `json:"reason"`
	ReasonCodes []string    `json:"reason_codes"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	RiskScore   float64     `json:"risk_score"`
}

func (OrderRejected) EventType() Type { return TypeOrderRejected }

// OrderFilled reports an execution.
type OrderFilled struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    money.Money     `json:"price"`
	DayTrade bool            `json:"day_trade"`
	FilledAt time.Time       `json:"filled_at"`
}

func (OrderFilled) EventType() Type { return TypeOrderFilled }

// OrderCancelled reports a cancellation.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderCancelled) EventType() Type { return TypeOrderCancelled }

// PositionUpdated carries the latest state of one position.
type PositionUpdated struct {
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  money.Money     `json:"average_price"`
	MarketValue   money.Money     `json:"market_value"`
	UnrealizedPnL money.Money     `json:"unrealized_pnl"`
	RealizedPnL   money.Money     `json:"realized_pnl"`
}

func (PositionUpdated) EventType() Type { return TypePositionUpdated }

// PositionClosed removes a position.
type PositionClosed struct {
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"`
	RealizedPnL money.Money `json:"realized_pnl"`
}

func (PositionClosed) EventType() Type { return TypePositionClosed }

// AccountUpdated carries a full account snapshot from the broker feed.
type AccountUpdated struct {
	UserID           string      `json:"user_id"`
	Cash             money.Money `json:"cash"`
	Equity           money.Money `json:"equity"`
	BuyingPower      money.Money `json:"buying_power"`
	MarginUsed       money.Money `json:"margin_used"`
	DayTradeCount    int         `json:"day_trade_count"`
	PatternDayTrader bool        `json:"pattern_day_trader"`
	DailyPnL         money.Money `json:"daily_pnl"`
	TotalPnL         money.Money `json:"total_pnl"`
}

func (AccountUpdated) EventType() Type { return TypeAccountUpdated }

// CashUpdated changes only the cash balance.
type CashUpdated struct {
	UserID string      `json:"user_id"`
	Cash   money.Money `json:"cash"`
}

func (CashUpdated) EventType() Type { return TypeCashUpdated }

// MarketTick is a price observation for one symbol.
type MarketTick struct {
	Symbol         string       `json:"symbol"`
	Price          money.Money  `json:"price"`
	ReferencePrice *money.Money `json:"reference_price,omitempty"`
	Source         string       `json:"source,omitempty"`
}

func (MarketTick) EventType() Type { return TypeMarketTick }

// Raw carries a pass-through payload for types handled outside this module.
type Raw struct {
	Kind Type
	Body json.RawMessage
}

func (r Raw) EventType() Type { return r.Kind }

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Body) == 0 {
		return []byte("{}"), nil
	}
	return r.Body, nil
}
