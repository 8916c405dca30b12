package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/money"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	letters []DeadLetter
	err     error
}

func (s *recordingSink) Record(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, dl)
	return nil
}

func (s *recordingSink) all() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}

func tickEvent(symbol string, price int64) events.Event {
	return events.MustNew(events.MarketTick{
		Symbol: symbol,
		Price:  money.FromInt(price, "USD"),
	}, "test", "")
}

func orderEvent(orderID string) events.Event {
	return events.MustNew(events.OrderRequested{
		OrderID:   orderID,
		UserID:    "u-1",
		Symbol:    "AAPL",
		Side:      events.SideBuy,
		OrderType: events.OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1),
	}, "test", "")
}
