package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/money"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

// Monday 2024-03-04 10:00 in New York.
func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func usd(v int64) money.Money { return money.FromInt(v, "USD") }

func defaultLimits(userID string) RiskLimits {
	return RiskLimits{
		UserID:                    userID,
		MaxPositionSize:           usd(50000),
		MaxPortfolioConcentration: decimal.NewFromInt(25),
		MaxDailyLoss:              usd(1000),
		MaxDrawdown:               decimal.NewFromInt(20),
		MaxLeverage:               decimal.NewFromInt(4),
		AllowShortSelling:         true,
		PatternDayTraderLimit:     4,
		Active:                    true,
	}
}

func healthyAccount(userID string) AccountState {
	a := NewAccountState(userID, "USD")
	a.Cash = usd(100000)
	a.Equity = usd(100000)
	a.BuyingPower = usd(100000)
	a.MaxEquity = usd(100000)
	return a
}

func limitOrder(userID, symbol string, side events.Side, qty, price int64) events.OrderRequested {
	p := usd(price)
	return events.OrderRequested{
		OrderID:    "ord-" + symbol,
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		OrderType:  events.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: &p,
	}
}

func codes(res RiskCheckResult) []string { return res.ReasonCodes() }

type EngineTestSuite struct {
	suite.Suite
	clock    *testClock
	book     *Book
	breakers *BreakerBook
	engine   *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.clock = newTestClock()
	logger := zaptest.NewLogger(s.T())
	s.book = NewBook("USD", s.clock.Now)
	s.breakers = NewBreakerBook(WithBreakerClock(s.clock.Now), WithBreakerLogger(logger))
	s.engine = NewEngine(s.book, s.breakers,
		WithClock(s.clock.Now),
		WithLogger(logger),
		WithViolationLog(NewViolationLog(100)),
	)
	s.Require().NoError(s.engine.SetRiskLimits(defaultLimits("alice")))
}

func (s *EngineTestSuite) TestAllowsHealthyOrder() {
	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 10, 150), healthyAccount("alice"))

	s.True(res.Allowed)
	s.Empty(res.Violations)
	s.Equal(0.0, res.RiskScore)
	s.True(res.MarginRequirement.Equal(usd(1500)))
}

func (s *EngineTestSuite) TestFailsClosedWithoutLimits() {
	orders := []events.OrderRequested{
		limitOrder("bob", "AAPL", events.SideBuy, 1, 1),
		limitOrder("bob", "MSFT", events.SideSell, 1000, 400),
	}
	for _, o := range orders {
		res := s.engine.CheckOrderRisk(o, healthyAccount("bob"))
		s.False(res.Allowed)
		s.Require().Len(res.Violations, 1)
		s.Equal(SeverityCritical, res.Violations[0].Severity)
		s.Equal(ViolationPositionSize, res.Violations[0].Type)
		s.Equal("no risk limits configured", res.Violations[0].Message)
		s.Equal(1.0, res.RiskScore)
	}
}

func (s *EngineTestSuite) TestFailsClosedWhenLimitsInactive() {
	_, ok := s.book.Deactivate("alice")
	s.Require().True(ok)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 1), healthyAccount("alice"))
	s.False(res.Allowed)
	s.Len(res.Violations, 1)
}

func (s *EngineTestSuite) TestFailClosedReportsBreakerAsWarning() {
	s.breakers.Trigger("AAPL", usd(100), usd(75))

	res := s.engine.CheckOrderRisk(limitOrder("bob", "AAPL", events.SideBuy, 1, 75), healthyAccount("bob"))
	s.False(res.Allowed)
	s.Len(res.Violations, 1)
	s.Require().Len(res.Warnings, 1)
	s.Contains(res.Warnings[0], "circuit breaker LEVEL_3")
}

func (s *EngineTestSuite) TestInsufficientFunds() {
	account := healthyAccount("alice")
	account.BuyingPower = usd(1000)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 15, 100), account)

	s.False(res.Allowed)
	s.Equal([]string{"INSUFFICIENT_FUNDS"}, codes(res))
	v := res.Violations[0]
	s.Equal(SeverityCritical, v.Severity)
	s.True(v.CurrentValue.Equal(decimal.NewFromInt(1500)))
	s.True(v.LimitValue.Equal(decimal.NewFromInt(1000)))
	s.Equal("USD", v.Unit)
}

func (s *EngineTestSuite) TestDailyLossTripsKillSwitch() {
	account := healthyAccount("alice")
	account.DailyPnL = usd(-1200)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)

	s.False(res.Allowed)
	s.Equal([]string{"DAILY_LOSS"}, codes(res))
	s.Equal(SeverityKillSwitch, res.Violations[0].Severity)
	s.True(res.HasKillSwitch())
	s.Equal(1.0, res.RiskScore)
}

func (s *EngineTestSuite) TestDailyLossCurrencyMismatch() {
	account := healthyAccount("alice")
	account.DailyPnL = money.FromInt(-5000, "EUR")

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.False(res.Allowed)
	s.Equal([]string{"DAILY_LOSS"}, codes(res))
	s.Equal(SeverityCritical, res.Violations[0].Severity)
	s.Contains(res.Violations[0].Message, "currency mismatch")
	s.False(res.HasKillSwitch())

	pos := events.PositionUpdated{UserID: "alice", Symbol: "AAPL", Quantity: decimal.NewFromInt(1), MarketValue: usd(100)}
	res = s.engine.CheckPositionRisk(pos, account)
	s.True(res.Allowed)
	s.Empty(res.Violations)
	s.Require().Len(res.Warnings, 1)
	s.Contains(res.Warnings[0], "daily loss check skipped")
}

func (s *EngineTestSuite) TestDailyLossAtLimitIsAllowed() {
	account := healthyAccount("alice")
	account.DailyPnL = usd(-1000)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.True(res.Allowed)
}

func (s *EngineTestSuite) TestConcentrationWarningDoesNotBlock() {
	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 300, 100), healthyAccount("alice"))

	s.True(res.Allowed)
	s.Require().Len(res.Violations, 1)
	s.Equal(ViolationPortfolioConcentration, res.Violations[0].Type)
	s.Equal(SeverityWarning, res.Violations[0].Severity)
	s.True(res.Violations[0].CurrentValue.Equal(decimal.NewFromInt(30)))
	s.InDelta(0.2, res.RiskScore, 1e-9)
}

func (s *EngineTestSuite) TestConcentrationSkippedWithoutEquity() {
	account := healthyAccount("alice")
	account.Equity = usd(0)
	account.MaxEquity = usd(0)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 10, 100), account)
	s.True(res.Allowed)
	s.Empty(res.Violations)
	s.Require().Len(res.Warnings, 1)
	s.Contains(res.Warnings[0], "concentration check skipped")
}

func (s *EngineTestSuite) TestCircuitBreakerRejectsAndKeepsEvaluating() {
	s.breakers.Trigger("AAPL", usd(100), usd(75))
	account := healthyAccount("alice")
	account.BuyingPower = usd(10)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 10, 75), account)

	s.False(res.Allowed)
	s.Equal([]string{"CIRCUIT_BREAKER", "INSUFFICIENT_FUNDS"}, codes(res))
	s.True(res.Violations[0].CurrentValue.Equal(decimal.NewFromInt(25)))
}

func (s *EngineTestSuite) TestMarketHours() {
	limits := defaultLimits("alice")
	limits.MarketHoursOnly = true
	s.Require().NoError(s.engine.SetRiskLimits(limits))

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), healthyAccount("alice"))
	s.True(res.Allowed)

	s.clock.Set(time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC))
	res = s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), healthyAccount("alice"))
	s.False(res.Allowed)
	s.Equal([]string{"MARKET_HOURS"}, codes(res))
}

func (s *EngineTestSuite) TestPositionSize() {
	account := healthyAccount("alice")
	account.Equity = usd(1000000)
	account.MaxEquity = usd(1000000)
	account.BuyingPower = usd(1000000)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 600, 100), account)
	s.False(res.Allowed)
	s.Equal([]string{"POSITION_SIZE"}, codes(res))
}

func (s *EngineTestSuite) TestDrawdownTripsKillSwitch() {
	account := healthyAccount("alice")
	account.Equity = usd(75000)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.False(res.Allowed)
	s.Equal([]string{"DRAWDOWN"}, codes(res))
	s.True(res.Violations[0].CurrentValue.Equal(decimal.NewFromInt(25)))
	s.Equal(SeverityKillSwitch, res.Violations[0].Severity)
}

func (s *EngineTestSuite) TestPatternDayTrader() {
	account := healthyAccount("alice")
	account.PatternDayTrader = true
	account.DayTradeCount = 4

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.False(res.Allowed)
	s.Equal([]string{"PATTERN_DAY_TRADER"}, codes(res))

	account.DayTradeCount = 3
	res = s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.True(res.Allowed)
}

func (s *EngineTestSuite) TestLeverage() {
	limits := defaultLimits("alice")
	limits.MaxLeverage = decimal.NewFromInt(2)
	s.Require().NoError(s.engine.SetRiskLimits(limits))
	account := healthyAccount("alice")
	account.MarginUsed = usd(195000)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 100, 100), account)
	s.False(res.Allowed)
	s.Equal([]string{"LEVERAGE"}, codes(res))
	s.True(res.Violations[0].CurrentValue.Equal(decimal.RequireFromString("2.05")))
}

func (s *EngineTestSuite) TestShortSelling() {
	limits := defaultLimits("alice")
	limits.AllowShortSelling = false
	s.Require().NoError(s.engine.SetRiskLimits(limits))
	account := healthyAccount("alice")
	account.Positions["AAPL"] = PositionState{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideSell, 10, 100), account)
	s.True(res.Allowed)

	res = s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideSell, 15, 100), account)
	s.False(res.Allowed)
	s.Require().Len(res.Violations, 1)
	s.Equal("Short selling not allowed", res.Violations[0].Message)
}

func (s *EngineTestSuite) TestMarketOrderUsesLastPrice() {
	s.breakers.ObservePrice("MSFT", usd(400))
	order := events.OrderRequested{
		OrderID: "m1", UserID: "alice", Symbol: "MSFT",
		Side: events.SideBuy, OrderType: events.OrderTypeMarket,
		Quantity: decimal.NewFromInt(10),
	}

	res := s.engine.CheckOrderRisk(order, healthyAccount("alice"))
	s.True(res.Allowed)
	s.True(res.MarginRequirement.Equal(usd(4000)))
	s.Empty(res.Warnings)
}

func (s *EngineTestSuite) TestMarketOrderWithoutPriceWarns() {
	order := events.OrderRequested{
		OrderID: "m2", UserID: "alice", Symbol: "NVDA",
		Side: events.SideBuy, OrderType: events.OrderTypeMarket,
		Quantity: decimal.NewFromInt(10),
	}

	res := s.engine.CheckOrderRisk(order, healthyAccount("alice"))
	s.True(res.MarginRequirement.IsZero())
	s.Require().Len(res.Warnings, 1)
	s.Contains(res.Warnings[0], "no price available for NVDA")
}

func (s *EngineTestSuite) TestCurrencyMismatchIsRejected() {
	eur := money.FromInt(100, "EUR")
	order := limitOrder("alice", "SAP", events.SideBuy, 1, 100)
	order.LimitPrice = &eur

	res := s.engine.CheckOrderRisk(order, healthyAccount("alice"))
	s.False(res.Allowed)
	s.Contains(codes(res), "INSUFFICIENT_FUNDS")
	s.Contains(res.Violations[0].Message, "currency mismatch")
}

func (s *EngineTestSuite) TestRiskScoreHeuristics() {
	account := healthyAccount("alice")
	account.Equity = usd(85000)
	account.DayTradeCount = 3

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.True(res.Allowed)
	s.InDelta(0.5, res.RiskScore, 1e-9)
}

func (s *EngineTestSuite) TestRiskScoreIsCapped() {
	account := healthyAccount("alice")
	account.DailyPnL = usd(-5000)
	account.Equity = usd(50000)
	account.BuyingPower = usd(0)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 1, 100), account)
	s.Equal(1.0, res.RiskScore)
	s.Equal(SeverityKillSwitch, res.MaxSeverity())
	s.Len(res.KillSwitchIDs(), 2)
}

func (s *EngineTestSuite) TestCheckPositionRisk() {
	pos := events.PositionUpdated{
		UserID:      "alice",
		Symbol:      "AAPL",
		Quantity:    decimal.NewFromInt(600),
		MarketValue: usd(60000),
	}

	res := s.engine.CheckPositionRisk(pos, healthyAccount("alice"))
	s.True(res.Allowed)
	s.Equal([]string{"POSITION_SIZE", "PORTFOLIO_CONCENTRATION"}, codes(res))
	for _, v := range res.Violations {
		s.Equal(SeverityWarning, v.Severity)
	}
	s.True(res.MarginRequirement.Equal(usd(60000)))

	account := healthyAccount("alice")
	account.DailyPnL = usd(-2000)
	res = s.engine.CheckPositionRisk(pos, account)
	s.False(res.Allowed)
	s.True(res.HasKillSwitch())
}

func (s *EngineTestSuite) TestCheckPositionRiskFailsClosed() {
	res := s.engine.CheckPositionRisk(events.PositionUpdated{UserID: "bob", Symbol: "AAPL", MarketValue: usd(1)}, healthyAccount("bob"))
	s.False(res.Allowed)
	s.Len(res.Violations, 1)
}

func (s *EngineTestSuite) TestViolationsAreLoggedAndSummarised() {
	account := healthyAccount("alice")
	account.DailyPnL = usd(-1200)
	s.Require().NoError(s.book.SetLimits(defaultLimits("alice")))
	s.book.PutAccount(account)

	res := s.engine.CheckOrderRisk(limitOrder("alice", "AAPL", events.SideBuy, 300, 100), account)
	s.Require().Len(res.Violations, 2)

	summary := s.engine.Summary("alice")
	s.Equal(2, summary.ActiveViolations)
	s.True(summary.Halted)
	s.Equal(1.0, summary.RiskScore)
	s.Require().NotNil(summary.Account)
	s.Require().NotNil(summary.Limits)

	ids := s.engine.Violations().ResolveKillSwitches("alice")
	s.Len(ids, 1)
	summary = s.engine.Summary("alice")
	s.False(summary.Halted)
	s.Equal(1, summary.ActiveViolations)
	s.InDelta(0.2, summary.RiskScore, 1e-9)
}

func (s *EngineTestSuite) TestSummaryForUnknownUser() {
	summary := s.engine.Summary("nobody")
	s.Zero(summary.ActiveViolations)
	s.Nil(summary.Account)
	s.Nil(summary.Limits)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestSetRiskLimitsRejectsInvalid(t *testing.T) {
	engine := NewEngine(NewBook("USD", nil), NewBreakerBook())

	bad := defaultLimits("")
	require.Error(t, engine.SetRiskLimits(bad))

	bad = defaultLimits("carol")
	bad.MaxPortfolioConcentration = decimal.NewFromInt(150)
	require.Error(t, engine.SetRiskLimits(bad))

	bad = defaultLimits("carol")
	bad.MaxDailyLoss = usd(-1)
	require.Error(t, engine.SetRiskLimits(bad))

	_, ok := engine.GetRiskLimits("carol")
	assert.False(t, ok)
}

func TestSeverityText(t *testing.T) {
	for _, sev := range []Severity{SeverityWarning, SeverityCritical, SeverityKillSwitch} {
		text, err := sev.MarshalText()
		require.NoError(t, err)
		var back Severity
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, sev, back)
	}
	_, err := ParseSeverity("catastrophic")
	assert.Error(t, err)
	assert.True(t, SeverityWarning < SeverityCritical && SeverityCritical < SeverityKillSwitch)
}
