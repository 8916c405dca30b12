package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/metrics"
	"github.com/Aidin1998/riskgate/pkg/money"
)

const noLimitsMessage = "no risk limits configured"

var ninetyPercent = decimal.NewFromFloat(0.9)

// Engine evaluates orders and positions. It reads limits from a Book and
// halts from a BreakerBook; it never publishes and never mutates accounts.
type Engine struct {
	book     *Book
	breakers *BreakerBook
	hours    MarketHours
	log      *ViolationLog
	now      func() time.Time
	logger   *zap.Logger
	currency string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for market hours and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMarketHours sets the trading session.
func WithMarketHours(h MarketHours) Option {
	return func(e *Engine) { e.hours = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithViolationLog records every produced violation in log.
func WithViolationLog(log *ViolationLog) Option {
	return func(e *Engine) { e.log = log }
}

// WithCurrency sets the currency of zero amounts in results.
func WithCurrency(ccy string) Option {
	return func(e *Engine) { e.currency = ccy }
}

// NewEngine creates an engine over book and breakers.
func NewEngine(book *Book, breakers *BreakerBook, opts ...Option) *Engine {
	e := &Engine{
		book:     book,
		breakers: breakers,
		hours:    DefaultMarketHours(),
		now:      time.Now,
		logger:   zap.NewNop(),
		currency: book.Currency(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewViolationLog(0)
	}
	e.logger = e.logger.With(zap.String("component", "risk_engine"))
	return e
}

// Book returns the limits and account store.
func (e *Engine) Book() *Book { return e.book }

// Breakers returns the circuit breaker store.
func (e *Engine) Breakers() *BreakerBook { return e.breakers }

// MarketHours returns the trading session.
func (e *Engine) MarketHours() MarketHours { return e.hours }

// Violations returns the violation log.
func (e *Engine) Violations() *ViolationLog { return e.log }

// SetRiskLimits validates and stores limits.
func (e *Engine) SetRiskLimits(l RiskLimits) error {
	if err := e.book.SetLimits(l); err != nil {
		return err
	}
	e.logger.Info("Risk limits updated", zap.String("user_id", l.UserID), zap.Bool("active", l.Active))
	return nil
}

// GetRiskLimits returns the limits of a user.
func (e *Engine) GetRiskLimits(userID string) (RiskLimits, bool) {
	return e.book.Limits(userID)
}

type checker struct {
	userID     string
	symbol     string
	now        time.Time
	violations []RiskViolation
	warnings   []string
}

func (c *checker) add(t ViolationType, sev Severity, msg string, current, limit decimal.Decimal, unit string) {
	c.violations = append(c.violations, RiskViolation{
		ID:           uuid.NewString(),
		UserID:       c.userID,
		Symbol:       c.symbol,
		Type:         t,
		Message:      msg,
		CurrentValue: current,
		LimitValue:   limit,
		Unit:         unit,
		Severity:     sev,
		Timestamp:    c.now,
	})
}

func (c *checker) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// CheckOrderRisk evaluates an order against the user's limits, the given
// account snapshot and the symbol's circuit breaker. Every rule runs; the
// order is allowed only if no violation is Critical or worse.
func (e *Engine) CheckOrderRisk(order events.OrderRequested, account AccountState) RiskCheckResult {
	c := &checker{userID: order.UserID, symbol: order.Symbol, now: e.now().UTC()}

	limits, ok := e.book.Limits(order.UserID)
	breaker, halted := e.breakers.Active(order.Symbol)

	if !ok || !limits.Active {
		if halted {
			c.warn("%s", breaker.describe())
		}
		return e.finish("order", e.failClosed(c, account))
	}

	if halted {
		c.add(ViolationCircuitBreaker, SeverityCritical,
			fmt.Sprintf("Circuit breaker active for %s", order.Symbol),
			DropPercent(breaker.TriggerPrice.Amount, breaker.CurrentPrice.Amount), decimal.Zero, UnitPercent)
	}

	if limits.MarketHoursOnly && !e.hours.IsOpen(c.now) {
		c.add(ViolationMarketHours, SeverityCritical, "Trading outside market hours",
			decimal.Zero, decimal.Zero, "")
	}

	notional := e.orderNotional(c, order, account)

	if notional.Currency != account.BuyingPower.Currency {
		c.add(ViolationInsufficientFunds, SeverityCritical,
			fmt.Sprintf("currency mismatch: order in %s, account in %s", notional.Currency, account.BuyingPower.Currency),
			notional.Amount, account.BuyingPower.Amount, notional.Currency)
	} else if notional.Amount.GreaterThan(account.BuyingPower.Amount) {
		c.add(ViolationInsufficientFunds, SeverityCritical, "Insufficient buying power",
			notional.Amount, account.BuyingPower.Amount, notional.Currency)
	}

	if notional.Currency != limits.MaxPositionSize.Currency {
		c.add(ViolationPositionSize, SeverityCritical,
			fmt.Sprintf("currency mismatch: order in %s, position limit in %s", notional.Currency, limits.MaxPositionSize.Currency),
			notional.Amount, limits.MaxPositionSize.Amount, notional.Currency)
	} else if notional.Amount.GreaterThan(limits.MaxPositionSize.Amount) {
		c.add(ViolationPositionSize, SeverityCritical, "Position size exceeds limit",
			notional.Amount, limits.MaxPositionSize.Amount, notional.Currency)
	}

	e.checkConcentration(c, notional.Amount, account, limits)
	e.checkLosses(c, account, limits, true)

	if account.PatternDayTrader && account.DayTradeCount >= limits.PatternDayTraderLimit {
		c.add(ViolationPatternDayTrader, SeverityCritical, "Pattern day trader limit exceeded",
			decimal.NewFromInt(int64(account.DayTradeCount)), decimal.NewFromInt(int64(limits.PatternDayTraderLimit)), UnitCount)
	}

	if limits.MaxLeverage.IsPositive() && account.Equity.IsPositive() {
		leverage := account.MarginUsed.Amount.Add(notional.Amount).Div(account.Equity.Amount)
		if leverage.GreaterThan(limits.MaxLeverage) {
			c.add(ViolationLeverage, SeverityCritical, "Leverage exceeds limit",
				leverage, limits.MaxLeverage, UnitRatio)
		}
	}

	if order.Side == events.SideSell && !limits.AllowShortSelling {
		held := account.Positions[order.Symbol].Quantity
		if order.Quantity.GreaterThan(held) {
			c.add(ViolationPositionSize, SeverityCritical, "Short selling not allowed",
				order.Quantity, held, UnitCount)
		}
	}

	return e.finish("order", e.result(c, account, limits, notional))
}

// orderNotional prices the order at its limit price, else at the last
// observed trade price. Without either the notional is zero in the account
// currency and a warning is attached.
func (e *Engine) orderNotional(c *checker, order events.OrderRequested, account AccountState) money.Money {
	if order.LimitPrice != nil {
		return order.LimitPrice.Mul(order.Quantity)
	}
	if last, ok := e.breakers.LastPrice(order.Symbol); ok {
		return last.Mul(order.Quantity)
	}
	c.warn("no price available for %s, notional assumed 0", order.Symbol)
	ccy := account.BuyingPower.Currency
	if ccy == "" {
		ccy = e.currency
	}
	return money.Zero(ccy)
}

func (e *Engine) checkConcentration(c *checker, exposure decimal.Decimal, account AccountState, limits RiskLimits) {
	if !account.Equity.IsPositive() {
		c.warn("equity is %s, concentration check skipped", account.Equity.String())
		return
	}
	concentration := pct(exposure, account.Equity.Amount)
	if concentration.GreaterThan(limits.MaxPortfolioConcentration) {
		c.add(ViolationPortfolioConcentration, SeverityWarning, "Position concentration exceeds limit",
			concentration, limits.MaxPortfolioConcentration, UnitPercent)
	}
}

// checkLosses runs the kill-switch rules. A daily P&L in another currency
// than the loss limit cannot be compared; orders are then blocked and
// position checks only warn.
func (e *Engine) checkLosses(c *checker, account AccountState, limits RiskLimits, blockOnMismatch bool) {
	if pnl, limit := account.DailyPnL.Currency, limits.MaxDailyLoss.Currency; pnl != limit {
		if blockOnMismatch {
			c.add(ViolationDailyLoss, SeverityCritical,
				fmt.Sprintf("currency mismatch: daily P&L in %s, loss limit in %s", pnl, limit),
				account.DailyPnL.Amount.Neg(), limits.MaxDailyLoss.Amount, pnl)
		} else {
			c.warn("daily P&L in %s, loss limit in %s, daily loss check skipped", pnl, limit)
		}
	} else if account.DailyPnL.Amount.LessThan(limits.MaxDailyLoss.Amount.Neg()) {
		c.add(ViolationDailyLoss, SeverityKillSwitch, "Daily loss limit exceeded",
			account.DailyPnL.Amount.Neg(), limits.MaxDailyLoss.Amount, account.DailyPnL.Currency)
	}
	if dd := Drawdown(account); dd.GreaterThan(limits.MaxDrawdown) {
		c.add(ViolationDrawdown, SeverityKillSwitch, "Maximum drawdown exceeded",
			dd, limits.MaxDrawdown, UnitPercent)
	}
}

// CheckPositionRisk evaluates an open position. Size and concentration
// breaches only warn; loss breaches still trip the kill switch.
func (e *Engine) CheckPositionRisk(pos events.PositionUpdated, account AccountState) RiskCheckResult {
	c := &checker{userID: pos.UserID, symbol: pos.Symbol, now: e.now().UTC()}

	limits, ok := e.book.Limits(pos.UserID)
	if !ok || !limits.Active {
		return e.finish("position", e.failClosed(c, account))
	}

	exposure := pos.MarketValue.Abs()
	if exposure.Currency == limits.MaxPositionSize.Currency && exposure.Amount.GreaterThan(limits.MaxPositionSize.Amount) {
		c.add(ViolationPositionSize, SeverityWarning, "Position size exceeds limit",
			exposure.Amount, limits.MaxPositionSize.Amount, exposure.Currency)
	} else if exposure.Currency != limits.MaxPositionSize.Currency {
		c.warn("position in %s, position limit in %s, size check skipped", exposure.Currency, limits.MaxPositionSize.Currency)
	}
	e.checkConcentration(c, exposure.Amount, account, limits)
	e.checkLosses(c, account, limits, false)

	return e.finish("position", e.result(c, account, limits, pos.MarketValue))
}

func (e *Engine) failClosed(c *checker, account AccountState) RiskCheckResult {
	c.add(ViolationPositionSize, SeverityCritical, noLimitsMessage, decimal.Zero, decimal.Zero, "")
	ccy := account.BuyingPower.Currency
	if ccy == "" {
		ccy = e.currency
	}
	return RiskCheckResult{
		Allowed:           false,
		Violations:        c.violations,
		Warnings:          c.warnings,
		RiskScore:         1.0,
		MarginRequirement: money.Zero(ccy),
	}
}

func (e *Engine) result(c *checker, account AccountState, limits RiskLimits, margin money.Money) RiskCheckResult {
	allowed := true
	for _, v := range c.violations {
		if v.Severity >= SeverityCritical {
			allowed = false
			break
		}
	}
	return RiskCheckResult{
		Allowed:           allowed,
		Violations:        c.violations,
		Warnings:          c.warnings,
		RiskScore:         Score(c.violations, account, limits),
		MarginRequirement: margin,
	}
}

func (e *Engine) finish(kind string, res RiskCheckResult) RiskCheckResult {
	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	metrics.RiskChecks.WithLabelValues(kind, outcome).Inc()
	for _, v := range res.Violations {
		metrics.Violations.WithLabelValues(string(v.Type), v.Severity.String()).Inc()
	}
	e.log.Record(res.Violations...)

	if len(res.Violations) > 0 {
		v := res.Violations[0]
		e.logger.Info("Risk check produced violations",
			zap.String("kind", kind),
			zap.String("user_id", v.UserID),
			zap.String("symbol", v.Symbol),
			zap.Bool("allowed", res.Allowed),
			zap.Strings("reason_codes", res.ReasonCodes()),
			zap.Float64("risk_score", res.RiskScore))
	}
	return res
}

// Drawdown is the percentage decline of equity from its high-water mark, or
// zero when there is no high-water mark.
func Drawdown(account AccountState) decimal.Decimal {
	if account.MaxEquity.IsZero() {
		return decimal.Zero
	}
	return pct(account.MaxEquity.Amount.Sub(account.Equity.Amount), account.MaxEquity.Amount)
}

// Score weights violations by severity and adds early-warning terms for a
// 10% decline from the high-water mark and for approaching the day-trade
// limit. The result is capped at 1.
func Score(violations []RiskViolation, account AccountState, limits RiskLimits) float64 {
	score := 0.0
	for _, v := range violations {
		score += v.Severity.Weight()
	}
	if account.Equity.Amount.LessThan(account.MaxEquity.Amount.Mul(ninetyPercent)) {
		score += 0.3
	}
	if account.DayTradeCount > limits.PatternDayTraderLimit/2 {
		score += 0.2
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
