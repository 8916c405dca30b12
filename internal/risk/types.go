// Package risk evaluates orders and positions against per-user limits,
// account state and per-symbol circuit breakers.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/pkg/money"
)

var (
	// ErrNoLimits is returned when a user has no active limits.
	ErrNoLimits = errors.New("risk: no risk limits configured")
	// ErrInvalidLimits is returned when limits fail validation.
	ErrInvalidLimits = errors.New("risk: invalid risk limits")
)

// Severity orders violations: Warning < Critical < KillSwitch.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
	SeverityKillSwitch
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityKillSwitch:
		return "kill_switch"
	default:
		return "unknown"
	}
}

// Weight is the contribution of one violation to a risk score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityWarning:
		return 0.2
	case SeverityCritical:
		return 0.5
	case SeverityKillSwitch:
		return 1.0
	default:
		return 0
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(v) {
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	case "kill_switch", "killswitch":
		return SeverityKillSwitch, nil
	}
	return 0, fmt.Errorf("risk: unknown severity %q", v)
}

// ViolationType is the machine-readable reason code of a violation.
type ViolationType string

const (
	ViolationPositionSize           ViolationType = "POSITION_SIZE"
	ViolationPortfolioConcentration ViolationType = "PORTFOLIO_CONCENTRATION"
	ViolationDailyLoss              ViolationType = "DAILY_LOSS"
	ViolationDrawdown               ViolationType = "DRAWDOWN"
	ViolationLeverage               ViolationType = "LEVERAGE"
	ViolationPatternDayTrader       ViolationType = "PATTERN_DAY_TRADER"
	ViolationMarketHours            ViolationType = "MARKET_HOURS"
	ViolationInsufficientFunds      ViolationType = "INSUFFICIENT_FUNDS"
	ViolationMarginCall             ViolationType = "MARGIN_CALL"
	ViolationCircuitBreaker         ViolationType = "CIRCUIT_BREAKER"
)

// Units attached to violation values.
const (
	UnitPercent = "%"
	UnitCount   = "count"
	UnitRatio   = "x"
)

// RiskLimits are the per-user admission limits.
type RiskLimits struct {
	UserID                    string          `json:"user_id" validate:"required"`
	MaxPositionSize           money.Money     `json:"max_position_size" validate:"gte=0"`
	MaxPortfolioConcentration decimal.Decimal `json:"max_portfolio_concentration" validate:"gte=0,lte=100"`
	MaxDailyLoss              money.Money     `json:"max_daily_loss" validate:"gte=0"`
	MaxDrawdown               decimal.Decimal `json:"max_drawdown" validate:"gte=0,lte=100"`
	MaxLeverage               decimal.Decimal `json:"max_leverage" validate:"gte=0"`
	AllowShortSelling         bool            `json:"allow_short_selling"`
	AllowOptions              bool            `json:"allow_options"`
	AllowFutures              bool            `json:"allow_futures"`
	PatternDayTraderLimit     int             `json:"pattern_day_trader_limit" validate:"gte=0"`
	MarketHoursOnly           bool            `json:"market_hours_only"`
	Active                    bool            `json:"active"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// Validate checks field ranges.
func (l RiskLimits) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("%w for %q: %w", ErrInvalidLimits, l.UserID, err)
	}
	return nil
}

// PositionState is one open position.
type PositionState struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  money.Money     `json:"average_price"`
	MarketValue   money.Money     `json:"market_value"`
	UnrealizedPnL money.Money     `json:"unrealized_pnl"`
	RealizedPnL   money.Money     `json:"realized_pnl"`
}

// AccountState is the cached account of one user.
type AccountState struct {
	UserID           string                   `json:"user_id"`
	Cash             money.Money              `json:"cash"`
	Equity           money.Money              `json:"equity"`
	BuyingPower      money.Money              `json:"buying_power"`
	MarginUsed       money.Money              `json:"margin_used"`
	DayTradeCount    int                      `json:"day_trade_count"`
	PatternDayTrader bool                     `json:"pattern_day_trader"`
	LastDayTradeDate time.Time                `json:"last_day_trade_date"`
	DailyPnL         money.Money              `json:"daily_pnl"`
	TotalPnL         money.Money              `json:"total_pnl"`
	MaxEquity        money.Money              `json:"max_equity"`
	Positions        map[string]PositionState `json:"positions"`
	LastUpdated      time.Time                `json:"last_updated"`
}

// NewAccountState returns an empty account in currency ccy.
func NewAccountState(userID, ccy string) AccountState {
	zero := money.Zero(ccy)
	return AccountState{
		UserID:      userID,
		Cash:        zero,
		Equity:      zero,
		BuyingPower: zero,
		MarginUsed:  zero,
		DailyPnL:    zero,
		TotalPnL:    zero,
		MaxEquity:   zero,
		Positions:   make(map[string]PositionState),
	}
}

// Clone returns a deep copy.
func (a AccountState) Clone() AccountState {
	out := a
	out.Positions = make(map[string]PositionState, len(a.Positions))
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	return out
}

// RiskViolation is one breached rule. Violations are data, never errors.
type RiskViolation struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol,omitempty"`
	Type         ViolationType   `json:"type"`
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"current_value"`
	LimitValue   decimal.Decimal `json:"limit_value"`
	Unit         string          `json:"unit"`
	Severity     Severity        `json:"severity"`
	Timestamp    time.Time       `json:"timestamp"`
	Resolved     bool            `json:"resolved"`
}

// RiskCheckResult is the decision for one order or position.
type RiskCheckResult struct {
	Allowed           bool            `json:"allowed"`
	Violations        []RiskViolation `json:"violations"`
	Warnings          []string        `json:"warnings"`
	RiskScore         float64         `json:"risk_score"`
	MarginRequirement money.Money     `json:"margin_requirement"`
}

// ReasonCodes lists the distinct violation types in evaluation order.
func (r RiskCheckResult) ReasonCodes() []string {
	seen := make(map[ViolationType]struct{}, len(r.Violations))
	codes := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if _, ok := seen[v.Type]; ok {
			continue
		}
		seen[v.Type] = struct{}{}
		codes = append(codes, string(v.Type))
	}
	return codes
}

// HasKillSwitch reports whether any violation requires halting the user.
func (r RiskCheckResult) HasKillSwitch() bool {
	return len(r.KillSwitchIDs()) > 0
}

// KillSwitchIDs returns the ids of KillSwitch violations.
func (r RiskCheckResult) KillSwitchIDs() []string {
	var ids []string
	for _, v := range r.Violations {
		if v.Severity == SeverityKillSwitch {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// MaxSeverity returns the highest severity present, or 0.
func (r RiskCheckResult) MaxSeverity() Severity {
	var top Severity
	for _, v := range r.Violations {
		if v.Severity > top {
			top = v.Severity
		}
	}
	return top
}
