package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/pkg/money"
)

type limitsRecord struct {
	UserID                    string          `gorm:"primaryKey;type:varchar(128)"`
	Currency                  string          `gorm:"type:varchar(10);not null"`
	MaxPositionSize           decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MaxPortfolioConcentration decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MaxDailyLoss              decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MaxDrawdown               decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MaxLeverage               decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	AllowShortSelling         bool
	AllowOptions              bool
	AllowFutures              bool
	PatternDayTraderLimit     int
	MarketHoursOnly           bool
	Active                    bool `gorm:"index"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (limitsRecord) TableName() string { return "risk_limits" }

func limitsToRecord(l risk.RiskLimits) limitsRecord {
	return limitsRecord{
		UserID:                    l.UserID,
		Currency:                  l.MaxPositionSize.Currency,
		MaxPositionSize:           l.MaxPositionSize.Amount,
		MaxPortfolioConcentration: l.MaxPortfolioConcentration,
		MaxDailyLoss:              l.MaxDailyLoss.Amount,
		MaxDrawdown:               l.MaxDrawdown,
		MaxLeverage:               l.MaxLeverage,
		AllowShortSelling:         l.AllowShortSelling,
		AllowOptions:              l.AllowOptions,
		AllowFutures:              l.AllowFutures,
		PatternDayTraderLimit:     l.PatternDayTraderLimit,
		MarketHoursOnly:           l.MarketHoursOnly,
		Active:                    l.Active,
		CreatedAt:                 l.CreatedAt,
		UpdatedAt:                 l.UpdatedAt,
	}
}

func (r limitsRecord) toLimits() risk.RiskLimits {
	return risk.RiskLimits{
		UserID:                    r.UserID,
		MaxPositionSize:           money.New(r.MaxPositionSize, r.Currency),
		MaxPortfolioConcentration: r.MaxPortfolioConcentration,
		MaxDailyLoss:              money.New(r.MaxDailyLoss, r.Currency),
		MaxDrawdown:               r.MaxDrawdown,
		MaxLeverage:               r.MaxLeverage,
		AllowShortSelling:         r.AllowShortSelling,
		AllowOptions:              r.AllowOptions,
		AllowFutures:              r.AllowFutures,
		PatternDayTraderLimit:     r.PatternDayTraderLimit,
		MarketHoursOnly:           r.MarketHoursOnly,
		Active:                    r.Active,
		CreatedAt:                 r.CreatedAt,
		UpdatedAt:                 r.UpdatedAt,
	}
}

type accountRecord struct {
	UserID           string          `gorm:"primaryKey;type:varchar(128)"`
	Currency         string          `gorm:"type:varchar(10);not null"`
	Cash             decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Equity           decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	BuyingPower      decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MarginUsed       decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	DailyPnL         decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	TotalPnL         decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	MaxEquity        decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	DayTradeCount    int
	PatternDayTrader bool
	LastDayTradeDate time.Time
	Positions        map[string]risk.PositionState `gorm:"serializer:json"`
	LastUpdated      time.Time
}

func (accountRecord) TableName() string { return "account_snapshots" }

func accountToRecord(a risk.AccountState) accountRecord {
	ccy := a.Equity.Currency
	if ccy == "" {
		ccy = a.BuyingPower.Currency
	}
	return accountRecord{
		UserID:           a.UserID,
		Currency:         ccy,
		Cash:             a.Cash.Amount,
		Equity:           a.Equity.Amount,
		BuyingPower:      a.BuyingPower.Amount,
		MarginUsed:       a.MarginUsed.Amount,
		DailyPnL:         a.DailyPnL.Amount,
		TotalPnL:         a.TotalPnL.Amount,
		MaxEquity:        a.MaxEquity.Amount,
		DayTradeCount:    a.DayTradeCount,
		PatternDayTrader: a.PatternDayTrader,
		LastDayTradeDate: a.LastDayTradeDate,
		Positions:        a.Positions,
		LastUpdated:      a.LastUpdated,
	}
}

func (r accountRecord) toAccount() risk.AccountState {
	a := risk.NewAccountState(r.UserID, r.Currency)
	a.Cash = money.New(r.Cash, r.Currency)
	a.Equity = money.New(r.Equity, r.Currency)
	a.BuyingPower = money.New(r.BuyingPower, r.Currency)
	a.MarginUsed = money.New(r.MarginUsed, r.Currency)
	a.DailyPnL = money.New(r.DailyPnL, r.Currency)
	a.TotalPnL = money.New(r.TotalPnL, r.Currency)
	a.MaxEquity = money.New(r.MaxEquity, r.Currency)
	a.DayTradeCount = r.DayTradeCount
	a.PatternDayTrader = r.PatternDayTrader
	a.LastDayTradeDate = r.LastDayTradeDate
	a.LastUpdated = r.LastUpdated
	for sym, p := range r.Positions {
		a.Positions[sym] = p
	}
	return a
}

type violationRecord struct {
	ID           string          `gorm:"primaryKey;type:varchar(64)"`
	UserID       string          `gorm:"type:varchar(128);index:idx_violation_user_open;not null"`
	Symbol       string          `gorm:"type:varchar(32)"`
	Type         string          `gorm:"type:varchar(64);not null"`
	Message      string          `gorm:"type:text"`
	CurrentValue decimal.Decimal `gorm:"type:decimal(36,18)"`
	LimitValue   decimal.Decimal `gorm:"type:decimal(36,18)"`
	Unit         string          `gorm:"type:varchar(16)"`
	Severity     string          `gorm:"type:varchar(16);index:idx_violation_user_open;not null"`
	Resolved     bool            `gorm:"index:idx_violation_user_open"`
	Timestamp    time.Time       `gorm:"column:occurred_at;index"`
}

func (violationRecord) TableName() string { return "risk_violations" }

func violationToRecord(v risk.RiskViolation) violationRecord {
	return violationRecord{
		ID:           v.ID,
		UserID:       v.UserID,
		Symbol:       v.Symbol,
		Type:         string(v.Type),
		Message:      v.Message,
		CurrentValue: v.CurrentValue,
		LimitValue:   v.LimitValue,
		Unit:         v.Unit,
		Severity:     v.Severity.String(),
		Resolved:     v.Resolved,
		Timestamp:    v.Timestamp,
	}
}

func (r violationRecord) toViolation() (risk.RiskViolation, error) {
	sev, err := risk.ParseSeverity(r.Severity)
	if err != nil {
		return risk.RiskViolation{}, err
	}
	return risk.RiskViolation{
		ID:           r.ID,
		UserID:       r.UserID,
		Symbol:       r.Symbol,
		Type:         risk.ViolationType(r.Type),
		Message:      r.Message,
		CurrentValue: r.CurrentValue,
		LimitValue:   r.LimitValue,
		Unit:         r.Unit,
		Severity:     sev,
		Timestamp:    r.Timestamp,
		Resolved:     r.Resolved,
	}, nil
}
