package store

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/pkg/money"
)

type seedFile struct {
	Limits []seedLimits `yaml:"limits"`
}

// Amounts are strings so YAML floats never touch decimal values.
type seedLimits struct {
	UserID                    string `yaml:"user_id"`
	Currency                  string `yaml:"currency"`
	MaxPositionSize           string `yaml:"max_position_size"`
	MaxPortfolioConcentration string `yaml:"max_portfolio_concentration"`
	MaxDailyLoss              string `yaml:"max_daily_loss"`
	MaxDrawdown               string `yaml:"max_drawdown"`
	MaxLeverage               string `yaml:"max_leverage"`
	AllowShortSelling         bool   `yaml:"allow_short_selling"`
	AllowOptions              bool   `yaml:"allow_options"`
	AllowFutures              bool   `yaml:"allow_futures"`
	PatternDayTraderLimit     int    `yaml:"pattern_day_trader_limit"`
	MarketHoursOnly           bool   `yaml:"market_hours_only"`
	Active                    *bool  `yaml:"active"`
}

// LoadSeedLimits reads risk limits from a YAML file. Entries are active
// unless they say otherwise; every entry is validated.
func LoadSeedLimits(path string) ([]risk.RiskLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeedLimits(raw)
}

// ParseSeedLimits decodes seed YAML.
func ParseSeedLimits(raw []byte) ([]risk.RiskLimits, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	out := make([]risk.RiskLimits, 0, len(f.Limits))
	for i, s := range f.Limits {
		l, err := s.toLimits()
		if err != nil {
			return nil, fmt.Errorf("seed entry %d (%s): %w", i, s.UserID, err)
		}
		if err := l.Validate(); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s seedLimits) toLimits() (risk.RiskLimits, error) {
	dec := func(field, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", field, err)
		}
		return d, nil
	}
	pos, err := dec("max_position_size", s.MaxPositionSize)
	if err != nil {
		return risk.RiskLimits{}, err
	}
	conc, err := dec("max_portfolio_concentration", s.MaxPortfolioConcentration)
	if err != nil {
		return risk.RiskLimits{}, err
	}
	loss, err := dec("max_daily_loss", s.MaxDailyLoss)
	if err != nil {
		return risk.RiskLimits{}, err
	}
	dd, err := dec("max_drawdown", s.MaxDrawdown)
	if err != nil {
		return risk.RiskLimits{}, err
	}
	lev, err := dec("max_leverage", s.MaxLeverage)
	if err != nil {
		return risk.RiskLimits{}, err
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return risk.RiskLimits{
		UserID:                    s.UserID,
		MaxPositionSize:           money.New(pos, s.Currency),
		MaxPortfolioConcentration: conc,
		MaxDailyLoss:              money.New(loss, s.Currency),
		MaxDrawdown:               dd,
		MaxLeverage:               lev,
		AllowShortSelling:         s.AllowShortSelling,
		AllowOptions:              s.AllowOptions,
		AllowFutures:              s.AllowFutures,
		PatternDayTraderLimit:     s.PatternDayTraderLimit,
		MarketHoursOnly:           s.MarketHoursOnly,
		Active:                    active,
	}, nil
}
