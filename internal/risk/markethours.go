package risk

import (
	"fmt"
	"time"

	// Embedded zone database so America/New_York resolves in slim images.
	_ "time/tzdata"
)

// MarketHours is a weekday trading session in one time zone.
type MarketHours struct {
	loc      *time.Location
	open     time.Duration
	close    time.Duration
	holidays map[string]struct{}
}

// MarketHoursConfig is the configurable form of MarketHours.
type MarketHoursConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Holidays []string `mapstructure:"holidays"`
}

// DefaultMarketHoursConfig is the US equities regular session.
func DefaultMarketHoursConfig() MarketHoursConfig {
	return MarketHoursConfig{Timezone: "America/New_York", Open: "09:30", Close: "16:00"}
}

// DefaultMarketHours returns 09:30-16:00 America/New_York, Monday to Friday.
func DefaultMarketHours() MarketHours {
	mh, err := NewMarketHours(DefaultMarketHoursConfig())
	if err != nil {
		panic(err)
	}
	return mh
}

// NewMarketHours parses cfg. Holidays are dates in YYYY-MM-DD.
func NewMarketHours(cfg MarketHoursConfig) (MarketHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market hours timezone: %w", err)
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market close: %w", err)
	}
	if closeAt <= open {
		return MarketHours{}, fmt.Errorf("market close %s is not after open %s", cfg.Close, cfg.Open)
	}
	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return MarketHours{}, fmt.Errorf("holiday %q: %w", h, err)
		}
		holidays[h] = struct{}{}
	}
	return MarketHours{loc: loc, open: open, close: closeAt, holidays: holidays}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the market time zone.
func (m MarketHours) Location() *time.Location { return m.loc }

// IsWeekend reports whether t falls on a Saturday or Sunday in the market zone.
func (m MarketHours) IsWeekend(t time.Time) bool {
	wd := t.In(m.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether t is a configured market holiday.
func (m MarketHours) IsHoliday(t time.Time) bool {
	_, ok := m.holidays[t.In(m.loc).Format(time.DateOnly)]
	return ok
}

// IsOpen reports whether t is within the session, open and close inclusive.
func (m MarketHours) IsOpen(t time.Time) bool {
	if m.IsWeekend(t) || m.IsHoliday(t) {
		return false
	}
	local := t.In(m.loc)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return sinceMidnight >= m.open && sinceMidnight <= m.close
}
