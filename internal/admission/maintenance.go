package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
)

// MaintenanceConfig schedules the periodic housekeeping.
type MaintenanceConfig struct {
	Interval time.Duration
	// DailyReset is HH:MM in the market time zone; empty disables it.
	DailyReset string
	// TrimMaxLen caps every topic and its retry topic; zero disables it.
	TrimMaxLen int64
	Topics     []string
}

// Maintenance sweeps expired breakers, starts a new trading day and trims
// the topic logs.
type Maintenance struct {
	svc       *Service
	cfg       MaintenanceConfig
	resetAt   time.Duration
	now       func() time.Time
	lastReset string
	logger    *zap.Logger
}

// NewMaintenance prepares the schedule. A reset time already passed today
// counts as done.
func NewMaintenance(svc *Service, cfg MaintenanceConfig, now func() time.Time) (*Maintenance, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("admission: maintenance interval must be positive")
	}
	if now == nil {
		now = time.Now
	}
	m := &Maintenance{
		svc:    svc,
		cfg:    cfg,
		now:    now,
		logger: svc.logger.With(zap.String("task", "maintenance")),
	}
	if cfg.DailyReset != "" {
		t, err := time.Parse("15:04", cfg.DailyReset)
		if err != nil {
			return nil, fmt.Errorf("admission: daily reset %q: %w", cfg.DailyReset, err)
		}
		m.resetAt = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		if day, passed := m.resetState(now()); passed {
			m.lastReset = day
		}
	}
	return m, nil
}

func (m *Maintenance) resetState(now time.Time) (day string, passed bool) {
	local := now.In(m.svc.engine.MarketHours().Location())
	sinceMidnight := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	return local.Format(time.DateOnly), sinceMidnight >= m.resetAt
}

// Run ticks until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Warn("Maintenance tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one round of housekeeping. Failures of one task do not stop
// the others.
func (m *Maintenance) Tick(ctx context.Context) error {
	var errs []error

	if n := m.svc.engine.Breakers().Sweep(); n > 0 {
		m.logger.Info("Expired circuit breakers removed", zap.Int("count", n))
	}

	if m.cfg.DailyReset != "" {
		if day, passed := m.resetState(m.now()); passed && day != m.lastReset {
			if err := m.resetDaily(ctx); err != nil {
				errs = append(errs, err)
			} else {
				m.lastReset = day
			}
		}
	}

	if m.cfg.TrimMaxLen > 0 {
		for _, topic := range m.cfg.Topics {
			for _, t := range []string{topic, events.RetryTopic(topic)} {
				n, err := m.svc.bus.Trim(ctx, t, m.cfg.TrimMaxLen)
				if err != nil {
					errs = append(errs, fmt.Errorf("trim %s: %w", t, err))
					continue
				}
				if n > 0 {
					m.logger.Debug("Topic trimmed", zap.String("topic", t), zap.Int64("removed", n))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Maintenance) resetDaily(ctx context.Context) error {
	book := m.svc.engine.Book()
	n := book.ResetDaily()
	for _, a := range book.Accounts() {
		if err := m.svc.saveAccount(ctx, a); err != nil {
			return fmt.Errorf("persist daily reset for %s: %w", a.UserID, err)
		}
	}
	m.logger.Info("Daily counters reset", zap.Int("accounts", n))
	return nil
}
