package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/risk"
)

var (
	// ErrNotFound is returned when an admin operation names an unknown
	// user, account or violation.
	ErrNotFound = errors.New("admission: not found")
	// ErrKillSwitchViolation is returned when a kill-switch violation is
	// resolved on its own; those are released through ClearKillSwitch.
	ErrKillSwitchViolation = errors.New("admission: kill-switch violations are released by clearing the kill switch")
)

// DeactivateLimits marks a user's limits inactive. Orders of the user then
// fail closed until limits are set again.
func (s *Service) DeactivateLimits(ctx context.Context, userID string) (risk.RiskLimits, error) {
	l, ok := s.engine.Book().Deactivate(userID)
	if !ok {
		return risk.RiskLimits{}, fmt.Errorf("limits for %q: %w", userID, ErrNotFound)
	}
	if s.repo != nil {
		if err := s.repo.SaveLimits(ctx, l); err != nil {
			return l, err
		}
	}
	s.logger.Warn("Risk limits deactivated", zap.String("user_id", userID))
	return l, nil
}

// ResetHighWaterMark sets the user's max equity to current equity, which
// restarts drawdown measurement.
func (s *Service) ResetHighWaterMark(ctx context.Context, userID string) (risk.AccountState, error) {
	a, ok := s.engine.Book().ResetHighWaterMark(userID)
	if !ok {
		return risk.AccountState{}, fmt.Errorf("account %q: %w", userID, ErrNotFound)
	}
	if err := s.saveAccount(ctx, a); err != nil {
		return a, err
	}
	s.logger.Warn("High-water mark reset",
		zap.String("user_id", userID),
		zap.String("max_equity", a.MaxEquity.String()))
	return a, nil
}

// ResolveViolation marks one violation resolved in memory and in the store.
func (s *Service) ResolveViolation(ctx context.Context, userID, id string) error {
	for _, v := range s.engine.Violations().ForUser(userID) {
		if v.ID == id && v.Severity == risk.SeverityKillSwitch {
			return fmt.Errorf("violation %s: %w", id, ErrKillSwitchViolation)
		}
	}
	var stored bool
	if s.repo != nil {
		var err error
		if stored, err = s.repo.ResolveViolation(ctx, userID, id); err != nil {
			return err
		}
	}
	if !s.engine.Violations().Resolve(userID, id) && !stored {
		return fmt.Errorf("open violation %s of %q: %w", id, userID, ErrNotFound)
	}
	s.logger.Info("Violation resolved", zap.String("user_id", userID), zap.String("violation_id", id))
	return nil
}
