package admission

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/internal/risk"
)

// Feed handlers apply market and fill events to the in-memory state, then
// persist the snapshot. The dispatcher acks only after they return nil.

func (s *Service) saveAccount(ctx context.Context, a risk.AccountState) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.SaveAccount(ctx, a)
}

// HandlePositionUpdated stores the position and re-checks it. A kill-switch
// breach latches the user.
func (s *Service) HandlePositionUpdated(ctx context.Context, ev events.Event) error {
	var p events.PositionUpdated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	account := s.engine.Book().ApplyPositionUpdate(p)
	if err := s.saveAccount(ctx, account); err != nil {
		return err
	}

	res := s.engine.CheckPositionRisk(p, account)
	if err := s.persistViolations(ctx, res.Violations); err != nil {
		return err
	}
	if res.HasKillSwitch() {
		s.halts.Latch(p.UserID, res.KillSwitchIDs()...)
		s.logger.Error("Kill switch tripped by position update",
			zap.String("user_id", p.UserID),
			zap.String("symbol", p.Symbol),
			zap.Strings("reason_codes", res.ReasonCodes()))
	}
	return nil
}

// HandlePositionClosed drops the position.
func (s *Service) HandlePositionClosed(ctx context.Context, ev events.Event) error {
	var p events.PositionClosed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return s.saveAccount(ctx, s.engine.Book().ClosePosition(p.UserID, p.Symbol))
}

// HandleAccountUpdated applies a broker account snapshot.
func (s *Service) HandleAccountUpdated(ctx context.Context, ev events.Event) error {
	var u events.AccountUpdated
	if err := ev.Decode(&u); err != nil {
		return err
	}
	return s.saveAccount(ctx, s.engine.Book().ApplyAccountUpdate(u))
}

// HandleCashUpdated applies a cash balance change.
func (s *Service) HandleCashUpdated(ctx context.Context, ev events.Event) error {
	var u events.CashUpdated
	if err := ev.Decode(&u); err != nil {
		return err
	}
	return s.saveAccount(ctx, s.engine.Book().ApplyCash(u.UserID, u.Cash))
}

// HandleOrderFilled counts day trades.
func (s *Service) HandleOrderFilled(ctx context.Context, ev events.Event) error {
	var f events.OrderFilled
	if err := ev.Decode(&f); err != nil {
		return err
	}
	if !f.DayTrade {
		return nil
	}
	at := f.FilledAt
	if at.IsZero() {
		at = ev.Timestamp
	}
	return s.saveAccount(ctx, s.engine.Book().RecordDayTrade(f.UserID, at))
}

// HandleMarketTick feeds prices to the circuit breakers.
func (s *Service) HandleMarketTick(_ context.Context, ev events.Event) error {
	var t events.MarketTick
	if err := ev.Decode(&t); err != nil {
		return err
	}
	breakers := s.engine.Breakers()
	if t.ReferencePrice != nil {
		breakers.SetReference(t.Symbol, *t.ReferencePrice)
	}
	if cb, tripped := breakers.ObservePrice(t.Symbol, t.Price); tripped {
		s.logger.Warn("Trading halted in symbol",
			zap.String("symbol", t.Symbol),
			zap.String("level", cb.Level.String()),
			zap.Time("until", cb.ExpiresAt()))
	}
	return nil
}
