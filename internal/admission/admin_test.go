package admission

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/internal/risk"
)

func (s *AdmissionTestSuite) TestDeactivateLimitsFailsOrdersClosed() {
	l, err := s.service.DeactivateLimits(s.ctx, "alice")
	s.Require().NoError(err)
	s.False(l.Active)

	stored, err := s.repo.LoadLimits(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.False(stored[0].Active)

	d := s.admit(order("o-1", "alice", "AAPL", 1, 100))
	s.False(d.Allowed)

	_, err = s.service.DeactivateLimits(s.ctx, "nobody")
	s.True(errors.Is(err, ErrNotFound))
}

func (s *AdmissionTestSuite) TestResetHighWaterMark() {
	down := fundedAccount("alice")
	down.Equity = usd(80000)
	s.Require().NoError(s.service.HandleAccountUpdated(s.ctx, s.event(down, "")))
	a, _ := s.engine.Book().Account("alice")
	s.True(risk.Drawdown(a).Equal(decimal.NewFromInt(20)))

	a, err := s.service.ResetHighWaterMark(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(a.MaxEquity.Equal(usd(80000)))
	s.True(risk.Drawdown(a).IsZero())

	stored, err := s.repo.LoadAccounts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.True(stored[0].MaxEquity.Equal(usd(80000)))

	_, err = s.service.ResetHighWaterMark(s.ctx, "nobody")
	s.True(errors.Is(err, ErrNotFound))
}

func (s *AdmissionTestSuite) TestResolveViolation() {
	vs := []risk.RiskViolation{
		{ID: "w-1", UserID: "alice", Type: risk.ViolationPortfolioConcentration, Severity: risk.SeverityWarning, Timestamp: s.now},
		{ID: "k-1", UserID: "alice", Type: risk.ViolationDailyLoss, Severity: risk.SeverityKillSwitch, Timestamp: s.now},
	}
	s.engine.Violations().Record(vs...)
	s.Require().NoError(s.repo.SaveViolations(s.ctx, vs))

	s.Require().NoError(s.service.ResolveViolation(s.ctx, "alice", "w-1"))
	open := s.engine.Violations().Unresolved("alice")
	s.Require().Len(open, 1)
	s.Equal("k-1", open[0].ID)

	err := s.service.ResolveViolation(s.ctx, "alice", "w-1")
	s.True(errors.Is(err, ErrNotFound), "already resolved")

	err = s.service.ResolveViolation(s.ctx, "alice", "k-1")
	s.True(errors.Is(err, ErrKillSwitchViolation))
	killSwitches, err := s.repo.UnresolvedKillSwitches(s.ctx)
	s.Require().NoError(err)
	s.Len(killSwitches, 1)
}
