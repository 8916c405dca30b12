package admission

import (
	"time"

	"github.com/Aidin1998/riskgate/internal/events"
)

func (s *AdmissionTestSuite) newMaintenance(cfg MaintenanceConfig) *Maintenance {
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	m, err := NewMaintenance(s.service, cfg, func() time.Time { return s.now })
	s.Require().NoError(err)
	return m
}

func (s *AdmissionTestSuite) TestMaintenanceResetsDailyOncePerDay() {
	// 10:00 in New York; the reset is at 17:00 local.
	m := s.newMaintenance(MaintenanceConfig{DailyReset: "17:00"})

	losing := fundedAccount("alice")
	losing.DailyPnL = usd(-500)
	s.Require().NoError(s.service.HandleAccountUpdated(s.ctx, s.event(losing, "")))

	s.Require().NoError(m.Tick(s.ctx))
	a, _ := s.engine.Book().Account("alice")
	s.True(a.DailyPnL.Equal(usd(-500)), "before the reset time nothing changes")

	s.now = s.now.Add(7*time.Hour + 30*time.Minute)
	s.Require().NoError(m.Tick(s.ctx))
	a, _ = s.engine.Book().Account("alice")
	s.True(a.DailyPnL.IsZero())

	stored, err := s.repo.LoadAccounts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.True(stored[0].DailyPnL.IsZero(), "the reset is persisted")

	losing.DailyPnL = usd(-200)
	s.Require().NoError(s.service.HandleAccountUpdated(s.ctx, s.event(losing, "")))
	s.now = s.now.Add(time.Hour)
	s.Require().NoError(m.Tick(s.ctx))
	a, _ = s.engine.Book().Account("alice")
	s.True(a.DailyPnL.Equal(usd(-200)), "one reset per day")
}

func (s *AdmissionTestSuite) TestMaintenanceSkipsResetAlreadyPassedAtStart() {
	s.now = time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)
	m := s.newMaintenance(MaintenanceConfig{DailyReset: "17:00"})

	losing := fundedAccount("alice")
	losing.DailyPnL = usd(-300)
	s.Require().NoError(s.service.HandleAccountUpdated(s.ctx, s.event(losing, "")))

	s.Require().NoError(m.Tick(s.ctx))
	a, _ := s.engine.Book().Account("alice")
	s.True(a.DailyPnL.Equal(usd(-300)))
}

func (s *AdmissionTestSuite) TestMaintenanceSweepsExpiredBreakers() {
	m := s.newMaintenance(MaintenanceConfig{})
	breakers := s.engine.Breakers()
	_, ok := breakers.Trigger("AAPL", usd(100), usd(90))
	s.Require().True(ok)

	s.Require().NoError(m.Tick(s.ctx))
	s.Len(breakers.List(), 1)

	s.now = s.now.Add(20 * time.Minute)
	s.Require().NoError(m.Tick(s.ctx))
	s.Empty(breakers.List())
}

func (s *AdmissionTestSuite) TestMaintenanceTrimsTopics() {
	for i := 0; i < 5; i++ {
		_, err := s.bus.Publish(s.ctx, events.TopicOrders, s.event(order("o", "alice", "AAPL", 1, 100), ""))
		s.Require().NoError(err)
	}
	m := s.newMaintenance(MaintenanceConfig{TrimMaxLen: 2, Topics: []string{events.TopicOrders}})
	s.Require().NoError(m.Tick(s.ctx))

	n, err := s.bus.Len(s.ctx, events.TopicOrders)
	s.Require().NoError(err)
	s.EqualValues(2, n)
}

func (s *AdmissionTestSuite) TestMaintenanceRejectsBadSchedule() {
	_, err := NewMaintenance(s.service, MaintenanceConfig{}, nil)
	s.Error(err)
	_, err = NewMaintenance(s.service, MaintenanceConfig{Interval: time.Second, DailyReset: "5pm"}, nil)
	s.Error(err)
}
