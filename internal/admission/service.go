// Package admission turns OrderRequested events into OrderAccepted or
// OrderRejected decisions and keeps the risk state current from the feed.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/internal/messaging"
	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/internal/store"
	"github.com/Aidin1998/riskgate/pkg/money"
)

// ReasonKillSwitch is the reason code of orders rejected by a latched halt.
const ReasonKillSwitch = "KILL_SWITCH"

// Config tunes the service.
type Config struct {
	Source        string        `mapstructure:"source" validate:"required"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" validate:"gt=0"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Source: "riskgate", SubmitTimeout: 5 * time.Second}
}

// Registrar accepts handlers by event type. *messaging.Manager is one.
type Registrar interface {
	Register(t events.Type, h messaging.Handler)
}

// Decision is the outcome of one admission.
type Decision struct {
	OrderID           string             `json:"order_id"`
	UserID            string             `json:"user_id"`
	Symbol            string             `json:"symbol"`
	Allowed           bool               `json:"allowed"`
	Reason            string             `json:"reason,omitempty"`
	ReasonCodes       []string           `json:"reason_codes,omitempty"`
	RiskScore         float64            `json:"risk_score"`
	MarginRequirement *money.Money       `json:"margin_requirement,omitempty"`
	Violations        []events.Violation `json:"violations,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	EventID           string             `json:"event_id"`
	CorrelationID     string             `json:"correlation_id"`
}

// Service performs admission on the bus.
type Service struct {
	cfg    Config
	engine *risk.Engine
	bus    messaging.Bus
	halts  *Halts
	repo   store.Repository
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Decision
}

// NewService wires the service. repo may be nil when nothing is persisted.
func NewService(cfg Config, engine *risk.Engine, bus messaging.Bus, halts *Halts, repo store.Repository, logger *zap.Logger) *Service {
	if cfg.Source == "" {
		cfg.Source = DefaultConfig().Source
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	return &Service{
		cfg:     cfg,
		engine:  engine,
		bus:     bus,
		halts:   halts,
		repo:    repo,
		logger:  logger.With(zap.String("component", "admission")),
		waiters: make(map[string]chan Decision),
	}
}

// Engine returns the risk engine.
func (s *Service) Engine() *risk.Engine { return s.engine }

// Halts returns the kill-switch latch.
func (s *Service) Halts() *Halts { return s.halts }

// Register installs the admission and feed handlers.
func (s *Service) Register(r Registrar) {
	r.Register(events.TypeOrderRequested, messaging.HandlerFunc(s.HandleOrderRequested))
	r.Register(events.TypeOrderAccepted, messaging.HandlerFunc(s.HandleDecision))
	r.Register(events.TypeOrderRejected, messaging.HandlerFunc(s.HandleDecision))
	r.Register(events.TypeOrderFilled, messaging.HandlerFunc(s.HandleOrderFilled))
	r.Register(events.TypePositionUpdated, messaging.HandlerFunc(s.HandlePositionUpdated))
	r.Register(events.TypePositionClosed, messaging.HandlerFunc(s.HandlePositionClosed))
	r.Register(events.TypeAccountUpdated, messaging.HandlerFunc(s.HandleAccountUpdated))
	r.Register(events.TypeCashUpdated, messaging.HandlerFunc(s.HandleCashUpdated))
	r.Register(events.TypeMarketTick, messaging.HandlerFunc(s.HandleMarketTick))
}

// HandleOrderRequested admits or rejects one order and publishes the
// decision with the request's correlation id. Halted users are rejected
// without running the checks.
func (s *Service) HandleOrderRequested(ctx context.Context, ev events.Event) error {
	var order events.OrderRequested
	if err := ev.Decode(&order); err != nil {
		return err
	}
	log := s.logger.With(
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("correlation_id", ev.CorrelationID))

	if halt, ok := s.halts.Get(order.UserID); ok {
		log.Warn("Order rejected, kill switch latched", zap.Strings("violation_ids", halt.ViolationIDs))
		return s.publish(ctx, events.OrderRejected{
			OrderID:     order.OrderID,
			UserID:      order.UserID,
			Symbol:      order.Symbol,
			Reason:      "kill switch active, trading halted until cleared",
			ReasonCodes: []string{ReasonKillSwitch},
			RiskScore:   1.0,
		}, ev.CorrelationID)
	}

	account := s.engine.Book().AccountOrZero(order.UserID)
	res := s.engine.CheckOrderRisk(order, account)

	if err := s.persistViolations(ctx, res.Violations); err != nil {
		return err
	}
	if res.HasKillSwitch() {
		s.halts.Latch(order.UserID, res.KillSwitchIDs()...)
		log.Error("Kill switch tripped", zap.Strings("reason_codes", res.ReasonCodes()))
	}

	if res.Allowed {
		log.Debug("Order accepted", zap.Float64("risk_score", res.RiskScore))
		return s.publish(ctx, events.OrderAccepted{
			OrderID:           order.OrderID,
			UserID:            order.UserID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			Quantity:          order.Quantity,
			RiskScore:         res.RiskScore,
			MarginRequirement: res.MarginRequirement,
			Warnings:          res.Warnings,
			Violations:        toWire(res.Violations),
		}, ev.CorrelationID)
	}

	log.Info("Order rejected", zap.Strings("reason_codes", res.ReasonCodes()))
	return s.publish(ctx, events.OrderRejected{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Reason:      rejectReason(res),
		ReasonCodes: res.ReasonCodes(),
		Violations:  toWire(res.Violations),
		Warnings:    res.Warnings,
		RiskScore:   res.RiskScore,
	}, ev.CorrelationID)
}

func (s *Service) publish(ctx context.Context, p events.Payload, correlationID string) error {
	out, err := events.New(p, s.cfg.Source, correlationID)
	if err != nil {
		return err
	}
	if _, err := messaging.PublishEvent(ctx, s.bus, out); err != nil {
		return fmt.Errorf("publish %s: %w", out.Type, err)
	}
	return nil
}

func (s *Service) persistViolations(ctx context.Context, vs []risk.RiskViolation) error {
	if s.repo == nil || len(vs) == 0 {
		return nil
	}
	return s.repo.SaveViolations(ctx, vs)
}

func rejectReason(res risk.RiskCheckResult) string {
	var msgs []string
	for _, v := range res.Violations {
		if v.Severity >= risk.SeverityCritical {
			msgs = append(msgs, v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func toWire(vs []risk.RiskViolation) []events.Violation {
	if len(vs) == 0 {
		return nil
	}
	out := make([]events.Violation, 0, len(vs))
	for _, v := range vs {
		out = append(out, events.Violation{
			ID:           v.ID,
			Type:         string(v.Type),
			Severity:     v.Severity.String(),
			Message:      v.Message,
			CurrentValue: v.CurrentValue,
			LimitValue:   v.LimitValue,
			Unit:         v.Unit,
		})
	}
	return out
}

// DecisionFromEvent converts an OrderAccepted or OrderRejected event.
func DecisionFromEvent(ev events.Event) (Decision, error) {
	d := Decision{EventID: ev.ID, CorrelationID: ev.CorrelationID}
	switch ev.Type {
	case events.TypeOrderAccepted:
		var a events.OrderAccepted
		if err := ev.Decode(&a); err != nil {
			return Decision{}, err
		}
		margin := a.MarginRequirement
		d.OrderID, d.UserID, d.Symbol = a.OrderID, a.UserID, a.Symbol
		d.Allowed = true
		d.RiskScore = a.RiskScore
		d.MarginRequirement = &margin
		d.Violations = a.Violations
		d.Warnings = a.Warnings
	case events.TypeOrderRejected:
		var r events.OrderRejected
		if err := ev.Decode(&r); err != nil {
			return Decision{}, err
		}
		d.OrderID, d.UserID, d.Symbol = r.OrderID, r.UserID, r.Symbol
		d.Reason = r.Reason
		d.ReasonCodes = r.ReasonCodes
		d.RiskScore = r.RiskScore
		d.Violations = r.Violations
		d.Warnings = r.Warnings
	default:
		return Decision{}, fmt.Errorf("%s is not an order decision", ev.Type)
	}
	return d, nil
}

// HandleDecision hands a decision to the Submit call waiting on its
// correlation id. Decisions nobody waits for are ignored.
func (s *Service) HandleDecision(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	ch, ok := s.waiters[ev.CorrelationID]
	if ok {
		delete(s.waiters, ev.CorrelationID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	d, err := DecisionFromEvent(ev)
	if err != nil {
		return err
	}
	ch <- d
	return nil
}

// ErrSubmitTimeout is returned when no decision arrives in time.
var ErrSubmitTimeout = errors.New("admission: timed out waiting for decision")

// Submit publishes an OrderRequested and waits for its decision. Without a
// deadline on ctx the configured submit timeout applies.
func (s *Service) Submit(ctx context.Context, order events.OrderRequested) (Decision, error) {
	ev, err := events.New(order, s.cfg.Source, "")
	if err != nil {
		return Decision{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.waiters[ev.CorrelationID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, ev.CorrelationID)
		s.mu.Unlock()
	}()

	if _, err := messaging.PublishEvent(ctx, s.bus, ev); err != nil {
		return Decision{}, fmt.Errorf("submit order %s: %w", order.OrderID, err)
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Decision{}, fmt.Errorf("order %s: %w", order.OrderID, ErrSubmitTimeout)
		}
		return Decision{}, ctx.Err()
	}
}

// ClearResult reports what ClearKillSwitch released.
type ClearResult struct {
	UserID      string   `json:"user_id"`
	WasHalted   bool     `json:"was_halted"`
	Resolved    []string `json:"resolved_violation_ids"`
	StoreUpdate int64    `json:"store_resolved"`
}

// ClearKillSwitch releases a halted user and resolves the user's open
// kill-switch violations in memory and in the store.
func (s *Service) ClearKillSwitch(ctx context.Context, userID string) (ClearResult, error) {
	res := ClearResult{UserID: userID}
	if s.repo != nil {
		n, err := s.repo.ResolveKillSwitches(ctx, userID)
		if err != nil {
			return res, err
		}
		res.StoreUpdate = n
	}
	res.Resolved = s.engine.Violations().ResolveKillSwitches(userID)
	res.WasHalted = s.halts.Clear(userID)
	s.logger.Warn("Kill switch cleared",
		zap.String("user_id", userID),
		zap.Bool("was_halted", res.WasHalted),
		zap.Int("resolved", len(res.Resolved)))
	return res, nil
}

// RehydrateStats counts what Rehydrate restored.
type RehydrateStats struct {
	Limits   int `json:"limits"`
	Accounts int `json:"accounts"`
	Halted   int `json:"halted"`
}

// Rehydrate loads limits, account snapshots and open kill switches from
// repo. Users with an open kill-switch violation are latched again.
func (s *Service) Rehydrate(ctx context.Context, repo store.Repository) (RehydrateStats, error) {
	var stats RehydrateStats
	limits, err := repo.LoadLimits(ctx)
	if err != nil {
		return stats, err
	}
	for _, l := range limits {
		if err := s.engine.Book().SetLimits(l); err != nil {
			s.logger.Warn("Skipping stored limits", zap.String("user_id", l.UserID), zap.Error(err))
			continue
		}
		stats.Limits++
	}

	accounts, err := repo.LoadAccounts(ctx)
	if err != nil {
		return stats, err
	}
	for _, a := range accounts {
		s.engine.Book().PutAccount(a)
		stats.Accounts++
	}

	open, err := repo.UnresolvedKillSwitches(ctx)
	if err != nil {
		return stats, err
	}
	s.engine.Violations().Record(open...)
	byUser := make(map[string][]string)
	for _, v := range open {
		byUser[v.UserID] = append(byUser[v.UserID], v.ID)
	}
	for user, ids := range byUser {
		s.halts.Latch(user, ids...)
	}
	stats.Halted = len(byUser)

	s.logger.Info("Risk state rehydrated",
		zap.Int("limits", stats.Limits),
		zap.Int("accounts", stats.Accounts),
		zap.Int("halted", stats.Halted))
	return stats, nil
}

// SetLimits stores limits in the engine and the repository.
func (s *Service) SetLimits(ctx context.Context, l risk.RiskLimits) (risk.RiskLimits, error) {
	if err := s.engine.SetRiskLimits(l); err != nil {
		return risk.RiskLimits{}, err
	}
	stored, _ := s.engine.GetRiskLimits(l.UserID)
	if s.repo != nil {
		if err := s.repo.SaveLimits(ctx, stored); err != nil {
			return stored, err
		}
	}
	return stored, nil
}
