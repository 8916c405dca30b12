package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/pkg/metrics"
	"github.com/Aidin1998/riskgate/pkg/money"
)

// BreakerLevel is the tier of a trading halt.
type BreakerLevel int32

const (
	BreakerLevel1 BreakerLevel = iota + 1
	BreakerLevel2
	BreakerLevel3
)

func (l BreakerLevel) String() string {
	switch l {
	case BreakerLevel1:
		return "LEVEL_1"
	case BreakerLevel2:
		return "LEVEL_2"
	case BreakerLevel3:
		return "LEVEL_3"
	default:
		return "UNKNOWN"
	}
}

func (l BreakerLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Duration is how long a breaker at this level halts trading.
func (l BreakerLevel) Duration() time.Duration {
	if l == BreakerLevel3 {
		return 1440 * time.Minute
	}
	return 15 * time.Minute
}

var (
	level2Drop = decimal.NewFromInt(13)
	level3Drop = decimal.NewFromInt(20)
)

// DropPercent is the decline of current relative to reference, in percent.
func DropPercent(reference, current decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return decimal.Zero
	}
	return pct(reference.Sub(current), reference)
}

// DetermineLevel maps a drop of current vs reference to a breaker level.
func DetermineLevel(reference, current decimal.Decimal) BreakerLevel {
	drop := DropPercent(reference, current)
	switch {
	case drop.GreaterThanOrEqual(level3Drop):
		return BreakerLevel3
	case drop.GreaterThanOrEqual(level2Drop):
		return BreakerLevel2
	default:
		return BreakerLevel1
	}
}

// CircuitBreaker halts trading in one symbol. TriggerPrice is the reference
// price before the drop, CurrentPrice the price that tripped it.
type CircuitBreaker struct {
	Symbol          string       `json:"symbol"`
	Level           BreakerLevel `json:"level"`
	TriggerPrice    money.Money  `json:"trigger_price"`
	CurrentPrice    money.Money  `json:"current_price"`
	TriggeredAt     time.Time    `json:"triggered_at"`
	DurationMinutes int          `json:"duration_minutes"`
	Active          bool         `json:"active"`
}

// NewCircuitBreaker creates an active breaker whose level follows from the
// price drop.
func NewCircuitBreaker(symbol string, trigger, current money.Money, now time.Time) CircuitBreaker {
	level := DetermineLevel(trigger.Amount, current.Amount)
	return CircuitBreaker{
		Symbol:          symbol,
		Level:           level,
		TriggerPrice:    trigger,
		CurrentPrice:    current,
		TriggeredAt:     now.UTC(),
		DurationMinutes: int(level.Duration() / time.Minute),
		Active:          true,
	}
}

// ExpiresAt is when the halt ends.
func (cb CircuitBreaker) ExpiresAt() time.Time {
	return cb.TriggeredAt.Add(time.Duration(cb.DurationMinutes) * time.Minute)
}

// IsExpired reports now > triggered_at + duration.
func (cb CircuitBreaker) IsExpired(now time.Time) bool {
	return now.After(cb.ExpiresAt())
}

// ShouldHaltTrading reports whether orders in the symbol must be refused.
func (cb CircuitBreaker) ShouldHaltTrading(now time.Time) bool {
	return cb.Active && !cb.IsExpired(now)
}

type priceRef struct {
	reference money.Money
	last      money.Money
}

// BreakerBook keeps at most one breaker per symbol plus the reference and
// last observed price used to trip breakers automatically.
type BreakerBook struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	prices   map[string]priceRef
	now      func() time.Time
	minDrop  decimal.Decimal
	logger   *zap.Logger
}

// BreakerOption configures a BreakerBook.
type BreakerOption func(*BreakerBook)

// WithBreakerClock sets the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerBook) { b.now = now }
}

// WithMinTriggerDrop sets the drop in percent at which ObservePrice trips a
// breaker.
func WithMinTriggerDrop(pct decimal.Decimal) BreakerOption {
	return func(b *BreakerBook) { b.minDrop = pct }
}

// WithBreakerLogger sets the logger.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(b *BreakerBook) { b.logger = l }
}

// NewBreakerBook creates an empty book. Automatic trips start at a 7% drop.
func NewBreakerBook(opts ...BreakerOption) *BreakerBook {
	b := &BreakerBook{
		breakers: make(map[string]CircuitBreaker),
		prices:   make(map[string]priceRef),
		now:      time.Now,
		minDrop:  decimal.NewFromInt(7),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "circuit_breakers"))
	return b
}

// Trigger installs a breaker for symbol. An active breaker is only replaced
// by one of the same or a higher level; expired breakers are always replaced.
// It returns the breaker in force and whether the new one was installed.
func (b *BreakerBook) Trigger(symbol string, trigger, current money.Money) (CircuitBreaker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triggerLocked(symbol, trigger, current, false)
}

func (b *BreakerBook) triggerLocked(symbol string, trigger, current money.Money, escalateOnly bool) (CircuitBreaker, bool) {
	now := b.now()
	next := NewCircuitBreaker(symbol, trigger, current, now)
	if existing, ok := b.breakers[symbol]; ok && existing.ShouldHaltTrading(now) {
		if next.Level < existing.Level || (escalateOnly && next.Level == existing.Level) {
			return existing, false
		}
	}
	b.breakers[symbol] = next
	metrics.BreakerTrips.WithLabelValues(next.Level.String()).Inc()
	b.logger.Warn("Circuit breaker triggered",
		zap.String("symbol", symbol),
		zap.String("level", next.Level.String()),
		zap.String("trigger_price", next.TriggerPrice.String()),
		zap.String("current_price", next.CurrentPrice.String()),
		zap.Time("expires_at", next.ExpiresAt()))
	return next, true
}

// Active returns the breaker halting symbol, if any.
func (b *BreakerBook) Active(symbol string) (CircuitBreaker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cb, ok := b.breakers[symbol]
	if !ok || !cb.ShouldHaltTrading(b.now()) {
		return CircuitBreaker{}, false
	}
	return cb, true
}

// Clear removes the breaker for symbol and resets its reference price.
func (b *BreakerBook) Clear(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.breakers[symbol]
	delete(b.breakers, symbol)
	b.resetReferenceLocked(symbol)
	if ok {
		b.logger.Info("Circuit breaker cleared", zap.String("symbol", symbol))
	}
	return ok
}

// Sweep drops expired breakers and returns how many were removed.
func (b *BreakerBook) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for symbol, cb := range b.breakers {
		if cb.IsExpired(now) {
			delete(b.breakers, symbol)
			b.resetReferenceLocked(symbol)
			n++
		}
	}
	return n
}

// List returns all breakers, including expired ones not yet swept, ordered
// by symbol.
func (b *BreakerBook) List() []CircuitBreaker {
	b.mu.RLock()
	now := b.now()
	out := make([]CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		cb.Active = cb.ShouldHaltTrading(now)
		out = append(out, cb)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetReference fixes the pre-drop reference price of symbol, such as the
// previous close.
func (b *BreakerBook) SetReference(symbol string, price money.Money) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := b.prices[symbol]
	ref.reference = price
	if ref.last.Currency == "" {
		ref.last = price
	}
	b.prices[symbol] = ref
}

// ObservePrice records a trade price. The first observation becomes the
// reference unless one was set. A drop of at least the configured minimum
// from the reference trips a breaker, escalating an active one when the
// drop reaches a higher level. When a breaker has expired the reference
// moves to the current price.
func (b *BreakerBook) ObservePrice(symbol string, price money.Money) (CircuitBreaker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if cb, ok := b.breakers[symbol]; ok && cb.IsExpired(now) {
		delete(b.breakers, symbol)
		b.resetReferenceLocked(symbol)
	}

	ref, ok := b.prices[symbol]
	if !ok || ref.reference.Currency == "" {
		b.prices[symbol] = priceRef{reference: price, last: price}
		return CircuitBreaker{}, false
	}
	ref.last = price
	b.prices[symbol] = ref

	if ref.reference.Currency != price.Currency {
		b.logger.Warn("Price currency differs from reference, not evaluating breaker",
			zap.String("symbol", symbol),
			zap.String("reference", ref.reference.String()),
			zap.String("price", price.String()))
		return CircuitBreaker{}, false
	}
	if DropPercent(ref.reference.Amount, price.Amount).LessThan(b.minDrop) {
		return CircuitBreaker{}, false
	}
	return b.triggerLocked(symbol, ref.reference, price, true)
}

func (b *BreakerBook) resetReferenceLocked(symbol string) {
	ref, ok := b.prices[symbol]
	if !ok {
		return
	}
	ref.reference = ref.last
	b.prices[symbol] = ref
}

// LastPrice returns the last observed price of symbol.
func (b *BreakerBook) LastPrice(symbol string) (money.Money, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ref, ok := b.prices[symbol]
	if !ok || ref.last.Currency == "" {
		return money.Money{}, false
	}
	return ref.last, true
}

func (cb CircuitBreaker) describe() string {
	return fmt.Sprintf("circuit breaker %s active for %s until %s",
		cb.Level, cb.Symbol, cb.ExpiresAt().Format(time.RFC3339))
}
