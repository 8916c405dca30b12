package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/money"
)

// Book holds risk limits and account state for all users under one
// reader/writer lock. Everything handed out is a copy.
//
// Code that needs both the Book and a BreakerBook must take the Book first.
type Book struct {
	mu       sync.RWMutex
	limits   map[string]RiskLimits
	accounts map[string]*AccountState
	currency string
	now      func() time.Time
}

// NewBook creates an empty book. New accounts are denominated in currency.
func NewBook(currency string, now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	return &Book{
		limits:   make(map[string]RiskLimits),
		accounts: make(map[string]*AccountState),
		currency: currency,
		now:      now,
	}
}

// Currency is the currency of accounts created by the book.
func (b *Book) Currency() string { return b.currency }

// SetLimits validates and stores limits, keeping the first CreatedAt.
func (b *Book) SetLimits(l RiskLimits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.MaxPositionSize.Currency == "" {
		l.MaxPositionSize.Currency = b.currency
	}
	if l.MaxDailyLoss.Currency == "" {
		l.MaxDailyLoss.Currency = b.currency
	}
	now := b.now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.limits[l.UserID]; ok && !prev.CreatedAt.IsZero() {
		l.CreatedAt = prev.CreatedAt
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	b.limits[l.UserID] = l
	return nil
}

// Limits returns the limits of a user, active or not.
func (b *Book) Limits(userID string) (RiskLimits, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.limits[userID]
	return l, ok
}

// AllLimits returns every stored limit set ordered by user.
func (b *Book) AllLimits() []RiskLimits {
	b.mu.RLock()
	out := make([]RiskLimits, 0, len(b.limits))
	for _, l := range b.limits {
		out = append(out, l)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Deactivate marks a user's limits inactive. Limits are never deleted.
func (b *Book) Deactivate(userID string) (RiskLimits, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limits[userID]
	if !ok {
		return RiskLimits{}, false
	}
	l.Active = false
	l.UpdatedAt = b.now().UTC()
	b.limits[userID] = l
	return l, true
}

// Account returns a deep copy of a user's account.
func (b *Book) Account(userID string) (AccountState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[userID]
	if !ok {
		return AccountState{}, false
	}
	return a.Clone(), true
}

// AccountOrZero returns the account or an empty one in the book currency.
func (b *Book) AccountOrZero(userID string) AccountState {
	if a, ok := b.Account(userID); ok {
		return a
	}
	return NewAccountState(userID, b.currency)
}

// Accounts returns copies of all accounts ordered by user.
func (b *Book) Accounts() []AccountState {
	b.mu.RLock()
	out := make([]AccountState, 0, len(b.accounts))
	for _, a := range b.accounts {
		out = append(out, a.Clone())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PutAccount replaces a user's account. The high-water mark never goes down.
func (b *Book) PutAccount(a AccountState) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := a.Clone()
	if stored.Positions == nil {
		stored.Positions = make(map[string]PositionState)
	}
	if prev, ok := b.accounts[a.UserID]; ok {
		stored.MaxEquity = maxMoney(prev.MaxEquity, stored.MaxEquity)
	}
	stored.MaxEquity = maxMoney(stored.MaxEquity, stored.Equity)
	if stored.LastUpdated.IsZero() {
		stored.LastUpdated = b.now().UTC()
	}
	b.accounts[a.UserID] = &stored
	return stored.Clone()
}

func (b *Book) accountLocked(userID string) *AccountState {
	a, ok := b.accounts[userID]
	if !ok {
		fresh := NewAccountState(userID, b.currency)
		a = &fresh
		b.accounts[userID] = a
	}
	return a
}

// ApplyPositionUpdate stores the latest state of one position.
func (b *Book) ApplyPositionUpdate(p events.PositionUpdated) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accountLocked(p.UserID)
	a.Positions[p.Symbol] = PositionState{
		Symbol:        p.Symbol,
		Quantity:      p.Quantity,
		AveragePrice:  p.AveragePrice,
		MarketValue:   p.MarketValue,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
	}
	a.LastUpdated = b.now().UTC()
	return a.Clone()
}

// ClosePosition removes a position.
func (b *Book) ClosePosition(userID, symbol string) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accountLocked(userID)
	delete(a.Positions, symbol)
	a.LastUpdated = b.now().UTC()
	return a.Clone()
}

// ApplyAccountUpdate overwrites balances from a broker snapshot and raises
// the high-water mark when equity exceeds it.
func (b *Book) ApplyAccountUpdate(u events.AccountUpdated) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accountLocked(u.UserID)
	a.Cash = u.Cash
	a.Equity = u.Equity
	a.BuyingPower = u.BuyingPower
	a.MarginUsed = u.MarginUsed
	a.DayTradeCount = u.DayTradeCount
	a.PatternDayTrader = u.PatternDayTrader
	a.DailyPnL = u.DailyPnL
	a.TotalPnL = u.TotalPnL
	a.MaxEquity = maxMoney(a.MaxEquity, u.Equity)
	a.LastUpdated = b.now().UTC()
	return a.Clone()
}

// ApplyCash sets the cash balance.
func (b *Book) ApplyCash(userID string, cash money.Money) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accountLocked(userID)
	a.Cash = cash
	a.LastUpdated = b.now().UTC()
	return a.Clone()
}

// RecordDayTrade increments the day-trade counter.
func (b *Book) RecordDayTrade(userID string, at time.Time) AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.accountLocked(userID)
	a.DayTradeCount++
	a.LastDayTradeDate = at.UTC()
	a.LastUpdated = b.now().UTC()
	return a.Clone()
}

// ResetDaily zeroes daily P&L on every account. Run at the start of a
// trading day.
func (b *Book) ResetDaily() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	for _, a := range b.accounts {
		a.DailyPnL = money.Zero(a.DailyPnL.Currency)
		a.LastUpdated = now
	}
	return len(b.accounts)
}

// ResetHighWaterMark sets max equity back to current equity. It is the only
// way the high-water mark decreases.
func (b *Book) ResetHighWaterMark(userID string) (AccountState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[userID]
	if !ok {
		return AccountState{}, false
	}
	a.MaxEquity = a.Equity
	a.LastUpdated = b.now().UTC()
	return a.Clone(), true
}

// maxMoney returns the larger amount. On a currency mismatch the first
// argument wins unless it is zero.
func maxMoney(a, c money.Money) money.Money {
	cmp, err := a.Cmp(c)
	if err != nil {
		if a.IsZero() {
			return c
		}
		return a
	}
	if cmp >= 0 {
		return a
	}
	return c
}

func pct(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}
