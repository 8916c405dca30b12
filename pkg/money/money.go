// Package money provides an exact fixed-point currency amount.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when two amounts in different currencies are combined.
var ErrCurrencyMismatch = errors.New("money: currency mismatch")

// DefaultCurrency is used when no currency is configured.
const DefaultCurrency = "USD"

// Money is an exact decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New creates an amount in the given currency.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: normalize(currency)}
}

// FromInt creates a whole amount.
func FromInt(amount int64, currency string) Money {
	return New(decimal.NewFromInt(amount), currency)
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return New(decimal.Zero, currency)
}

// Parse reads a decimal string such as "1250.75".
func Parse(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return New(d, currency), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func normalize(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

func (m Money) sameCurrency(o Money) error {
	if normalize(m.Currency) != normalize(o.Currency) {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, normalize(m.Currency), normalize(o.Currency))
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Add(o.Amount), m.Currency), nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Sub(o.Amount), m.Currency), nil
}

// Mul scales the amount by a dimensionless factor.
func (m Money) Mul(factor decimal.Decimal) Money {
	return New(m.Amount.Mul(factor), m.Currency)
}

// Neg returns -m.
func (m Money) Neg() Money {
	return New(m.Amount.Neg(), m.Currency)
}

// Abs returns |m|.
func (m Money) Abs() Money {
	return New(m.Amount.Abs(), m.Currency)
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(o.Amount), nil
}

// GreaterThan reports m > o.
func (m Money) GreaterThan(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c > 0, err
}

// LessThan reports m < o.
func (m Money) LessThan(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c < 0, err
}

// Equal reports whether both currency and amount match.
func (m Money) Equal(o Money) bool {
	return normalize(m.Currency) == normalize(o.Currency) && m.Amount.Equal(o.Amount)
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

func (m Money) String() string {
	return m.Amount.String() + " " + normalize(m.Currency)
}
