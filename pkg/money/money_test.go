package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIsCommutativeAndAssociative(t *testing.T) {
	a := MustParse("10.10", "USD")
	b := MustParse("0.20", "USD")
	c := MustParse("1234.567", "usd")

	ab, err := a.Add(b)
	require.NoError(t, err)
	ba, err := b.Add(a)
	require.NoError(t, err)
	assert.True(t, ab.Equal(ba))
	assert.Equal(t, "10.3", ab.Amount.String())

	abc1, err := ab.Add(c)
	require.NoError(t, err)
	bc, err := b.Add(c)
	require.NoError(t, err)
	abc2, err := a.Add(bc)
	require.NoError(t, err)
	assert.True(t, abc1.Equal(abc2))
}

func TestSubAndMul(t *testing.T) {
	a := FromInt(1000, "USD")
	b := MustParse("1500", "USD")

	d, err := a.Sub(b)
	require.NoError(t, err)
	assert.True(t, d.IsNegative())
	assert.Equal(t, "-500", d.Amount.String())

	assert.Equal(t, "150", MustParse("1.5", "USD").Mul(decimal.NewFromInt(100)).Amount.String())
	assert.True(t, d.Neg().IsPositive())
	assert.True(t, d.Abs().Equal(FromInt(500, "USD")))
}

func TestCurrencyMismatchFails(t *testing.T) {
	usd := FromInt(1, "USD")
	eur := FromInt(1, "EUR")

	_, err := usd.Add(eur)
	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
	_, err = usd.Sub(eur)
	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
	_, err = usd.Cmp(eur)
	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
	assert.False(t, usd.Equal(eur))
}

func TestComparisons(t *testing.T) {
	small := FromInt(1000, "USD")
	big := FromInt(1500, "USD")

	gt, err := big.GreaterThan(small)
	require.NoError(t, err)
	assert.True(t, gt)

	lt, err := big.LessThan(small)
	require.NoError(t, err)
	assert.False(t, lt)
}

func TestParse(t *testing.T) {
	m, err := Parse(" 42.50 ", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultCurrency, m.Currency)
	assert.Equal(t, "42.5 USD", m.String())

	_, err = Parse("forty", "USD")
	assert.Error(t, err)
}

func TestJSONKeepsAmountAsString(t *testing.T) {
	data, err := json.Marshal(MustParse("0.1", "USD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"0.1","currency":"USD"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(MustParse("0.10", "USD")))
}
