package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, USD, c)

	_, err = ParseCurrency("U1")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = ParseCurrency("US-D")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(12345), MustNew("123.456", USD).MinorUnits())
	assert.Equal(t, int64(1000), MustNew("1000", JPY).MinorUnits())
	assert.Equal(t, int64(150000000), MustNew("1.5", BTC).MinorUnits())

	a := FromMinorUnits(12345, EUR)
	assert.Equal(t, "123.45", a.StringValue())
	assert.Equal(t, "123.45 EUR", a.String())
}

func TestTruncate(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.01").Equal(EUR.Truncate(decimal.RequireFromString("0.019"))))
	assert.True(t, EUR.Truncate(decimal.RequireFromString("0.001")).IsZero())
	assert.True(t, decimal.NewFromInt(10).Equal(JPY.Truncate(decimal.RequireFromString("10.9"))))

	// Truncation and minor units agree
	v := EUR.Truncate(decimal.RequireFromString("12.3456"))
	assert.Equal(t, int64(1234), MustNew(v.String(), EUR).MinorUnits())
	assert.Equal(t, int64(1234), MustNew("12.3456", EUR).MinorUnits())
}

func TestFromDecimalRejectsNegative(t *testing.T) {
	_, err := FromDecimal(decimal.NewFromInt(-1), USD)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = New("abc", USD)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestArithmetic(t *testing.T) {
	a := MustNew("10", USD)
	b := MustNew("2.5", USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustNew("12.5", USD)))

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.True(t, diff.Equal(MustNew("7.5", USD)))

	_, err = b.Sub(a)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = a.Add(MustNew("1", EUR))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustNew("42.10", GBP))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"42.1","currency":"GBP"}`, string(data))

	var a Amount
	require.NoError(t, json.Unmarshal(data, &a))
	assert.True(t, a.Equal(MustNew("42.1", GBP)))
}
