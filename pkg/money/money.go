// Package money provides precise decimal amounts at ledger and event boundaries.
// Uses shopspring/decimal internally to avoid floating point errors.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents ISO 4217 currency codes and a few crypto tickers
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	RUB Currency = "RUB"
	JPY Currency = "JPY"
	BTC Currency = "BTC"
	ETH Currency = "ETH"
)

// minor unit exponents; anything unlisted uses two decimals
var exponents = map[Currency]int32{
	JPY: 0,
	BTC: 8,
	ETH: 8,
}

var (
	ErrNegativeAmount    = errors.New("amount cannot be negative")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidAmount     = errors.New("invalid amount format")
	ErrInvalidCurrency   = errors.New("invalid currency code")
)

// ParseCurrency normalises a currency code
func ParseCurrency(code string) (Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) < 3 || len(c) > 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return Currency(c), nil
}

// Exponent returns the number of minor unit digits of the currency
func (c Currency) Exponent() int32 {
	if e, ok := exponents[c]; ok {
		return e
	}
	return 2
}

// Truncate drops the digits of d below one minor unit of the currency
func (c Currency) Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(c.Exponent())
}

// Amount represents a non-negative monetary value in one currency
type Amount struct {
	value    decimal.Decimal
	currency Currency
}

// Zero returns zero amount for given currency
func Zero(currency Currency) Amount {
	return Amount{value: decimal.Zero, currency: currency}
}

// New creates a new Amount from string representation
func New(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, value)
	}
	return FromDecimal(d, currency)
}

// MustNew creates Amount or panics - use only in tests
func MustNew(value string, currency Currency) Amount {
	a, err := New(value, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal creates Amount from decimal.Decimal
func FromDecimal(d decimal.Decimal, currency Currency) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{value: d, currency: currency}, nil
}

// FromMinorUnits creates Amount from the smallest currency unit
func FromMinorUnits(units int64, currency Currency) Amount {
	return Amount{
		value:    decimal.New(units, -currency.Exponent()),
		currency: currency,
	}
}

// Value returns the decimal value
func (a Amount) Value() decimal.Decimal {
	return a.value
}

// Currency returns the currency
func (a Amount) Currency() Currency {
	return a.currency
}

// String returns formatted string representation
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.StringValue(), a.currency)
}

// StringValue returns just the numeric value at the currency precision
func (a Amount) StringValue() string {
	return a.value.StringFixed(a.currency.Exponent())
}

// IsZero returns true if amount is zero
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive returns true if amount > 0
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// MinorUnits returns the amount in the smallest currency unit. Fractions
// below one minor unit are truncated.
func (a Amount) MinorUnits() int64 {
	return a.currency.Truncate(a.value).Shift(a.currency.Exponent()).IntPart()
}

// Add returns sum of two amounts
func (a Amount) Add(other Amount) (Amount, error) {
	if a.currency != other.currency {
		return Amount{}, ErrCurrencyMismatch
	}
	return Amount{value: a.value.Add(other.value), currency: a.currency}, nil
}

// Sub returns difference of two amounts
func (a Amount) Sub(other Amount) (Amount, error) {
	if a.currency != other.currency {
		return Amount{}, ErrCurrencyMismatch
	}
	result := a.value.Sub(other.value)
	if result.IsNegative() {
		return Amount{}, ErrInsufficientFunds
	}
	return Amount{value: result, currency: a.currency}, nil
}

// Equal compares two amounts
func (a Amount) Equal(other Amount) bool {
	return a.currency == other.currency && a.value.Equal(other.value)
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value    string   `json:"value"`
		Currency Currency `json:"currency"`
	}{
		Value:    a.value.String(),
		Currency: a.currency,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v struct {
		Value    string   `json:"value"`
		Currency Currency `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	amount, err := New(v.Value, v.Currency)
	if err != nil {
		return err
	}
	*a = amount
	return nil
}
