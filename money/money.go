package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when arithmetic mixes two currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

var exponents = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "UGX": 0,
	"BHD": 3, "KWD": 3, "JOD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for an ISO-4217 code.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// Money is an amount in a single currency. Values are immutable; every
// operation returns a new Money.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New builds a Money without rounding. Use Round at the output boundary.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return New(decimal.Zero, currency)
}

// FromMinorUnits converts an integer count of minor units (cents) into Money.
func FromMinorUnits(units int64, currency string) Money {
	return New(decimal.New(units, -Exponent(currency)), currency)
}

// Parse reads a decimal string such as "12.50".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return New(d, currency), nil
}

// MustParse is Parse for constants and tests.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Add(o.Amount), m.Currency), nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Sub(o.Amount), m.Currency), nil
}

// Mul scales the amount. The result is not rounded.
func (m Money) Mul(f decimal.Decimal) Money {
	return New(m.Amount.Mul(f), m.Currency)
}

// Round rounds half away from zero to the currency's minor unit.
func (m Money) Round() Money {
	return New(m.Amount.Round(Exponent(m.Currency)), m.Currency)
}

// MinorUnits returns the rounded amount as an integer count of minor units.
func (m Money) MinorUnits() int64 {
	return m.Amount.Shift(Exponent(m.Currency)).Round(0).IntPart()
}

// Cmp compares amounts; currencies must match.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(o.Amount), nil
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// Equal reports whether both currency and amount match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Min returns the smaller of two same-currency amounts.
func Min(a, b Money) (Money, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// StringFixed formats with exactly the currency's minor-unit digits.
func (m Money) StringFixed() string {
	return m.Amount.StringFixed(Exponent(m.Currency))
}

func (m Money) String() string {
	return m.StringFixed() + " " + m.Currency
}
