// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is a recognized fiat currency code. The set is finite and fixed,
// per the "tagged variant over the finite currency set" resolution of the
// generic-currency-parameter redesign note.
type Currency string

// Recognized currencies and their exponent (decimal places of their
// smallest unit), mirroring ISO 4217 minor units.
const (
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

var currencyScale = map[Currency]int32{
	EUR: 2,
	USD: 2,
	GBP: 2,
	JPY: 0,
}

// Scale returns the number of decimal places of c's smallest unit, and
// whether c is recognized.
func (c Currency) Scale() (int32, bool) {
	s, ok := currencyScale[c]
	return s, ok
}

// FiatAmount is an exact decimal pair (currency, units). Two FiatAmounts can
// only be combined if their currencies match; mismatches are reported as
// errors rather than silently coerced.
type FiatAmount struct {
	currency Currency
	units    decimal.Decimal
}

// NewFiatAmount builds a FiatAmount. units is rounded to the currency's
// scale, half away from zero, only at construction time; all subsequent
// arithmetic on already-quantized amounts is exact unless explicitly
// fractional (see MulFrac).
func NewFiatAmount(currency Currency, units decimal.Decimal) (FiatAmount, error) {
	scale, ok := currency.Scale()
	if !ok {
		return FiatAmount{}, fmt.Errorf("money: unrecognized currency %q", currency)
	}
	return FiatAmount{currency: currency, units: units.Round(scale)}, nil
}

// Currency returns the amount's currency.
func (f FiatAmount) Currency() Currency {
	return f.currency
}

// Units returns the exact decimal amount.
func (f FiatAmount) Units() decimal.Decimal {
	return f.units
}

func (f FiatAmount) String() string {
	return fmt.Sprintf("%s %s", f.units.String(), f.currency)
}

// IsZero reports whether the amount is exactly zero.
func (f FiatAmount) IsZero() bool {
	return f.units.IsZero()
}

// SameCurrency reports whether f and other share a currency.
func (f FiatAmount) SameCurrency(other FiatAmount) bool {
	return f.currency == other.currency
}

// Add returns f+other. Both must share a currency.
func (f FiatAmount) Add(other FiatAmount) (FiatAmount, error) {
	if !f.SameCurrency(other) {
		return FiatAmount{}, fmt.Errorf("money: currency mismatch %s vs %s", f.currency, other.currency)
	}
	return FiatAmount{currency: f.currency, units: f.units.Add(other.units)}, nil
}

// Sub returns f-other. Both must share a currency; the result may be
// negative (e.g. when computing a shortfall), callers decide what that
// means.
func (f FiatAmount) Sub(other FiatAmount) (FiatAmount, error) {
	if !f.SameCurrency(other) {
		return FiatAmount{}, fmt.Errorf("money: currency mismatch %s vs %s", f.currency, other.currency)
	}
	return FiatAmount{currency: f.currency, units: f.units.Sub(other.units)}, nil
}

// Cmp compares f and other, which must share a currency.
func (f FiatAmount) Cmp(other FiatAmount) (int, error) {
	if !f.SameCurrency(other) {
		return 0, fmt.Errorf("money: currency mismatch %s vs %s", f.currency, other.currency)
	}
	return f.units.Cmp(other.units), nil
}

// MulFrac scales f by num/den (e.g. a step's k/N share of a total price
// extension), quantizing to the currency scale. exact reports whether the
// quantization was lossless; a caller that needs exactness enforced should
// check it rather than swallow the truncation.
func (f FiatAmount) MulFrac(num, den int64) (result FiatAmount, exact bool) {
	scale, _ := f.currency.Scale()
	frac := decimal.NewFromInt(num).Div(decimal.NewFromInt(den))
	raw := f.units.Mul(frac)
	rounded := raw.Round(scale)
	return FiatAmount{currency: f.currency, units: rounded}, rounded.Equal(raw)
}

// PricePerBTC multiplies a fiat unit price by a bitcoin quantity, yielding
// the fiat value of that quantity. Rounding to the currency's scale is
// explicit and reported via exact.
func PricePerBTC(price FiatAmount, amount BitcoinAmountLike) (result FiatAmount, exact bool) {
	btc := decimal.NewFromInt(amount.Satoshis()).Div(decimal.NewFromInt(SatoshisPerBTC))
	scale, _ := price.currency.Scale()
	raw := price.units.Mul(btc)
	rounded := raw.Round(scale)
	return FiatAmount{currency: price.currency, units: rounded}, rounded.Equal(raw)
}

// BitcoinAmountLike is satisfied by BitcoinAmount; it exists only so
// PricePerBTC reads naturally at call sites.
type BitcoinAmountLike interface {
	Satoshis() int64
}
