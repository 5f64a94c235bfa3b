// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package money defines the exact-arithmetic amount types shared by every
// order and exchange: BitcoinAmount (integer satoshi) and FiatAmount (exact
// decimal with currency-specific scale). Neither type rounds silently; any
// operation that cannot be represented exactly reports it.
package money

import "fmt"

// SatoshisPerBTC is the number of satoshi in one bitcoin.
const SatoshisPerBTC = 1e8

// BitcoinAmount is an exact integer number of satoshi. It is never negative;
// constructors and arithmetic that would underflow return an error instead
// of wrapping or saturating.
type BitcoinAmount int64

// Satoshis returns the raw satoshi count.
func (a BitcoinAmount) Satoshis() int64 {
	return int64(a)
}

// BTC returns the floating-point BTC value, for display only. Never use
// this for accounting: it is lossy.
func (a BitcoinAmount) BTC() float64 {
	return float64(a) / SatoshisPerBTC
}

func (a BitcoinAmount) String() string {
	return fmt.Sprintf("%d.%08d BTC", int64(a)/SatoshisPerBTC, int64(a)%SatoshisPerBTC)
}

// Add returns a+b.
func (a BitcoinAmount) Add(b BitcoinAmount) BitcoinAmount {
	return a + b
}

// Sub returns a-b, or an error if the result would be negative.
func (a BitcoinAmount) Sub(b BitcoinAmount) (BitcoinAmount, error) {
	r := a - b
	if r < 0 {
		return 0, fmt.Errorf("money: %s - %s underflows", a, b)
	}
	return r, nil
}

// MulFrac computes a*num/den using integer arithmetic, and reports whether
// the division was exact. It is used to compute a step's share (k/N) of an
// exchange's bitcoin amount; callers must check exact or explicitly accept
// the truncation, per the "no silent rounding" rule.
func (a BitcoinAmount) MulFrac(num, den int64) (result BitcoinAmount, exact bool) {
	if den == 0 {
		return 0, false
	}
	total := int64(a) * num
	q, r := total/den, total%den
	return BitcoinAmount(q), r == 0
}

// IsZero reports whether the amount is exactly zero.
func (a BitcoinAmount) IsZero() bool {
	return a == 0
}
