// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the Order and Exchange types: an order's immutable
// identity and trading parameters, its derived progression state, and the
// per-counterparty exchanges that realize part or all of it.
package order

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/google/uuid"
)

// IDSize is the length in bytes of an OrderID or ExchangeID.
const IDSize = blake256.Size // 32

// OrderID is the opaque, globally unique identity of an order. It is the
// blake256 hash of a freshly generated UUID plus the order's trading
// parameters, so it is unique without a central allocator.
type OrderID [IDSize]byte

// NewOrderID derives an OrderID from the order's fixed parameters. Called
// once, at order creation; the identity never changes afterward.
func NewOrderID(side Side, totalAmount uint64, currency string, priceUnits string) OrderID {
	return hashID(side.String(), i64(totalAmount), currency, priceUnits, uuid.NewString())
}

// String returns the hexadecimal representation. String implements
// fmt.Stringer.
func (id OrderID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id OrderID) IsZero() bool {
	return id == OrderID{}
}

// MarshalJSON encodes the OrderID as a hex string.
func (id OrderID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON decodes a hex-string OrderID.
func (id *OrderID) UnmarshalJSON(b []byte) error {
	return unmarshalHexID(b, id[:])
}

// ExchangeID is the opaque identity of one exchange, issued by the broker
// when it reports an OrderMatch.
type ExchangeID [IDSize]byte

// NewExchangeID derives an ExchangeID from the matched order and counterpart.
func NewExchangeID(orderID OrderID, counterpart string) ExchangeID {
	var id ExchangeID
	h := hashID(orderID.String(), counterpart, uuid.NewString())
	copy(id[:], h[:])
	return id
}

func (id ExchangeID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ExchangeID) IsZero() bool {
	return id == ExchangeID{}
}

// MarshalJSON encodes the ExchangeID as a hex string.
func (id ExchangeID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON decodes a hex-string ExchangeID.
func (id *ExchangeID) UnmarshalJSON(b []byte) error {
	return unmarshalHexID(b, id[:])
}

func unmarshalHexID(b []byte, dst []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("order: malformed id %q", s)
	}
	decoded, err := hex.DecodeString(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	if len(decoded) != len(dst) {
		return fmt.Errorf("order: id length %d, want %d", len(decoded), len(dst))
	}
	copy(dst, decoded)
	return nil
}

func hashID(parts ...string) OrderID {
	h := blake256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	var id OrderID
	copy(id[:], h.Sum(nil))
	return id
}

func i64(v uint64) string {
	return hex.EncodeToString([]byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}
