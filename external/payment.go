// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package external

import (
	"context"
	"time"

	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
)

// ErrPaymentFailed is returned by Pay when the processor declines or fails
// to execute a transfer.
const ErrPaymentFailed = cx.ErrorKind("payment processor: payment failed")

// PaymentReceipt is an opaque proof of one fiat micro-payment, returned by
// Pay and later checked with VerifyCredit.
type PaymentReceipt struct {
	StepIndex int
	Reference string
}

// PaymentProcessor is the contract to the external fiat rail used for the
// buyer's N step micro-payments.
type PaymentProcessor interface {
	// RetrieveAccountID returns this peer's own payment account identifier,
	// announced to the counterpart during handshake.
	RetrieveAccountID(ctx context.Context) (string, error)
	// Pay executes step's fiat micro-payment to destinationAccount.
	Pay(ctx context.Context, step int, fiatAmount money.FiatAmount, destinationAccount string) (PaymentReceipt, error)
	// VerifyCredit reports whether a credit of at least expected has been
	// received since the given time.
	VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error)
}
