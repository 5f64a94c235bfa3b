// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package external declares the contracts for collaborators that this
// module treats as out of scope (§6): the bitcoin wallet and the fiat
// payment processor. Production code wires a real implementation (UTXO
// selection, transaction signing and broadcast, a payment-processor SDK
// client); tests use a deterministic double.
package external

import (
	"context"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
)

// ErrNotEnoughFunds is returned by Reserve when the wallet cannot cover the
// requested amount.
const ErrNotEnoughFunds = cx.ErrorKind("wallet: not enough funds")

// ErrTransfer is returned by Transfer on failure.
const ErrTransfer = cx.ErrorKind("wallet: transfer failed")

// ReservationID identifies a wallet-side funds hold created by Reserve.
type ReservationID string

// KeyPair is a fresh secp256k1 identity used to co-sign one exchange's
// deposit and release transactions.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// TxHash identifies a broadcast transaction.
type TxHash [32]byte

// PartialTx is an unsigned or partially-signed transaction, opaque to the
// trading engine; only the wallet understands its structure.
type PartialTx []byte

// SignedPartial is PartialTx after the wallet has added one signature.
type SignedPartial []byte

// Wallet is the contract the exchange state machine and funds blocker use
// to reserve bitcoin, generate identities, and move funds on-chain. It does
// not expose UTXO selection or confirmation tracking directly: those are
// wallet-internal concerns.
type Wallet interface {
	// CreateKeyPair generates a fresh identity for one exchange's deposit.
	CreateKeyPair() (KeyPair, error)
	// Reserve holds bitcoinAmount against future use, returning a
	// ReservationID, or ErrNotEnoughFunds.
	Reserve(ctx context.Context, bitcoinAmount money.BitcoinAmount) (ReservationID, error)
	// Release returns a reservation's funds to the available balance. It
	// is idempotent: releasing twice, or releasing an unknown id, is a
	// silent no-op.
	Release(ctx context.Context, id ReservationID)
	// SignPartial adds key's signature to tx.
	SignPartial(ctx context.Context, tx PartialTx, key KeyPair) (SignedPartial, error)
	// Broadcast publishes tx to the network.
	Broadcast(ctx context.Context, tx SignedPartial) (TxHash, error)
	// Transfer sends amount to address directly, outside any swap protocol
	// (used for simple payouts, not part of the step-locked exchange).
	Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (TxHash, error)
}
