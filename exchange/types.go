// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package exchange implements the state machine that drives one matched
// counterparty pair through handshake, funds deposit, the N-step
// payment-release protocol, and settlement. One Machine exists per
// exchange; it is a single-threaded actor, per §5.
package exchange

import (
	"encoding/json"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
)

// Role is which side of the trade this peer plays in the exchange.
type Role uint8

const (
	Buyer Role = iota
	Seller
)

func (r Role) String() string {
	if r == Buyer {
		return "buyer"
	}
	return "seller"
}

// State is one of the exchange's six states.
type State uint8

const (
	NonStarted State = iota
	Handshaking
	Exchanging
	Aborted
	Successful
	Failed
)

func (s State) String() string {
	switch s {
	case NonStarted:
		return "non_started"
	case Handshaking:
		return "handshaking"
	case Exchanging:
		return "exchanging"
	case Aborted:
		return "aborted"
	case Successful:
		return "successful"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is Successful or Failed: no further
// transitions occur.
func (s State) IsTerminal() bool {
	return s == Successful || s == Failed
}

// PeerInfo is what each side announces to the other during handshake.
type PeerInfo struct {
	PaymentAccountID string
	PublicKey        *secp256k1.PublicKey
}

// Deposits holds both parties' co-signed, broadcast deposit transactions
// once the handshake completes.
type Deposits struct {
	BuyerTx  external.TxHash
	SellerTx external.TxHash
}

// Params are fixed at construction and never change for the life of the
// exchange.
type Params struct {
	ExchangeID      order.ExchangeID
	StepCount       int
	BitcoinAmount   money.BitcoinAmount
	FiatAmount      money.FiatAmount
	CounterpartID   string
	Role            Role
	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
	RequiredConfs    int
}

// Transport is how the machine reaches its counterpart; it is a thin
// adapter over the overlay, keyed by CounterpartID, so this package does
// not depend on the overlay or broker packages directly.
type Transport interface {
	SendToCounterpart(exchangeID order.ExchangeID, payload []byte) error
}

// Snapshot is the immutable-at-a-point-in-time view the machine reports to
// its listener and, through it, to the owning order.
type Snapshot struct {
	ExchangeID    order.ExchangeID
	CounterpartID string
	State         State
	StepsDone     int
	StepCount     int
	Amount        money.BitcoinAmount
}

// ToOrderSnapshot adapts Snapshot to the shape order.Order consumes.
func (s Snapshot) ToOrderSnapshot() order.ExchangeSnapshot {
	result := order.ExchangeRunning
	switch s.State {
	case Successful:
		result = order.ExchangeSucceeded
	case Failed:
		result = order.ExchangeFailed
	}
	return order.ExchangeSnapshot{
		ExchangeID:    s.ExchangeID,
		CounterpartID: s.CounterpartID,
		Amount:        s.Amount,
		StepCount:     s.StepCount,
		StepsDone:     s.StepsDone,
		Result:        result,
	}
}

// ResultListener receives progress and terminal events. Calls happen
// synchronously from the machine's own goroutine, never concurrently with
// each other, per §4.2's "emits ExchangeProgress on every state change"
// contract.
type ResultListener interface {
	OnProgress(Snapshot)
	OnSuccess(Snapshot)
	OnFailure(exchangeID order.ExchangeID, cause error)
}

// Failure kinds, per §7.
const (
	HandshakeTimeoutError  = cx.ErrorKind("handshake timeout")
	StepTimeoutError       = cx.ErrorKind("step timeout")
	CounterpartAbortError  = cx.ErrorKind("counterpart abort")
	ProtocolViolationError = cx.ErrorKind("protocol violation")
	WalletError            = cx.ErrorKind("wallet error")
	PaymentProcessorError  = cx.ErrorKind("payment processor error")
)

// wireMessage is the envelope for everything sent over Transport between
// the two parties of one exchange: peer-info announcement, deposit
// broadcast notice, and step releases.
type wireMessage struct {
	Kind       string          `json:"kind"`
	Step       int             `json:"step,omitempty"`
	PeerInfo   *wirePeerInfo   `json:"peer_info,omitempty"`
	Deposits   *wireDeposits   `json:"deposits,omitempty"`
	StepRelease *wireStepRelease `json:"step_release,omitempty"`
	Cause      string          `json:"cause,omitempty"`
}

type wirePeerInfo struct {
	PaymentAccountID string `json:"payment_account_id"`
	PublicKey        []byte `json:"public_key"`
}

type wireDeposits struct {
	BuyerTx  external.TxHash `json:"buyer_tx"`
	SellerTx external.TxHash `json:"seller_tx"`
}

type wireStepRelease struct {
	Signed external.SignedPartial `json:"signed"`
}

const (
	kindPeerInfo    = "peer_info"
	kindDeposits    = "deposits"
	kindStepRelease = "step_release"
	kindAbort       = "abort"
)

func encode(m wireMessage) []byte {
	b, _ := json.Marshal(m) // wireMessage always marshals; fields are plain data.
	return b
}

func decode(b []byte) (wireMessage, error) {
	var m wireMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
