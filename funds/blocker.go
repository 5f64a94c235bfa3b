// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package funds implements the funds blocker: the actor that reserves
// bitcoin against an order before it can go on the broker's book, and
// releases that reservation on cancellation or completion. On the fiat side
// it only checks that the payment processor answers; no fiat amount is
// held. It tracks
// reservation state the way coinlock.AssetCoinLocker tracks locked UTXOs,
// but keyed by order.OrderID against a Wallet/PaymentProcessor pair instead
// of an in-memory UTXO set.
package funds

import (
	"context"
	"sync"

	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
)

// Listener receives availability events for one order, synchronously from
// the blocker's own goroutine.
type Listener interface {
	OnAvailable(orderID order.OrderID, reservation ReservationID)
	OnUnavailable(orderID order.OrderID, cause error)
}

// ReservationID identifies the wallet-side reservation held for an order.
// There is no payment-processor-side reservation.
type ReservationID struct {
	Bitcoin external.ReservationID
}

// ErrFundsUnavailable is the cause reported when either leg of a reserve
// fails.
const ErrFundsUnavailable = cx.ErrorKind("funds: unavailable")

type entry struct {
	reservation ReservationID
	reserved    bool
}

// Blocker is the single-threaded actor owning all outstanding reservations
// for the process. Two orders never over-commit the same wallet balance
// because every Reserve/Unblock passes through this one actor's mailbox,
// per the "funds blocker serializes reservation/release" concurrency rule.
type Blocker struct {
	log       cx.Logger
	wallet    external.Wallet
	processor external.PaymentProcessor

	mailbox chan func()
	quit    chan struct{}

	mtx     sync.Mutex // guards reservations for the read-only Reserved query
	byOrder map[order.OrderID]entry
}

// New constructs a Blocker. Run must be called to start processing.
func New(wallet external.Wallet, processor external.PaymentProcessor, log cx.Logger) *Blocker {
	return &Blocker{
		log:       log,
		wallet:    wallet,
		processor: processor,
		mailbox:   make(chan func(), 64),
		quit:      make(chan struct{}),
		byOrder:   make(map[order.OrderID]entry),
	}
}

// Run processes the mailbox until ctx is done. Call it in its own
// goroutine.
func (b *Blocker) Run(ctx context.Context) {
	for {
		select {
		case fn := <-b.mailbox:
			fn()
		case <-ctx.Done():
			close(b.quit)
			return
		}
	}
}

func (b *Blocker) enqueue(fn func()) {
	select {
	case b.mailbox <- fn:
	case <-b.quit:
	}
}

// Reserve asks the wallet to hold bitcoinAmount against orderID and checks
// that the payment processor returns its account id, then reports the
// outcome to listener. fiatAmount is neither reserved nor checked against
// the processor's account or currency. Re-reserving an order
// that already holds a reservation is a no-op that re-reports the existing
// reservation, so callers may call Reserve idempotently on restart.
func (b *Blocker) Reserve(ctx context.Context, orderID order.OrderID, bitcoinAmount money.BitcoinAmount, fiatAmount money.FiatAmount, listener Listener) {
	b.enqueue(func() {
		b.mtx.Lock()
		existing, ok := b.byOrder[orderID]
		b.mtx.Unlock()
		if ok && existing.reserved {
			listener.OnAvailable(orderID, existing.reservation)
			return
		}

		bitcoinRes, err := b.wallet.Reserve(ctx, bitcoinAmount)
		if err != nil {
			b.log.Warnf("funds: order %s wallet reserve failed: %v", orderID, err)
			listener.OnUnavailable(orderID, cx.NewError(ErrFundsUnavailable, err.Error()))
			return
		}
		if _, err := b.processor.RetrieveAccountID(ctx); err != nil {
			b.wallet.Release(ctx, bitcoinRes)
			b.log.Warnf("funds: order %s payment processor unavailable: %v", orderID, err)
			listener.OnUnavailable(orderID, cx.NewError(ErrFundsUnavailable, err.Error()))
			return
		}

		res := ReservationID{Bitcoin: bitcoinRes}
		b.mtx.Lock()
		b.byOrder[orderID] = entry{reservation: res, reserved: true}
		b.mtx.Unlock()
		listener.OnAvailable(orderID, res)
	})
}

// Revoke asynchronously invalidates orderID's bitcoin reservation (e.g. a
// wallet re-org) without releasing it on the wallet side (it is already
// gone there); the blocker forgets it and re-reports UnavailableFunds.
func (b *Blocker) Revoke(orderID order.OrderID, cause error, listener Listener) {
	b.enqueue(func() {
		b.mtx.Lock()
		delete(b.byOrder, orderID)
		b.mtx.Unlock()
		listener.OnUnavailable(orderID, cause)
	})
}

// Unblock releases orderID's reservation, if any. Idempotent: unblocking an
// order with no active reservation, or unblocking twice, is a silent no-op,
// per §4.4.
func (b *Blocker) Unblock(ctx context.Context, orderID order.OrderID) {
	b.enqueue(func() {
		b.mtx.Lock()
		e, ok := b.byOrder[orderID]
		delete(b.byOrder, orderID)
		b.mtx.Unlock()
		if !ok || !e.reserved {
			return
		}
		b.wallet.Release(ctx, e.reservation.Bitcoin)
	})
}

// Reserved reports whether orderID currently holds a reservation. Safe to
// call from any goroutine; like Machine.State, it is not synchronized with
// mailbox processing and may be momentarily stale.
func (b *Blocker) Reserved(orderID order.OrderID) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	e, ok := b.byOrder[orderID]
	return ok && e.reserved
}
