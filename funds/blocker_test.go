// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package funds

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"

	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
)

type fakeWallet struct {
	mtx         sync.Mutex
	nextFails   bool
	released    []external.ReservationID
	reservation int
}

func (w *fakeWallet) CreateKeyPair() (external.KeyPair, error) { return external.KeyPair{}, nil }

func (w *fakeWallet) Reserve(ctx context.Context, amount money.BitcoinAmount) (external.ReservationID, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.nextFails {
		return "", external.ErrNotEnoughFunds
	}
	w.reservation++
	return external.ReservationID(strconv.Itoa(w.reservation)), nil
}

func (w *fakeWallet) Release(ctx context.Context, id external.ReservationID) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.released = append(w.released, id)
}

func (w *fakeWallet) SignPartial(ctx context.Context, tx external.PartialTx, key external.KeyPair) (external.SignedPartial, error) {
	return nil, nil
}

func (w *fakeWallet) Broadcast(ctx context.Context, tx external.SignedPartial) (external.TxHash, error) {
	return external.TxHash{}, nil
}

func (w *fakeWallet) Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (external.TxHash, error) {
	return external.TxHash{}, nil
}

type fakeProcessor struct {
	fails bool
}

func (p *fakeProcessor) RetrieveAccountID(ctx context.Context) (string, error) {
	if p.fails {
		return "", external.ErrPaymentFailed
	}
	return "account", nil
}

func (p *fakeProcessor) Pay(ctx context.Context, step int, fiatAmount money.FiatAmount, destinationAccount string) (external.PaymentReceipt, error) {
	return external.PaymentReceipt{}, nil
}

func (p *fakeProcessor) VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error) {
	return true, nil
}

type recordingFundsListener struct {
	mtx         sync.Mutex
	available   map[order.OrderID]ReservationID
	unavailable map[order.OrderID]error
	notify      chan struct{}
}

func newRecordingFundsListener() *recordingFundsListener {
	return &recordingFundsListener{
		available:   make(map[order.OrderID]ReservationID),
		unavailable: make(map[order.OrderID]error),
		notify:      make(chan struct{}, 16),
	}
}

func (l *recordingFundsListener) OnAvailable(orderID order.OrderID, res ReservationID) {
	l.mtx.Lock()
	l.available[orderID] = res
	l.mtx.Unlock()
	l.notify <- struct{}{}
}

func (l *recordingFundsListener) OnUnavailable(orderID order.OrderID, cause error) {
	l.mtx.Lock()
	l.unavailable[orderID] = cause
	l.mtx.Unlock()
	l.notify <- struct{}{}
}

func (l *recordingFundsListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for funds event")
	}
}

func testOrderID() order.OrderID {
	return order.NewOrderID(order.Bid, 100000000, "EUR", "100")
}

func testFiat(t *testing.T) money.FiatAmount {
	t.Helper()
	f, err := money.NewFiatAmount(money.EUR, decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestReserveSucceedsWhenBothLegsAvailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(&fakeWallet{}, &fakeProcessor{}, cx.StdOutLogger("TEST", slog.LevelOff))
	go b.Run(ctx)

	oid := testOrderID()
	listener := newRecordingFundsListener()
	b.Reserve(ctx, oid, money.BitcoinAmount(100000000), testFiat(t), listener)
	listener.wait(t)

	listener.mtx.Lock()
	_, ok := listener.available[oid]
	listener.mtx.Unlock()
	if !ok {
		t.Fatal("expected OnAvailable to fire")
	}
}

func TestReserveFailsWhenWalletRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(&fakeWallet{nextFails: true}, &fakeProcessor{}, cx.StdOutLogger("TEST", slog.LevelOff))
	go b.Run(ctx)

	oid := testOrderID()
	listener := newRecordingFundsListener()
	b.Reserve(ctx, oid, money.BitcoinAmount(100000000), testFiat(t), listener)
	listener.wait(t)

	listener.mtx.Lock()
	_, ok := listener.unavailable[oid]
	listener.mtx.Unlock()
	if !ok {
		t.Fatal("expected OnUnavailable to fire")
	}
	if b.Reserved(oid) {
		t.Fatal("order should not hold a reservation after a failed reserve")
	}
}

func TestUnblockIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wallet := &fakeWallet{}
	b := New(wallet, &fakeProcessor{}, cx.StdOutLogger("TEST", slog.LevelOff))
	go b.Run(ctx)

	oid := testOrderID()
	listener := newRecordingFundsListener()
	b.Reserve(ctx, oid, money.BitcoinAmount(100000000), testFiat(t), listener)
	listener.wait(t)

	done := make(chan struct{})
	go func() {
		b.Unblock(ctx, oid)
		b.Unblock(ctx, oid)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Unblock calls")
	}

	// Give the actor's mailbox a moment to drain both Unblock calls.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.Reserved(oid) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Reserved(oid) {
		t.Fatal("expected reservation to be released")
	}

	wallet.mtx.Lock()
	releases := len(wallet.released)
	wallet.mtx.Unlock()
	if releases != 1 {
		t.Fatalf("wallet.Release called %d times, want exactly 1 (idempotent unblock)", releases)
	}
}
