// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/slog"
	"github.com/shopspring/decimal"

	"github.com/likecoin-dev/coinffeine/broker"
	"github.com/likecoin-dev/coinffeine/controller"
	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/funds"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
	"github.com/likecoin-dev/coinffeine/overlay"
	"github.com/likecoin-dev/coinffeine/submission"
)

func testLogger() cx.Logger {
	return cx.StdOutLogger("TEST", slog.LevelOff)
}

type stubWallet struct{}

func (stubWallet) CreateKeyPair() (external.KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return external.KeyPair{}, err
	}
	return external.KeyPair{Private: priv, Public: priv.PubKey()}, nil
}
func (stubWallet) Reserve(ctx context.Context, amount money.BitcoinAmount) (external.ReservationID, error) {
	return "stub-reservation", nil
}
func (stubWallet) Release(ctx context.Context, id external.ReservationID) {}
func (stubWallet) SignPartial(ctx context.Context, tx external.PartialTx, key external.KeyPair) (external.SignedPartial, error) {
	return external.SignedPartial(tx), nil
}
func (stubWallet) Broadcast(ctx context.Context, tx external.SignedPartial) (external.TxHash, error) {
	return external.TxHash{1}, nil
}
func (stubWallet) Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (external.TxHash, error) {
	return external.TxHash{}, nil
}

type stubProcessor struct{}

func (stubProcessor) RetrieveAccountID(ctx context.Context) (string, error) { return "acct", nil }
func (stubProcessor) Pay(ctx context.Context, step int, fiatAmount money.FiatAmount, destinationAccount string) (external.PaymentReceipt, error) {
	return external.PaymentReceipt{StepIndex: step}, nil
}
func (stubProcessor) VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error) {
	return true, nil
}

type recordingListener struct {
	inMarket chan struct{}
}

func (l *recordingListener) OnProgress(old, new float64)           {}
func (l *recordingListener) OnStatusChanged(old, new order.Status) {
	if new == order.InMarket {
		select {
		case l.inMarket <- struct{}{}:
		default:
		}
	}
}
func (l *recordingListener) OnFinish(final order.Status) {}

func testPrice(t *testing.T) money.FiatAmount {
	t.Helper()
	f, err := money.NewFiatAmount(money.EUR, decimal.NewFromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// TestOrderMatchSpawnsExchangeAndRoutesWireTraffic drives a broker-role
// client to send an OrderMatch to a running Engine, then confirms the
// engine's TransportFor routes the freshly spawned exchange's handshake
// announcement to the matched counterpart over the overlay, envelope and
// all.
func TestOrderMatchSpawnsExchangeAndRoutesWireTraffic(t *testing.T) {
	srv := overlay.NewServer(testLogger())
	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	addr := srv.Addr()
	quit := make(chan struct{})
	go srv.Run(quit)
	t.Cleanup(func() { close(quit) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	brokerClient := overlay.NewClient(addr, overlay.BrokerID, testLogger())
	go brokerClient.Run(ctx)

	var peerID, counterpartID overlay.EndpointID
	peerID[0] = 0xAA
	counterpartID[0] = 0xBB

	peerClient := overlay.NewClient(addr, peerID, testLogger())
	go peerClient.Run(ctx)

	counterpartClient := overlay.NewClient(addr, counterpartID, testLogger())
	go counterpartClient.Run(ctx)

	waitConnected(t, brokerClient, peerClient, counterpartClient)

	fundsBlocker := funds.New(stubWallet{}, stubProcessor{}, testLogger())
	go fundsBlocker.Run(ctx)

	eng := New(peerClient, stubWallet{}, stubProcessor{}, fundsBlocker, controller.Config{
		StepCount: 2, HandshakeTimeout: 2 * time.Second, StepTimeout: 2 * time.Second, RequiredConfs: 1,
	}, testLogger())
	submit := submission.New(eng, time.Hour, testLogger())
	eng.SetSubmission(submit)
	go submit.Run(ctx)
	go eng.Run(ctx)

	ord := order.New(order.Bid, money.BitcoinAmount(10*money.SatoshisPerBTC), testPrice(t))
	listener := &recordingListener{inMarket: make(chan struct{}, 1)}
	c := eng.AddOrder(ctx, ord, listener)
	c.RequestFunds(ctx)

	select {
	case <-listener.inMarket:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order to reach InMarket")
	}

	exID := order.NewExchangeID(ord.ID(), hex.EncodeToString(counterpartID[:]))
	match := broker.OrderMatch{
		OrderID:       ord.ID(),
		ExchangeID:    exID,
		CounterpartID: hex.EncodeToString(counterpartID[:]),
		BitcoinAmount: uint64(money.SatoshisPerBTC),
		FiatAmount:    "10",
		Currency:      "EUR",
	}
	msg, err := broker.NewOrderMatchMessage(match)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := brokerClient.Send(peerID, encoded); err != nil {
		t.Fatal(err)
	}

	select {
	case in := <-counterpartClient.Inbound():
		if in.From != peerID {
			t.Fatalf("envelope from %s, want %s", in.From, peerID)
		}
		var env envelope
		if err := json.Unmarshal(in.Payload, &env); err != nil {
			t.Fatalf("malformed envelope: %v", err)
		}
		if env.ExchangeID != exID {
			t.Fatalf("envelope exchange_id = %s, want %s", env.ExchangeID, exID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the spawned exchange's handshake announcement")
	}
}

func waitConnected(t *testing.T, clients ...*overlay.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, c := range clients {
		for !c.Connected() {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for overlay client to connect")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
