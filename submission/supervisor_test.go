// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package submission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"

	"github.com/likecoin-dev/coinffeine/broker"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
)

type countingGateway struct {
	mtx    sync.Mutex
	counts map[order.OrderID]int
}

func newCountingGateway() *countingGateway {
	return &countingGateway{counts: make(map[order.OrderID]int)}
}

func (g *countingGateway) PublishOrderBookEntry(entry broker.OrderBookEntry) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.counts[entry.OrderID]++
	return nil
}

func (g *countingGateway) count(orderID order.OrderID) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.counts[orderID]
}

func testEntry() broker.OrderBookEntry {
	oid := order.NewOrderID(order.Bid, uint64(money.SatoshisPerBTC), "EUR", "100")
	return broker.OrderBookEntry{OrderID: oid, Side: order.Bid, Amount: uint64(money.SatoshisPerBTC), Price: "100", Currency: "EUR"}
}

func TestKeepSubmittingPublishesImmediatelyAndOnEachTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := newCountingGateway()
	sup := New(gateway, 20*time.Millisecond, cx.StdOutLogger("TEST", slog.LevelOff))
	go sup.Run(ctx)

	entry := testEntry()
	sup.KeepSubmitting(entry)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && gateway.count(entry.OrderID) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if gateway.count(entry.OrderID) < 3 {
		t.Fatalf("published %d times in 1s at a 20ms interval, want at least 3", gateway.count(entry.OrderID))
	}
	if !sup.IsSubmitting(entry.OrderID) {
		t.Fatal("expected order to still be in the refreshed set")
	}
}

func TestStopSubmittingIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := newCountingGateway()
	sup := New(gateway, 20*time.Millisecond, cx.StdOutLogger("TEST", slog.LevelOff))
	go sup.Run(ctx)

	entry := testEntry()
	sup.KeepSubmitting(entry)
	sup.StopSubmitting(entry.OrderID)
	sup.StopSubmitting(entry.OrderID) // idempotent

	if sup.IsSubmitting(entry.OrderID) {
		t.Fatal("expected order to be removed from the refreshed set")
	}

	before := gateway.count(entry.OrderID)
	time.Sleep(60 * time.Millisecond)
	after := gateway.count(entry.OrderID)
	if after != before {
		t.Fatalf("published %d more times after StopSubmitting, want 0", after-before)
	}
}
