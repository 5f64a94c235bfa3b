// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package broker

import (
	"encoding/json"
	"testing"

	"github.com/likecoin-dev/coinffeine/order"
)

func TestOrderBookEntryRoundTrip(t *testing.T) {
	oid := order.NewOrderID(order.Bid, 100000, "EUR", "100")
	want := OrderBookEntry{OrderID: oid, Side: order.Bid, Amount: 100000, Price: "100", Currency: "EUR"}
	msg, err := NewOrderBookEntryMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decodedMsg, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decodedMsg.Route != RouteOrderBookEntry {
		t.Fatalf("route = %s", decodedMsg.Route)
	}
	var got OrderBookEntry
	if err := json.Unmarshal(decodedMsg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestOrderMatchRoundTrip(t *testing.T) {
	oid := order.NewOrderID(order.Ask, 50000, "USD", "200")
	exid := order.NewExchangeID(oid, "peer-42")
	want := OrderMatch{OrderID: oid, ExchangeID: exid, CounterpartID: "peer-42", BitcoinAmount: 50000, FiatAmount: "100", Currency: "USD"}
	msg, err := NewOrderMatchMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	var got OrderMatch
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestExchangeRejectionRoundTrip(t *testing.T) {
	oid := order.NewOrderID(order.Bid, 1, "EUR", "1")
	exid := order.NewExchangeID(oid, "peer-1")
	want := ExchangeRejection{ExchangeID: exid, Cause: "MatchExceedsPending"}
	msg, err := NewExchangeRejectionMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	var got ExchangeRejection
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
