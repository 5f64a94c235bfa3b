// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package broker defines the messages exchanged with the broker over the
// overlay: the order-book entry a peer publishes, the match the broker
// reports back, and the rejection a peer sends when it declines a match.
// The envelope (route + JSON payload) follows the overlay's own message
// framing convention; the wire encoding for the relay frame payload itself
// is out of scope (§1), so routes travel as plain JSON here.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/likecoin-dev/coinffeine/order"
)

// Route identifies the handler for a Message, analogous to a JSON-RPC
// method name.
type Route string

const (
	RouteOrderBookEntry    Route = "order_book_entry"
	RouteOrderMatch        Route = "order_match"
	RouteExchangeRejection Route = "exchange_rejection"
)

// Message is the envelope carried as an overlay RelayMessage payload
// addressed to BrokerID (or, for OrderMatch, from it).
type Message struct {
	Route   Route           `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals m to bytes suitable for overlay.RelayMessage.Payload.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an overlay RelayMessage payload into a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("broker: decode envelope: %w", err)
	}
	return m, nil
}

func newMessage(route Route, payload interface{}) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Route: route, Payload: b}, nil
}

// OrderBookEntry is the canonical representation of a live order sent to
// the broker so it can be matched against the book.
type OrderBookEntry struct {
	OrderID  order.OrderID `json:"order_id"`
	Side     order.Side    `json:"side"`
	Amount   uint64        `json:"amount_satoshi"`
	Price    string        `json:"price_units"` // decimal string, exact
	Currency string        `json:"currency"`
}

// NewOrderBookEntryMessage wraps entry in a Message.
func NewOrderBookEntryMessage(entry OrderBookEntry) (Message, error) {
	return newMessage(RouteOrderBookEntry, entry)
}

// OrderMatch is reported by the broker when it pairs orderID against a
// counterpart.
type OrderMatch struct {
	OrderID       order.OrderID    `json:"order_id"`
	ExchangeID    order.ExchangeID `json:"exchange_id"`
	CounterpartID string           `json:"counterpart_id"`
	BitcoinAmount uint64           `json:"bitcoin_amount_satoshi"`
	FiatAmount    string           `json:"fiat_amount_units"`
	Currency      string           `json:"currency"`
}

// NewOrderMatchMessage wraps m in a Message.
func NewOrderMatchMessage(m OrderMatch) (Message, error) {
	return newMessage(RouteOrderMatch, m)
}

// ExchangeRejection is sent to the broker when a match is declined, or by
// the exchange state machine on handshake timeout.
type ExchangeRejection struct {
	ExchangeID order.ExchangeID `json:"exchange_id"`
	Cause      string           `json:"cause"`
}

// NewExchangeRejectionMessage wraps r in a Message.
func NewExchangeRejectionMessage(r ExchangeRejection) (Message, error) {
	return newMessage(RouteExchangeRejection, r)
}
