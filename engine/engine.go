// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package engine wires one peer's overlay connection to its order
// controllers: it dispatches broker-addressed traffic (order matches) to
// the controller that owns the matched order, and counterpart-addressed
// traffic to the running exchange it belongs to. It plays the role
// client/core's Core plays for dcrdex, routing incoming comms traffic to
// the right trackedTrade, but generalized to this module's single flat
// order/exchange hierarchy instead of dcrdex's per-exchange order book.
package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/likecoin-dev/coinffeine/broker"
	"github.com/likecoin-dev/coinffeine/controller"
	"github.com/likecoin-dev/coinffeine/exchange"
	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/funds"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/order"
	"github.com/likecoin-dev/coinffeine/overlay"
	"github.com/likecoin-dev/coinffeine/submission"
)

// envelope wraps one exchange's wire payload with the exchange_id it
// belongs to, since a single overlay connection to a counterpart is
// shared by every exchange ever matched against it.
type envelope struct {
	ExchangeID order.ExchangeID `json:"exchange_id"`
	Payload    []byte           `json:"payload"`
}

// peerTransport adapts one counterpart's overlay address into the
// exchange.Transport a Machine sends wire messages through.
type peerTransport struct {
	client *overlay.Client
	to     overlay.EndpointID
}

func (t *peerTransport) SendToCounterpart(exchangeID order.ExchangeID, payload []byte) error {
	b, err := json.Marshal(envelope{ExchangeID: exchangeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("engine: encode exchange envelope: %w", err)
	}
	return t.client.Send(t.to, b)
}

// Engine is the single-threaded actor owning the id->controller and
// exchange_id->order_id routing tables for one peer process. It also
// implements controller.BrokerSink, controller.TransportFactory, and
// submission.Gateway directly, since none of those need serialization
// through its own mailbox.
type Engine struct {
	log cx.Logger
	cfg controller.Config

	client    *overlay.Client
	wallet    external.Wallet
	processor external.PaymentProcessor
	funds     *funds.Blocker
	submit    *submission.Supervisor

	mailbox chan func()
	quit    chan struct{}

	byOrder    map[order.OrderID]*controller.Controller
	byExchange map[order.ExchangeID]order.OrderID
}

// New constructs an Engine. Run must be called, in its own goroutine, to
// start dispatching. SetSubmission must be called once before the first
// AddOrder; it is separate from New because the Supervisor it wires in
// takes this Engine as its own Gateway, so the two must be constructed in
// sequence rather than passed to each other's constructor.
func New(client *overlay.Client, wallet external.Wallet, processor external.PaymentProcessor,
	fundsBlocker *funds.Blocker, cfg controller.Config, log cx.Logger) *Engine {
	return &Engine{
		log:        log,
		cfg:        cfg,
		client:     client,
		wallet:     wallet,
		processor:  processor,
		funds:      fundsBlocker,
		mailbox:    make(chan func(), 64),
		quit:       make(chan struct{}),
		byOrder:    make(map[order.OrderID]*controller.Controller),
		byExchange: make(map[order.ExchangeID]order.OrderID),
	}
}

// SetSubmission wires in the submission supervisor every AddOrder-ed
// controller keeps its order book entry alive through.
func (e *Engine) SetSubmission(submit *submission.Supervisor) {
	e.submit = submit
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.quit:
	}
}

// Run processes the engine's own mailbox and every inbound overlay message
// until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case in, ok := <-e.client.Inbound():
			if !ok {
				continue
			}
			e.handleInbound(ctx, in)
		case <-ctx.Done():
			close(e.quit)
			return
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, in overlay.Inbound) {
	if in.From == overlay.BrokerID {
		e.handleBrokerMessage(ctx, in.Payload)
		return
	}
	var env envelope
	if err := json.Unmarshal(in.Payload, &env); err != nil {
		e.log.Warnf("engine: malformed exchange envelope from %s: %v", in.From, err)
		return
	}
	orderID, ok := e.byExchange[env.ExchangeID]
	if !ok {
		e.log.Debugf("engine: inbound for unrouted exchange %s", env.ExchangeID)
		return
	}
	c, ok := e.byOrder[orderID]
	if !ok {
		return
	}
	c.HandleExchangeInbound(ctx, env.ExchangeID, env.Payload)
}

func (e *Engine) handleBrokerMessage(ctx context.Context, payload []byte) {
	msg, err := broker.Decode(payload)
	if err != nil {
		e.log.Warnf("engine: malformed broker message: %v", err)
		return
	}
	if msg.Route != broker.RouteOrderMatch {
		e.log.Debugf("engine: ignoring broker message route %s", msg.Route)
		return
	}
	var m broker.OrderMatch
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		e.log.Warnf("engine: malformed order_match: %v", err)
		return
	}
	c, ok := e.byOrder[m.OrderID]
	if !ok {
		e.log.Debugf("engine: order_match for unknown order %s", m.OrderID)
		return
	}
	e.byExchange[m.ExchangeID] = m.OrderID
	c.HandleOrderMatch(ctx, m)
}

// AddOrder constructs and starts a Controller for ord, registers it for
// inbound broker-message routing, and returns it. It does not request
// funds on its own; the caller issues RequestFunds separately, per §4.3's
// funds_available being a distinct input from order creation.
func (e *Engine) AddOrder(ctx context.Context, ord *order.Order, listener controller.Listener) *controller.Controller {
	c := controller.New(ord, e.cfg, e.wallet, e.processor, e.funds, e.submit, e, e,
		&engineListener{e: e, orderID: ord.ID(), inner: listener}, e.log)
	done := make(chan struct{})
	e.enqueue(func() {
		e.byOrder[ord.ID()] = c
		close(done)
	})
	go c.Run(ctx)
	<-done
	return c
}

// engineListener wraps a caller's controller.Listener so the engine can
// prune its order_id/exchange_id routing tables exactly once, when the
// order's on_finish fires.
type engineListener struct {
	e       *Engine
	orderID order.OrderID
	inner   controller.Listener
}

func (l *engineListener) OnProgress(old, new float64)               { l.inner.OnProgress(old, new) }
func (l *engineListener) OnStatusChanged(old, new order.Status)     { l.inner.OnStatusChanged(old, new) }

func (l *engineListener) OnFinish(final order.Status) {
	l.e.enqueue(func() {
		delete(l.e.byOrder, l.orderID)
		for exID, oid := range l.e.byExchange {
			if oid == l.orderID {
				delete(l.e.byExchange, exID)
			}
		}
	})
	l.inner.OnFinish(final)
}

// SendToBroker implements controller.BrokerSink.
func (e *Engine) SendToBroker(msg broker.Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	return e.client.Send(overlay.BrokerID, b)
}

// PublishOrderBookEntry implements submission.Gateway.
func (e *Engine) PublishOrderBookEntry(entry broker.OrderBookEntry) error {
	msg, err := broker.NewOrderBookEntryMessage(entry)
	if err != nil {
		return err
	}
	return e.SendToBroker(msg)
}

// TransportFor implements controller.TransportFactory. counterpartID is
// the hex encoding of the counterpart's overlay EndpointID, the form the
// broker reports it in on an OrderMatch.
func (e *Engine) TransportFor(counterpartID string) exchange.Transport {
	var to overlay.EndpointID
	b, err := hex.DecodeString(counterpartID)
	if err != nil || len(b) != len(to) {
		e.log.Errorf("engine: malformed counterpart id %q", counterpartID)
		return &peerTransport{client: e.client, to: to}
	}
	copy(to[:], b)
	return &peerTransport{client: e.client, to: to}
}
