// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package controller implements the order controller: the actor that owns
// one order and its set of exchanges, accepts or rejects broker-issued
// matches, and drives the order through its listener contract. It plays
// the role client/core's trackedTrade plays for a dcrdex swap, but adapted
// to the fixed six-state Order lifecycle of this module instead of
// dcrdex's match/swap/redeem tick loop.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/likecoin-dev/coinffeine/broker"
	"github.com/likecoin-dev/coinffeine/exchange"
	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/funds"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/money"
	"github.com/likecoin-dev/coinffeine/order"
)

// RejectCause is why accept_order_match declined a broker match, per the
// match-acceptance rules of §4.3.
type RejectCause string

const (
	RejectOrderMismatch     RejectCause = "order_id_mismatch"
	RejectCurrencyMismatch  RejectCause = "currency_mismatch"
	RejectExceedsPending    RejectCause = "match_exceeds_pending"
	RejectCounterpartBusy   RejectCause = "counterpart_already_active"
	RejectAlreadyTerminated RejectCause = "exchange_already_terminated"
)

// Listener is the controller's outbound event stream, per §4.3's "listener
// contract": on_progress and on_status_changed fire only when their value
// actually changed, on_finish fires exactly once at terminal status. Calls
// happen synchronously on the controller's goroutine, directly after the
// order mutation that caused them; they are not buffered until the end of
// the mailbox handler.
type Listener interface {
	OnProgress(old, new float64)
	OnStatusChanged(old, new order.Status)
	OnFinish(final order.Status)
}

// FundsBlocker reserves and releases funds for one order, per §4.4. Its
// concrete implementation is *funds.Blocker; this interface exists so tests
// can substitute a double.
type FundsBlocker interface {
	Reserve(ctx context.Context, orderID order.OrderID, bitcoinAmount money.BitcoinAmount, fiatAmount money.FiatAmount, listener funds.Listener)
	Unblock(ctx context.Context, orderID order.OrderID)
}

// Submission is the keep-alive supervisor a controller starts and stops
// submitting its order's book entry to, per §4.5.
type Submission interface {
	KeepSubmitting(entry broker.OrderBookEntry)
	StopSubmitting(orderID order.OrderID)
}

// BrokerSink is how the controller reports a rejected match back to the
// broker.
type BrokerSink interface {
	SendToBroker(msg broker.Message) error
}

// TransportFactory builds the exchange.Transport a freshly spawned exchange
// needs to reach its matched counterpart over the overlay.
type TransportFactory interface {
	TransportFor(counterpartID string) exchange.Transport
}

// Config fixes the exchange parameters every spawned exchange inherits,
// per the recognized "exchange.*" configuration options.
type Config struct {
	StepCount        int
	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
	RequiredConfs    int
}

// Controller owns ord and mediates every mutation through its own mailbox,
// per §5's one-actor-per-logical-unit rule. One Controller exists per
// order.
type Controller struct {
	log cx.Logger
	cfg Config

	ord       *order.Order
	wallet    external.Wallet
	processor external.PaymentProcessor
	funds     FundsBlocker
	submit    Submission
	sink      BrokerSink
	transport TransportFactory
	listener  Listener

	mailbox chan func()
	quit    chan struct{}

	running  map[order.ExchangeID]*exchange.Machine
	finished bool
}

// New constructs a Controller for ord. Run must be called to start
// processing its mailbox.
func New(ord *order.Order, cfg Config, wallet external.Wallet, processor external.PaymentProcessor,
	blocker FundsBlocker, submit Submission, sink BrokerSink, transport TransportFactory, listener Listener, log cx.Logger) *Controller {
	return &Controller{
		log:       log,
		cfg:       cfg,
		ord:       ord,
		wallet:    wallet,
		processor: processor,
		funds:     blocker,
		submit:    submit,
		sink:      sink,
		transport: transport,
		listener:  listener,
		mailbox:   make(chan func(), 64),
		quit:      make(chan struct{}),
		running:   make(map[order.ExchangeID]*exchange.Machine),
	}
}

// Order returns the owned order, for read-only inspection (e.g. by a UI
// layer polling its snapshot accessors) from any goroutine.
func (c *Controller) Order() *order.Order { return c.ord }

func (c *Controller) enqueue(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.quit:
	}
}

// Run processes the mailbox until ctx is done. Call it in its own
// goroutine.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-ctx.Done():
			close(c.quit)
			return
		}
	}
}

// RequestFunds asks the funds blocker to reserve this order's total
// amount, the first step in bringing an order to market.
func (c *Controller) RequestFunds(ctx context.Context) {
	c.enqueue(func() {
		fiatTotal, _ := money.PricePerBTC(c.ord.Price(), c.ord.TotalAmount())
		c.funds.Reserve(ctx, c.ord.ID(), c.ord.TotalAmount(), fiatTotal, (*fundsListener)(c))
	})
}

// fundsListener adapts Controller to funds.Listener without exposing
// OnAvailable/OnUnavailable as part of Controller's own public API.
type fundsListener Controller

func (l *fundsListener) OnAvailable(orderID order.OrderID, reservation funds.ReservationID) {
	(*Controller)(l).handleFundsAvailable(orderID)
}

func (l *fundsListener) OnUnavailable(orderID order.OrderID, cause error) {
	(*Controller)(l).handleFundsUnavailable(orderID, cause)
}

func (c *Controller) handleFundsAvailable(orderID order.OrderID) {
	c.enqueue(func() {
		change := c.ord.SetMarketStatus(true)
		if c.ord.ShouldBeOnMarket() {
			entry := broker.OrderBookEntry{
				OrderID:  c.ord.ID(),
				Side:     c.ord.Side(),
				Amount:   uint64(c.ord.TotalAmount().Satoshis()),
				Price:    c.ord.Price().Units().String(),
				Currency: string(c.ord.Currency()),
			}
			c.submit.KeepSubmitting(entry)
		}
		c.fireStatusChange(change)
	})
}

func (c *Controller) handleFundsUnavailable(orderID order.OrderID, cause error) {
	c.enqueue(func() {
		c.log.Warnf("controller %s: funds unavailable: %v", c.ord.ID(), cause)
		change := c.ord.SetMarketStatus(false)
		c.submit.StopSubmitting(c.ord.ID())
		c.fireStatusChange(change)
	})
}

// HandleOrderMatch implements the order_match input of §4.3: it applies
// the match-acceptance rules and either spawns a new exchange or rejects
// the match.
func (c *Controller) HandleOrderMatch(ctx context.Context, m broker.OrderMatch) {
	c.enqueue(func() {
		if _, ok := c.running[m.ExchangeID]; ok {
			c.log.Debugf("controller %s: match %s already accepted", c.ord.ID(), m.ExchangeID)
			return
		}
		cause, ok := c.acceptMatch(m)
		if !ok {
			c.rejectMatch(m.ExchangeID, cause)
			return
		}
		c.spawnExchange(ctx, m)
	})
}

// HandleExchangeInbound routes one inbound wire payload, received over the
// overlay from the counterpart of a running exchange, to that exchange's
// state machine. A payload for an exchange that isn't (or is no longer)
// running is logged and dropped.
func (c *Controller) HandleExchangeInbound(ctx context.Context, exchangeID order.ExchangeID, payload []byte) {
	c.enqueue(func() {
		mach, ok := c.running[exchangeID]
		if !ok {
			c.log.Debugf("controller %s: inbound for unknown exchange %s", c.ord.ID(), exchangeID)
			return
		}
		mach.HandleInbound(ctx, payload)
	})
}

// acceptMatch implements the five match-acceptance rules of §4.3.
func (c *Controller) acceptMatch(m broker.OrderMatch) (RejectCause, bool) {
	if m.OrderID != c.ord.ID() {
		return RejectOrderMismatch, false
	}
	if m.Currency != string(c.ord.Currency()) {
		return RejectCurrencyMismatch, false
	}
	if money.BitcoinAmount(m.BitcoinAmount) > c.ord.Amounts().Pending {
		return RejectExceedsPending, false
	}
	if _, busy := c.ord.RunningExchangeFor(m.CounterpartID); busy {
		return RejectCounterpartBusy, false
	}
	if c.ord.HasTerminated(m.ExchangeID) {
		return RejectAlreadyTerminated, false
	}
	return "", true
}

func (c *Controller) rejectMatch(exchangeID order.ExchangeID, cause RejectCause) {
	c.log.Infof("controller %s: rejecting match %s: %s", c.ord.ID(), exchangeID, cause)
	msg, err := broker.NewExchangeRejectionMessage(broker.ExchangeRejection{ExchangeID: exchangeID, Cause: string(cause)})
	if err != nil {
		c.log.Errorf("controller %s: encode rejection: %v", c.ord.ID(), err)
		return
	}
	if err := c.sink.SendToBroker(msg); err != nil {
		c.log.Warnf("controller %s: send rejection: %v", c.ord.ID(), err)
	}
}

func (c *Controller) spawnExchange(ctx context.Context, m broker.OrderMatch) {
	fiatAmount, err := parseFiatAmount(c.ord.Currency(), m.FiatAmount)
	if err != nil {
		c.rejectMatch(m.ExchangeID, RejectCurrencyMismatch)
		return
	}
	role := exchange.Seller
	if c.ord.Side() == order.Bid {
		role = exchange.Buyer
	}
	params := exchange.Params{
		ExchangeID:       m.ExchangeID,
		StepCount:        c.cfg.StepCount,
		BitcoinAmount:    money.BitcoinAmount(m.BitcoinAmount),
		FiatAmount:       fiatAmount,
		CounterpartID:    m.CounterpartID,
		Role:             role,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		StepTimeout:      c.cfg.StepTimeout,
		RequiredConfs:    c.cfg.RequiredConfs,
	}

	mach := exchange.New(params, c.wallet, c.processor, c.transport.TransportFor(m.CounterpartID),
		(*exchangeListener)(c), c.rejectionSink(), c.log)
	c.running[m.ExchangeID] = mach
	go mach.Run(ctx)
	mach.StartHandshake(ctx)

	c.applySnapshot(order.ExchangeSnapshot{
		ExchangeID:    m.ExchangeID,
		CounterpartID: m.CounterpartID,
		Amount:        params.BitcoinAmount,
		StepCount:     params.StepCount,
		StepsDone:     0,
		Result:        order.ExchangeRunning,
	})
}

func (c *Controller) rejectionSink() exchange.RejectionSink {
	return func(exchangeID order.ExchangeID, cause string) {
		c.enqueue(func() {
			c.rejectMatch(exchangeID, RejectCause(cause))
		})
	}
}

// exchangeListener adapts Controller to exchange.ResultListener.
type exchangeListener Controller

func (l *exchangeListener) OnProgress(s exchange.Snapshot) {
	(*Controller)(l).enqueue(func() {
		(*Controller)(l).applySnapshot(s.ToOrderSnapshot())
	})
}

func (l *exchangeListener) OnSuccess(s exchange.Snapshot) {
	(*Controller)(l).enqueue(func() {
		(*Controller)(l).applySnapshot(s.ToOrderSnapshot())
	})
}

func (l *exchangeListener) OnFailure(exchangeID order.ExchangeID, cause error) {
	(*Controller)(l).enqueue(func() {
		c := (*Controller)(l)
		c.log.Warnf("controller %s: exchange %s failed: %v", c.ord.ID(), exchangeID, cause)
		if snap, ok := c.ord.ExchangeSnapshot(exchangeID); ok {
			snap.Result = order.ExchangeFailed
			c.applySnapshot(snap)
		}
		delete(c.running, exchangeID)
		if c.ord.ShouldBeOnMarket() {
			entry := broker.OrderBookEntry{
				OrderID:  c.ord.ID(),
				Side:     c.ord.Side(),
				Amount:   uint64(c.ord.TotalAmount().Satoshis()),
				Price:    c.ord.Price().Units().String(),
				Currency: string(c.ord.Currency()),
			}
			c.submit.KeepSubmitting(entry)
		}
	})
}

func (c *Controller) applySnapshot(snap order.ExchangeSnapshot) {
	oldProgress := c.ord.Progress()
	_, newProgress, statusChange, progressChanged, statusChanged := c.ord.AddExchange(snap)
	if progressChanged {
		c.listener.OnProgress(oldProgress, newProgress)
	}
	if statusChanged {
		c.listener.OnStatusChanged(statusChange.Old, statusChange.New)
	}
	if snap.Result != order.ExchangeRunning {
		delete(c.running, snap.ExchangeID)
	}
	c.finishIfComplete()
}

func (c *Controller) fireStatusChange(change order.StatusChange) {
	if change.Old != change.New {
		c.listener.OnStatusChanged(change.Old, change.New)
	}
	c.finishIfComplete()
}

// finishIfComplete fires on_finish exactly once, the first time the order
// reaches a terminal status, per the listener contract of §4.3. Funds are
// unblocked whenever the order is terminal and no exchange is running, so an
// order cancelled mid-exchange releases them once that exchange ends.
func (c *Controller) finishIfComplete() {
	status := c.ord.Status()
	if !status.IsTerminal() {
		return
	}
	if !c.ord.HasRunningExchange() {
		c.funds.Unblock(context.Background(), c.ord.ID())
	}
	if c.finished {
		return
	}
	c.submit.StopSubmitting(c.ord.ID())
	c.finished = true
	c.listener.OnFinish(status)
}

// Cancel implements the cancel(reason) input of §4.3: the order becomes
// Cancelled and stops being submitted at once. It is non-preemptive: a
// currently running exchange is not interrupted and keeps running until it
// ends, and the order's funds are unblocked then (immediately if no exchange
// is running).
func (c *Controller) Cancel(reason string) {
	c.enqueue(func() {
		change := c.ord.Cancel(reason)
		c.submit.StopSubmitting(c.ord.ID())
		if !c.ord.HasRunningExchange() {
			c.funds.Unblock(context.Background(), c.ord.ID())
		}
		c.fireStatusChange(change)
	})
}

func parseFiatAmount(currency money.Currency, units string) (money.FiatAmount, error) {
	dec, err := decimal.NewFromString(units)
	if err != nil {
		return money.FiatAmount{}, fmt.Errorf("controller: malformed fiat amount %q: %w", units, err)
	}
	return money.NewFiatAmount(currency, dec)
}
