// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"fmt"
	"sync"

	"github.com/likecoin-dev/coinffeine/money"
)

// Side distinguishes a buy-bitcoin-for-fiat intent from a sell-bitcoin-for-fiat
// intent.
type Side uint8

const (
	// Bid buys bitcoin with fiat.
	Bid Side = iota
	// Ask sells bitcoin for fiat.
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// MarshalJSON encodes Side as its string form.
func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes Side from its string form.
func (s *Side) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"bid"`:
		*s = Bid
	case `"ask"`:
		*s = Ask
	default:
		return fmt.Errorf("order: unrecognized side %s", b)
	}
	return nil
}

// Status is an order's coarse lifecycle state.
type Status uint8

const (
	NotStarted Status = iota
	InMarket
	Offline
	InProgress
	Completed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InMarket:
		return "in_market"
	case Offline:
		return "offline"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is a terminal status: the order is destroyed
// once it reaches one of these and all child exchanges have terminated.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Cancelled
}

// ExchangeResult is the terminal (or running) outcome of one exchange as
// seen from the owning order.
type ExchangeResult uint8

const (
	// ExchangeRunning has neither succeeded nor failed yet.
	ExchangeRunning ExchangeResult = iota
	ExchangeSucceeded
	ExchangeFailed
)

// ExchangeSnapshot is the order's view of one child exchange: just enough to
// derive Amounts and Progress. The full handshake/step state lives in the
// exchange state machine; the order only tracks its settled shape.
type ExchangeSnapshot struct {
	ExchangeID    ExchangeID
	CounterpartID string
	Amount        money.BitcoinAmount
	StepCount     int
	StepsDone     int
	Result        ExchangeResult
}

// Progress returns the snapshot's own completion fraction in [0,1].
func (s ExchangeSnapshot) Progress() float64 {
	if s.Result == ExchangeSucceeded {
		return 1
	}
	if s.Result == ExchangeFailed || s.StepCount == 0 {
		return 0
	}
	return float64(s.StepsDone) / float64(s.StepCount)
}

// Amounts is an order's derived three-way split of its total amount.
// Amounts.Exchanged + Amounts.Exchanging + Amounts.Pending always equals the
// order's TotalAmount (invariant 1 in the testable-properties list).
type Amounts struct {
	Exchanged  money.BitcoinAmount
	Exchanging money.BitcoinAmount
	Pending    money.BitcoinAmount
}

// Order is a user's standing intent to trade a fixed amount of bitcoin at a
// fixed price, plus the mutable progression driven by its child exchanges.
// An Order is owned by exactly one order controller; all mutation happens
// through AddExchange/Cancel/etc, which the controller calls from its single
// mailbox-processing goroutine, so Order itself need not be safe for
// concurrent use from multiple goroutines — except that tests and other
// goroutines read its accessors (Status, Amounts, Progress and the like)
// from outside that goroutine, hence the mutex.
type Order struct {
	mtx sync.RWMutex

	id          OrderID
	side        Side
	totalAmount money.BitcoinAmount
	price       money.FiatAmount // per BTC
	currency    money.Currency

	status         Status
	cancelReason   string
	exchanges      map[ExchangeID]ExchangeSnapshot
	lastProgress   float64
	activeCounterp map[string]ExchangeID // counterpart id -> running exchange, for match-acceptance rule (d)
}

// New creates an order in NotStarted status with the whole amount pending.
func New(side Side, totalAmount money.BitcoinAmount, price money.FiatAmount) *Order {
	id := NewOrderID(side, uint64(totalAmount.Satoshis()), string(price.Currency()), price.Units().String())
	return &Order{
		id:             id,
		side:           side,
		totalAmount:    totalAmount,
		price:          price,
		currency:       price.Currency(),
		status:         NotStarted,
		exchanges:      make(map[ExchangeID]ExchangeSnapshot),
		activeCounterp: make(map[string]ExchangeID),
	}
}

func (o *Order) ID() OrderID              { return o.id }
func (o *Order) Side() Side               { return o.side }
func (o *Order) TotalAmount() money.BitcoinAmount { return o.totalAmount }
func (o *Order) Price() money.FiatAmount  { return o.price }
func (o *Order) Currency() money.Currency { return o.currency }

// Status returns the order's current status.
func (o *Order) Status() Status {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.status
}

// Amounts derives the exchanged/exchanging/pending split from the current
// set of exchange snapshots. Overwriting a snapshot always re-derives this
// atomically under the same lock (invariant 1).
func (o *Order) Amounts() Amounts {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.amountsLocked()
}

func (o *Order) amountsLocked() Amounts {
	var exchanged, exchanging money.BitcoinAmount
	for _, ex := range o.exchanges {
		switch ex.Result {
		case ExchangeSucceeded:
			exchanged = exchanged.Add(ex.Amount)
		case ExchangeRunning:
			partial, _ := ex.Amount.MulFrac(int64(ex.StepsDone), int64(ex.StepCount))
			exchanging = exchanging.Add(partial)
		}
	}
	pending, err := o.totalAmount.Sub(exchanged.Add(exchanging))
	if err != nil {
		// Exchanges never claim more than TotalAmount between them; a
		// negative remainder means a caller violated match-acceptance
		// rule (c) upstream. Clamp rather than propagate a panic path.
		pending = 0
	}
	return Amounts{Exchanged: exchanged, Exchanging: exchanging, Pending: pending}
}

// Progress returns exchanged+exchanging*partial over total, in [0,1].
func (o *Order) Progress() float64 {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.progressLocked()
}

func (o *Order) progressLocked() float64 {
	total := o.totalAmount.Satoshis()
	if total == 0 {
		return 1
	}
	a := o.amountsLocked()
	done := a.Exchanged.Satoshis() + a.Exchanging.Satoshis()
	return float64(done) / float64(total)
}

// RunningExchangeFor reports the ExchangeID currently running against
// counterpartID, if any (used by match-acceptance rule (d)).
func (o *Order) RunningExchangeFor(counterpartID string) (ExchangeID, bool) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	id, ok := o.activeCounterp[counterpartID]
	return id, ok
}

// HasTerminated reports whether an exchange with exchangeID has already run
// to completion or failure (match-acceptance rule (e)).
func (o *Order) HasTerminated(exchangeID ExchangeID) bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	snap, ok := o.exchanges[exchangeID]
	return ok && snap.Result != ExchangeRunning
}

// ExchangeSnapshot returns the current snapshot recorded for exchangeID, if
// any.
func (o *Order) ExchangeSnapshot(exchangeID ExchangeID) (ExchangeSnapshot, bool) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	snap, ok := o.exchanges[exchangeID]
	return snap, ok
}

// ShouldBeOnMarket implements the shouldBeOnMarket invariant: residual
// pending amount, no exchange currently running, and not terminal.
func (o *Order) ShouldBeOnMarket() bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.shouldBeOnMarketLocked()
}

func (o *Order) shouldBeOnMarketLocked() bool {
	if o.status.IsTerminal() {
		return false
	}
	if len(o.activeCounterp) > 0 {
		return false
	}
	return o.amountsLocked().Pending.Satoshis() > 0
}

// StatusChange captures a before/after pair for listener dispatch.
type StatusChange struct {
	Old, New Status
}

// AddExchange inserts or overwrites the snapshot for exchangeID. Re-adding
// the same ExchangeID overwrites the prior snapshot in place (invariant 5);
// monotone progress is the caller's obligation (invariant 6 holds only if
// the caller never decreases StepsDone on a running exchange). It returns
// the recomputed amounts/progress/status and whether each changed, for the
// controller to translate into listener events.
func (o *Order) AddExchange(snap ExchangeSnapshot) (amounts Amounts, progress float64, status StatusChange, progressChanged, statusChanged bool) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	oldProgress := o.progressLocked()
	oldStatus := o.status

	prev, existed := o.exchanges[snap.ExchangeID]
	o.exchanges[snap.ExchangeID] = snap

	switch snap.Result {
	case ExchangeRunning:
		o.activeCounterp[snap.CounterpartID] = snap.ExchangeID
	default:
		// Terminal: no longer occupies the counterpart slot.
		if existed && prev.Result == ExchangeRunning {
			delete(o.activeCounterp, snap.CounterpartID)
		}
	}

	o.recomputeStatusLocked()

	amounts = o.amountsLocked()
	progress = o.progressLocked()
	return amounts, progress, StatusChange{Old: oldStatus, New: o.status}, progress != oldProgress, o.status != oldStatus
}

// recomputeStatusLocked derives Completed from the amounts, per invariant 3.
// It never downgrades a Cancelled status; from any other status, Offline
// included, it sets Completed once pending and exchanging are both zero,
// and otherwise leaves the status unchanged.
func (o *Order) recomputeStatusLocked() {
	if o.status == Cancelled {
		return
	}
	a := o.amountsLocked()
	if a.Pending.IsZero() && a.Exchanging.IsZero() {
		o.status = Completed
	}
}

// SetMarketStatus transitions between InMarket/Offline/InProgress per funds
// availability and running-exchange state. It is a no-op from a terminal
// status.
func (o *Order) SetMarketStatus(funded bool) StatusChange {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	old := o.status
	if o.status.IsTerminal() {
		return StatusChange{Old: old, New: old}
	}
	switch {
	case !funded:
		o.status = Offline
	case len(o.activeCounterp) > 0:
		o.status = InProgress
	case o.shouldBeOnMarketLocked():
		o.status = InMarket
	}
	return StatusChange{Old: old, New: o.status}
}

// Cancel transitions the order to Cancelled(reason). It is idempotent: a
// second call is a no-op returning the original reason.
func (o *Order) Cancel(reason string) StatusChange {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	old := o.status
	if old == Cancelled {
		return StatusChange{Old: old, New: old}
	}
	o.status = Cancelled
	o.cancelReason = reason
	return StatusChange{Old: old, New: Cancelled}
}

// CancelReason returns the reason passed to Cancel, if any.
func (o *Order) CancelReason() string {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.cancelReason
}

// HasRunningExchange reports whether any exchange is currently active.
func (o *Order) HasRunningExchange() bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return len(o.activeCounterp) > 0
}

// String is for logging.
func (o *Order) String() string {
	return fmt.Sprintf("order %s (%s %s @ %s/BTC, %s)", o.id, o.side, o.totalAmount, o.price, o.Status())
}
