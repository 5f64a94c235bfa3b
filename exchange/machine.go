// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/order"
)

// RejectionSink is how the machine tells the broker it is abandoning an
// exchange on handshake timeout, distinct from Transport (which talks to
// the counterpart peer, not the broker).
type RejectionSink func(exchangeID order.ExchangeID, cause string)

// Machine drives one exchange. It is a single-threaded actor: all state
// reads and writes happen on its own goroutine via the mailbox, per §5's
// "one actor processes one message at a time in arrival order" contract.
// Long-running collaborator calls (wallet, payment processor, transport)
// are made synchronously from within a mailbox handler, which is safe
// because those calls themselves return quickly (they are request/reply
// stubs in this module; see §6) — a real wallet/processor binding would
// need to make them asynchronous and re-enter the mailbox on reply, per the
// "WaitingForUserInfo" design note.
type Machine struct {
	log    cx.Logger
	params Params

	wallet    external.Wallet
	processor external.PaymentProcessor
	transport Transport
	listener  ResultListener
	reject    RejectionSink

	mailbox chan func()
	quit    chan struct{}

	state          State
	localInfo      PeerInfo
	remoteInfo     PeerInfo
	haveLocalInfo  bool
	haveRemoteInfo bool

	localDepositBroadcast  bool
	remoteDepositAnnounced bool
	deposits               Deposits
	localKey               external.KeyPair

	stepsCompleted int
	processedSteps map[int]bool
	pendingStep    int
	lastStepAt     time.Time

	handshakeDeadline time.Time
	stepDeadline      time.Time
}

// New constructs a Machine in NonStarted state. Run must be called to
// start processing its mailbox.
func New(params Params, wallet external.Wallet, processor external.PaymentProcessor, transport Transport, listener ResultListener, reject RejectionSink, log cx.Logger) *Machine {
	return &Machine{
		log:            log,
		params:         params,
		wallet:         wallet,
		processor:      processor,
		transport:      transport,
		listener:       listener,
		reject:         reject,
		mailbox:        make(chan func(), 32),
		quit:           make(chan struct{}),
		state:          NonStarted,
		processedSteps: make(map[int]bool),
	}
}

// State returns the machine's current state. Safe to call from any
// goroutine for diagnostics; it is not synchronized with mailbox
// processing, so it may be momentarily stale.
func (m *Machine) State() State { return m.state }

// enqueue schedules fn to run on the mailbox goroutine. It never blocks the
// caller indefinitely under normal operation because the mailbox has
// headroom for the bursts this protocol produces (one message in flight
// per step).
func (m *Machine) enqueue(fn func()) {
	select {
	case m.mailbox <- fn:
	case <-m.quit:
	}
}

// Run processes the mailbox until ctx is done, checking timeouts between
// messages. Call it in its own goroutine.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-ticker.C:
			m.checkTimeouts()
		case <-ctx.Done():
			close(m.quit)
			return
		}
	}
}

func (m *Machine) checkTimeouts() {
	now := time.Now()
	switch m.state {
	case Handshaking:
		if !m.handshakeDeadline.IsZero() && now.After(m.handshakeDeadline) {
			cause := cx.NewError(HandshakeTimeoutError, "counterpart did not complete handshake in time")
			if m.reject != nil {
				m.reject(m.params.ExchangeID, cause.Error())
			}
			m.fail(cause)
		}
	case Exchanging:
		if !m.stepDeadline.IsZero() && now.After(m.stepDeadline) {
			m.fail(cx.NewError(StepTimeoutError, fmt.Sprintf("step %d timed out", m.pendingStep)))
		}
	}
}

// StartHandshake transitions NonStarted -> Handshaking and announces this
// peer's PeerInfo to the counterpart.
func (m *Machine) StartHandshake(ctx context.Context) {
	m.enqueue(func() {
		if m.state != NonStarted {
			m.log.Debugf("exchange %s: StartHandshake ignored in state %s", m.params.ExchangeID, m.state)
			return
		}
		m.state = Handshaking
		m.handshakeDeadline = time.Now().Add(m.params.HandshakeTimeout)

		accountID, err := m.processor.RetrieveAccountID(ctx)
		if err != nil {
			m.fail(cx.NewError(PaymentProcessorError, err.Error()))
			return
		}
		key, err := m.wallet.CreateKeyPair()
		if err != nil {
			m.fail(cx.NewError(WalletError, err.Error()))
			return
		}
		m.localKey = key
		m.localInfo = PeerInfo{PaymentAccountID: accountID, PublicKey: key.Public}
		m.haveLocalInfo = true

		m.send(wireMessage{Kind: kindPeerInfo, PeerInfo: &wirePeerInfo{
			PaymentAccountID: accountID,
			PublicKey:        key.Public.SerializeCompressed(),
		}})
		m.maybeAdvanceHandshake(ctx)
	})
}

// HandleInbound decodes and dispatches one message received from the
// counterpart via the overlay. Any message not valid in the current state
// is logged and dropped; the machine never panics on unexpected input.
func (m *Machine) HandleInbound(ctx context.Context, payload []byte) {
	m.enqueue(func() {
		msg, err := decode(payload)
		if err != nil {
			m.log.Warnf("exchange %s: malformed inbound message: %v", m.params.ExchangeID, err)
			return
		}
		switch msg.Kind {
		case kindPeerInfo:
			m.onPeerInfo(ctx, msg)
		case kindDeposits:
			m.onDeposits(msg)
		case kindStepRelease:
			m.onStepRelease(ctx, msg)
		case kindAbort:
			m.onCounterpartAbort(msg)
		default:
			m.log.Warnf("exchange %s: unknown message kind %q", m.params.ExchangeID, msg.Kind)
		}
	})
}

// Abort aborts the exchange at the current step boundary, bounding loss to
// (N-k)/N of the trade for whichever party advanced further.
func (m *Machine) Abort(cause error) {
	m.enqueue(func() {
		if m.state.IsTerminal() {
			return
		}
		m.send(wireMessage{Kind: kindAbort, Cause: cause.Error()})
		m.fail(cause)
	})
}

func (m *Machine) onPeerInfo(ctx context.Context, msg wireMessage) {
	if m.state != Handshaking || msg.PeerInfo == nil {
		m.log.Debugf("exchange %s: dropping peer_info in state %s", m.params.ExchangeID, m.state)
		return
	}
	if m.haveRemoteInfo {
		return // idempotent: already recorded.
	}
	pub, err := parsePublicKey(msg.PeerInfo.PublicKey)
	if err != nil {
		m.fail(cx.NewError(ProtocolViolationError, "malformed counterpart public key"))
		return
	}
	m.remoteInfo = PeerInfo{PaymentAccountID: msg.PeerInfo.PaymentAccountID, PublicKey: pub}
	m.haveRemoteInfo = true
	m.maybeAdvanceHandshake(ctx)
}

// maybeAdvanceHandshake creates and broadcasts this peer's own deposit once
// both PeerInfos are known, and completes the handshake once both deposits
// are known. This mirrors the "WaitingForUserInfo" design note: two
// pending pieces of information (local capability, remote PeerInfo) must
// both arrive before the next state transition fires.
func (m *Machine) maybeAdvanceHandshake(ctx context.Context) {
	if !m.haveLocalInfo || !m.haveRemoteInfo || m.localDepositBroadcast {
		return
	}
	// A real deposit transaction commits both parties' signatures to
	// outputs unlockable only jointly; wallet.SignPartial/Broadcast stand
	// in for that negotiation (§6 treats wallet internals as external).
	depositTx := external.PartialTx(fmt.Sprintf("deposit:%s:%s", m.params.ExchangeID, m.params.Role))
	signed, err := m.wallet.SignPartial(ctx, depositTx, m.localKey)
	if err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	hash, err := m.wallet.Broadcast(ctx, signed)
	if err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	m.localDepositBroadcast = true
	if m.params.Role == Buyer {
		m.deposits.BuyerTx = hash
	} else {
		m.deposits.SellerTx = hash
	}
	m.send(wireMessage{Kind: kindDeposits, Deposits: &wireDeposits{BuyerTx: m.deposits.BuyerTx, SellerTx: m.deposits.SellerTx}})
	m.maybeEnterExchanging()
}

func (m *Machine) onDeposits(msg wireMessage) {
	if m.state != Handshaking || msg.Deposits == nil {
		return
	}
	if m.remoteDepositAnnounced {
		return
	}
	if m.deposits.BuyerTx == ([32]byte{}) {
		m.deposits.BuyerTx = msg.Deposits.BuyerTx
	}
	if m.deposits.SellerTx == ([32]byte{}) {
		m.deposits.SellerTx = msg.Deposits.SellerTx
	}
	m.remoteDepositAnnounced = true
	m.maybeEnterExchanging()
}

// maybeEnterExchanging transitions Handshaking -> Exchanging once both
// deposits are observed. RequiredConfs is a policy parameter owned by the
// wallet/network layer in a full implementation; here both sides proceed
// as soon as broadcast is observed, since confirmation tracking is out of
// scope (§1).
func (m *Machine) maybeEnterExchanging() {
	if !m.localDepositBroadcast || !m.remoteDepositAnnounced {
		return
	}
	if m.state != Handshaking {
		return
	}
	m.state = Exchanging
	m.handshakeDeadline = time.Time{}
	if m.params.Role == Buyer {
		m.advanceStep(1)
	} else {
		m.stepDeadline = time.Now().Add(m.params.StepTimeout)
	}
	m.reportProgress()
}

// advanceStep is the buyer's side of step k: pay, sign, send.
func (m *Machine) advanceStep(k int) {
	if k > m.params.StepCount {
		return
	}
	m.pendingStep = k
	m.stepDeadline = time.Now().Add(m.params.StepTimeout)

	fiatShare, _ := m.params.FiatAmount.MulFrac(1, int64(m.params.StepCount))
	sellerAccount := m.remoteInfo.PaymentAccountID
	if _, err := m.processor.Pay(context.Background(), k, fiatShare, sellerAccount); err != nil {
		m.fail(cx.NewError(PaymentProcessorError, err.Error()))
		return
	}
	releaseTx := external.PartialTx(fmt.Sprintf("sale-release:%s:%d", m.params.ExchangeID, k))
	signed, err := m.wallet.SignPartial(context.Background(), releaseTx, m.localKey)
	if err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	m.send(wireMessage{Kind: kindStepRelease, Step: k, StepRelease: &wireStepRelease{Signed: signed}})
}

func (m *Machine) onStepRelease(ctx context.Context, msg wireMessage) {
	if m.state != Exchanging || msg.StepRelease == nil {
		m.log.Debugf("exchange %s: dropping step_release in state %s", m.params.ExchangeID, m.state)
		return
	}
	k := msg.Step
	// Idempotence: step k must not start before k-1 commits, and duplicate
	// step messages are dropped without a reply (§4.2 ordering rule).
	if m.processedSteps[k] {
		return
	}
	if m.params.Role == Seller {
		m.onStepReleaseAsSeller(ctx, k, msg)
	} else {
		m.onStepReleaseAsBuyer(ctx, k, msg)
	}
}

// onStepReleaseAsSeller handles the buyer's signed partial for step k: it
// unlocks k/N of the seller's deposit to the buyer. The seller verifies the
// fiat credit, co-signs, broadcasts, then reciprocates by releasing k/N of
// the buyer's own deposit back to them.
func (m *Machine) onStepReleaseAsSeller(ctx context.Context, k int, msg wireMessage) {
	if k != m.stepsCompleted+1 {
		m.fail(cx.NewError(ProtocolViolationError, fmt.Sprintf("received step %d, expected %d", k, m.stepsCompleted+1)))
		return
	}
	fiatShare, _ := m.params.FiatAmount.MulFrac(1, int64(m.params.StepCount))
	since := m.lastStepAt
	ok, err := m.processor.VerifyCredit(ctx, fiatShare, since)
	if err != nil {
		m.fail(cx.NewError(PaymentProcessorError, err.Error()))
		return
	}
	if !ok {
		m.fail(cx.NewError(ProtocolViolationError, fmt.Sprintf("step %d release received without matching fiat credit", k)))
		return
	}
	if _, err := m.wallet.Broadcast(ctx, msg.StepRelease.Signed); err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	m.commitStep(k)

	collateralTx := external.PartialTx(fmt.Sprintf("collateral-release:%s:%d", m.params.ExchangeID, k))
	signed, err := m.wallet.SignPartial(ctx, collateralTx, m.localKey)
	if err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	m.send(wireMessage{Kind: kindStepRelease, Step: k, StepRelease: &wireStepRelease{Signed: signed}})

	if k == m.params.StepCount {
		m.succeed()
	} else {
		m.stepDeadline = time.Now().Add(m.params.StepTimeout)
	}
}

// onStepReleaseAsBuyer handles the seller's reciprocal release of the
// buyer's own collateral for step k.
func (m *Machine) onStepReleaseAsBuyer(ctx context.Context, k int, msg wireMessage) {
	if k != m.pendingStep {
		m.log.Debugf("exchange %s: dropping step_release for %d, pending %d", m.params.ExchangeID, k, m.pendingStep)
		return
	}
	if _, err := m.wallet.Broadcast(ctx, msg.StepRelease.Signed); err != nil {
		m.fail(cx.NewError(WalletError, err.Error()))
		return
	}
	m.commitStep(k)

	if k == m.params.StepCount {
		m.succeed()
		return
	}
	m.advanceStep(k + 1)
}

// commitStep advances steps_completed from k-1 to k on broadcast
// confirmation, which must be monotone absent failure (invariant 6).
func (m *Machine) commitStep(k int) {
	m.processedSteps[k] = true
	m.stepsCompleted = k
	m.lastStepAt = time.Now()
	m.reportProgress()
}

func (m *Machine) onCounterpartAbort(msg wireMessage) {
	if m.state.IsTerminal() {
		return
	}
	m.fail(cx.NewError(CounterpartAbortError, msg.Cause))
}

func (m *Machine) reportProgress() {
	m.listener.OnProgress(m.snapshot())
}

func (m *Machine) succeed() {
	m.state = Successful
	m.stepDeadline = time.Time{}
	m.listener.OnSuccess(m.snapshot())
}

func (m *Machine) fail(cause error) {
	if m.state.IsTerminal() {
		return
	}
	if m.state == Handshaking || m.state == Exchanging {
		m.state = Aborted
	}
	m.state = Failed
	m.handshakeDeadline = time.Time{}
	m.stepDeadline = time.Time{}
	m.listener.OnFailure(m.params.ExchangeID, cause)
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		ExchangeID:    m.params.ExchangeID,
		CounterpartID: m.params.CounterpartID,
		State:         m.state,
		StepsDone:     m.stepsCompleted,
		StepCount:     m.params.StepCount,
		Amount:        m.params.BitcoinAmount,
	}
}

func parsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}

func (m *Machine) send(msg wireMessage) {
	if err := m.transport.SendToCounterpart(m.params.ExchangeID, encode(msg)); err != nil {
		m.log.Warnf("exchange %s: send failed (will rely on counterpart's own timeout): %v", m.params.ExchangeID, err)
	}
}
