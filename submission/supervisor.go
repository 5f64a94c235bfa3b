// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package submission implements the submission supervisor: the actor that
// holds the set of orders the user wants in the broker's book and
// periodically re-publishes each one, per §4.5. The broker treats absence
// of refreshes as implicit withdrawal, so this is a keep-alive, grounded on
// the same periodic-ticker pattern client/comms/wsconn.go uses for its
// connection keepAlive loop.
package submission

import (
	"context"
	"time"

	"github.com/likecoin-dev/coinffeine/broker"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/order"
)

// Gateway publishes one OrderBookEntry to the broker through the overlay.
type Gateway interface {
	PublishOrderBookEntry(entry broker.OrderBookEntry) error
}

// Supervisor is the single-threaded actor owning the set of order book
// entries being kept alive. One Supervisor serves every order in the
// process.
type Supervisor struct {
	log      cx.Logger
	gateway  Gateway
	interval time.Duration

	mailbox chan func()
	quit    chan struct{}

	entries map[order.OrderID]broker.OrderBookEntry
}

// New constructs a Supervisor that re-publishes every entry once per
// interval. Run must be called to start processing.
func New(gateway Gateway, interval time.Duration, log cx.Logger) *Supervisor {
	return &Supervisor{
		log:      log,
		gateway:  gateway,
		interval: interval,
		mailbox:  make(chan func(), 32),
		quit:     make(chan struct{}),
		entries:  make(map[order.OrderID]broker.OrderBookEntry),
	}
}

// Run processes the mailbox and fires a refresh on every tick until ctx is
// done. Call it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-ticker.C:
			s.refreshAll()
		case <-ctx.Done():
			close(s.quit)
			return
		}
	}
}

func (s *Supervisor) enqueue(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.quit:
	}
}

// KeepSubmitting registers entry to be periodically re-published, starting
// immediately with one publish. Calling it again for the same order_id
// replaces the entry (e.g. after a progress update changes its pending
// amount) and keeps the same refresh schedule.
func (s *Supervisor) KeepSubmitting(entry broker.OrderBookEntry) {
	s.enqueue(func() {
		s.entries[entry.OrderID] = entry
		s.publish(entry)
	})
}

// StopSubmitting drops order_id from the refreshed set. It is idempotent:
// stopping an order_id that isn't being submitted is a silent no-op.
func (s *Supervisor) StopSubmitting(orderID order.OrderID) {
	s.enqueue(func() {
		delete(s.entries, orderID)
	})
}

func (s *Supervisor) refreshAll() {
	for _, entry := range s.entries {
		s.publish(entry)
	}
}

func (s *Supervisor) publish(entry broker.OrderBookEntry) {
	if err := s.gateway.PublishOrderBookEntry(entry); err != nil {
		s.log.Warnf("submission: publish order %s: %v", entry.OrderID, err)
	}
}

// IsSubmitting reports whether orderID is currently held in the refreshed
// set. It is answered through the supervisor's mailbox, so it reflects every
// KeepSubmitting/StopSubmitting call made before it; call it from any
// goroutine other than the supervisor's own. Once Run has returned it
// reports false.
func (s *Supervisor) IsSubmitting(orderID order.OrderID) bool {
	done := make(chan bool, 1)
	s.enqueue(func() {
		_, ok := s.entries[orderID]
		done <- ok
	})
	select {
	case ok := <-done:
		return ok
	case <-s.quit:
		return false
	}
}
