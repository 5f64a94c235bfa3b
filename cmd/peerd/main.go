// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Command peerd runs one node of the trading engine: either the relay
// server a broker operator binds (relay.bind_address set), or a trading
// peer that connects out to a relay and runs the order controllers, funds
// blocker, and submission supervisor (relay.connect_address set).
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/likecoin-dev/coinffeine/config"
	"github.com/likecoin-dev/coinffeine/controller"
	"github.com/likecoin-dev/coinffeine/engine"
	"github.com/likecoin-dev/coinffeine/external"
	"github.com/likecoin-dev/coinffeine/funds"
	"github.com/likecoin-dev/coinffeine/internal/cx"
	"github.com/likecoin-dev/coinffeine/overlay"
	"github.com/likecoin-dev/coinffeine/submission"
)

func main() {
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logMaker := &cx.LoggerMaker{Backend: slog.NewBackend(os.Stdout), DefaultLevel: slog.LevelInfo}
	log := logMaker.NewLogger("PEERD")

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		<-killChan
		log.Infof("shutting down...")
		cancel()
	}()

	if cfg.Relay.BindAddress != "" {
		return runRelay(appCtx, cfg, logMaker)
	}
	return runPeer(appCtx, cfg, logMaker)
}

// runRelay hosts the relay server component, per §4.1's server contract.
// It has no order, wallet, or payment processor concerns: the broker's own
// order-matching logic sits above this relay and is out of scope here.
func runRelay(ctx context.Context, cfg *config.Config, logMaker *cx.LoggerMaker) error {
	log := logMaker.NewLogger("RELAY")
	srv := overlay.NewServer(log)
	addr := fmt.Sprintf("%s:%d", cfg.Relay.BindAddress, cfg.Relay.BindPort)
	if err := srv.Bind(addr); err != nil {
		return fmt.Errorf("bind relay server to %s: %w", addr, err)
	}
	log.Infof("relay server listening on %s", addr)

	quit := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(quit)
	}()
	srv.Run(quit)
	return nil
}

// runPeer hosts one trading peer: the overlay client, funds blocker,
// submission supervisor, and the engine that dispatches broker traffic to
// per-order controllers.
func runPeer(ctx context.Context, cfg *config.Config, logMaker *cx.LoggerMaker) error {
	log := logMaker.NewLogger("PEER")

	wallet, err := external.OpenWallet(cfg.Wallet.Driver, external.WalletConfig{Network: string(cfg.Wallet.Network)})
	if err != nil {
		return fmt.Errorf("open wallet driver %q: %w", cfg.Wallet.Driver, err)
	}
	processor, err := external.OpenPaymentProcessor(cfg.Processor.Driver, external.ProcessorConfig{})
	if err != nil {
		return fmt.Errorf("open payment processor driver %q: %w", cfg.Processor.Driver, err)
	}

	localID, err := randomEndpointID()
	if err != nil {
		return fmt.Errorf("generate overlay identity: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Relay.ConnectAddress, cfg.Relay.ConnectPort)
	client := overlay.NewClient(addr, localID, logMaker.NewLogger("OVERLAY"))

	fundsBlocker := funds.New(wallet, processor, logMaker.NewLogger("FUNDS"))

	eng := engine.New(client, wallet, processor, fundsBlocker, controller.Config{
		StepCount:        cfg.Exchange.StepCount,
		HandshakeTimeout: cfg.Exchange.HandshakeTimeout,
		StepTimeout:      cfg.Exchange.StepTimeout,
		RequiredConfs:    1,
	}, logMaker.NewLogger("ENGINE"))

	submit := submission.New(eng, cfg.Submission.RefreshInterval, logMaker.NewLogger("SUBMIT"))
	eng.SetSubmission(submit)

	group, gctx := errgroup.WithContext(ctx)
	for _, run := range []func(context.Context){client.Run, fundsBlocker.Run, submit.Run, eng.Run} {
		run := run
		group.Go(func() error {
			run(gctx)
			return nil
		})
	}

	log.Infof("peer %s connecting to relay at %s", localID, addr)
	return group.Wait()
}

func randomEndpointID() (overlay.EndpointID, error) {
	var id overlay.EndpointID
	_, err := rand.Read(id[:])
	return id, err
}
