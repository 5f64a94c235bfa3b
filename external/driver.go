// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package external

import (
	"fmt"
	"sync"
)

// WalletConfig is the production wiring a wallet driver needs to open a
// live Wallet: which network to operate on and where to persist its own
// state. Anything driver-specific (RPC credentials, seed source) travels
// in Settings.
type WalletConfig struct {
	Network  string
	DataDir  string
	Settings map[string]string
}

// WalletOpener opens a Wallet for the given configuration. Registered by
// the init function of a package that implements one, e.g. an rpcclient
// wrapper around a running node.
type WalletOpener func(cfg WalletConfig) (Wallet, error)

// ProcessorConfig is the production wiring a payment processor driver
// needs to open a live PaymentProcessor.
type ProcessorConfig struct {
	Settings map[string]string
}

// ProcessorOpener opens a PaymentProcessor for the given configuration.
type ProcessorOpener func(cfg ProcessorConfig) (PaymentProcessor, error)

var (
	mtx               sync.RWMutex
	walletDrivers     = make(map[string]WalletOpener)
	processorDrivers  = make(map[string]ProcessorOpener)
)

// RegisterWallet makes a wallet driver available under name. It panics on
// a duplicate registration, since that can only be a programming error
// (two drivers linked in under the same name), mirroring asset.Register.
func RegisterWallet(name string, opener WalletOpener) {
	mtx.Lock()
	defer mtx.Unlock()
	if opener == nil {
		panic("external: RegisterWallet opener is nil")
	}
	if _, dup := walletDrivers[name]; dup {
		panic(fmt.Sprintf("external: RegisterWallet called twice for %q", name))
	}
	walletDrivers[name] = opener
}

// RegisterPaymentProcessor makes a payment processor driver available
// under name.
func RegisterPaymentProcessor(name string, opener ProcessorOpener) {
	mtx.Lock()
	defer mtx.Unlock()
	if opener == nil {
		panic("external: RegisterPaymentProcessor opener is nil")
	}
	if _, dup := processorDrivers[name]; dup {
		panic(fmt.Sprintf("external: RegisterPaymentProcessor called twice for %q", name))
	}
	processorDrivers[name] = opener
}

// OpenWallet opens the wallet driver registered under name. Driver
// packages register themselves from their init function and are linked in
// with a blank import in the binary's main package; no driver package ships
// in this module.
func OpenWallet(name string, cfg WalletConfig) (Wallet, error) {
	mtx.RLock()
	opener, ok := walletDrivers[name]
	mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("external: no wallet driver registered under %q", name)
	}
	return opener(cfg)
}

// OpenPaymentProcessor opens the payment processor driver registered
// under name.
func OpenPaymentProcessor(name string, cfg ProcessorConfig) (PaymentProcessor, error) {
	mtx.RLock()
	opener, ok := processorDrivers[name]
	mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("external: no payment processor driver registered under %q", name)
	}
	return opener(cfg)
}
