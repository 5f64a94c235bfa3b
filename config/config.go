// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config parses the peer's configuration: the relay bind/connect
// address, the exchange timing parameters, and the wallet network, per
// §6's "Configuration (recognized options)" list. Command-line flags are
// parsed with go-flags, grounded on server/cmd/dcrdex/config.go; the
// config file itself is sectioned (relay/exchange/wallet), which maps
// naturally onto gopkg.in/ini.v1 rather than go-flags' own flat ini
// parser.
package config

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/ini.v1"

	"github.com/likecoin-dev/coinffeine/internal/cx"
)

// Network is the bitcoin network the wallet operates on.
type Network string

const (
	Mainnet Network = "main"
	Testnet Network = "test"
	Regtest Network = "regtest"
)

func (n Network) valid() bool {
	return n == Mainnet || n == Testnet || n == Regtest
}

const (
	defaultStepCount          = 10
	defaultHandshakeTimeout   = 2 * time.Minute
	defaultStepTimeout        = time.Minute
	defaultSubmissionInterval = 30 * time.Second
	defaultConfigFilename     = "peerd.conf"
)

// ErrConfig is returned for any malformed or out-of-range configuration
// value; it is fatal at start, per §7's ConfigError kind.
const ErrConfig = cx.ErrorKind("config error")

// Relay holds the relay overlay's socket configuration; a peer either
// binds (it is the broker) or connects (it is a trading client), and the
// zero value of the side not used is simply unset.
type Relay struct {
	BindAddress    string
	BindPort       uint16
	ConnectAddress string
	ConnectPort    uint16
}

// Exchange holds the timing parameters every spawned exchange inherits.
type Exchange struct {
	StepCount        int
	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
}

// Wallet holds the external wallet's network selection and which linked-in
// driver (registered via external.RegisterWallet) opens it.
type Wallet struct {
	Network Network
	Driver  string
}

// Processor holds which linked-in payment processor driver (registered via
// external.RegisterPaymentProcessor) this peer uses.
type Processor struct {
	Driver string
}

// Submission holds the submission supervisor's refresh cadence.
type Submission struct {
	RefreshInterval time.Duration
}

// Config is the fully resolved, validated configuration for one peer
// process.
type Config struct {
	Relay      Relay
	Exchange   Exchange
	Wallet     Wallet
	Processor  Processor
	Submission Submission
}

// flagsData mirrors Config for command-line override purposes; a zero
// field means "not overridden, fall back to the config file or default".
type flagsData struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`

	RelayBindAddress    string `long:"relay.bind_address" description:"Address the relay server binds to"`
	RelayBindPort       uint16 `long:"relay.bind_port" description:"Port the relay server binds to"`
	RelayConnectAddress string `long:"relay.connect_address" description:"Address of the relay server to connect to"`
	RelayConnectPort    uint16 `long:"relay.connect_port" description:"Port of the relay server to connect to"`

	ExchangeStepCount        int           `long:"exchange.step_count" description:"Number of micro-payment steps per exchange"`
	ExchangeHandshakeTimeout time.Duration `long:"exchange.handshake_timeout" description:"Deadline for the exchange handshake"`
	ExchangeStepTimeout      time.Duration `long:"exchange.step_timeout" description:"Deadline for one step's release round-trip"`

	WalletNetwork string `long:"wallet.network" description:"Bitcoin network: main, test, or regtest"`
	WalletDriver  string `long:"wallet.driver" description:"Name of the linked-in wallet driver to open"`

	ProcessorDriver string `long:"processor.driver" description:"Name of the linked-in payment processor driver to open"`

	SubmissionRefreshInterval time.Duration `long:"submission.refresh_interval" description:"How often a live order is re-submitted to the broker"`
}

// Load parses argv for CLI flags, merges in the config file they (or the
// default path) name if it exists, and returns the fully resolved,
// validated Config. argv excludes the program name (i.e. os.Args[1:]).
func Load(argv []string) (*Config, error) {
	fd := &flagsData{ConfigFile: defaultConfigFilename}
	parser := flags.NewParser(fd, flags.Default&^flags.PrintErrors)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, cx.NewError(ErrConfig, err.Error())
	}

	cfg := defaultConfig()
	if _, err := os.Stat(fd.ConfigFile); err == nil {
		if err := loadFile(fd.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}
	applyFlags(fd, cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Exchange: Exchange{
			StepCount:        defaultStepCount,
			HandshakeTimeout: defaultHandshakeTimeout,
			StepTimeout:      defaultStepTimeout,
		},
		Wallet:     Wallet{Network: Mainnet},
		Submission: Submission{RefreshInterval: defaultSubmissionInterval},
	}
}

func loadFile(path string, cfg *Config) error {
	file, err := ini.Load(path)
	if err != nil {
		return cx.NewError(ErrConfig, fmt.Sprintf("load %s: %v", path, err))
	}

	relay := file.Section("relay")
	if v := relay.Key("bind_address").String(); v != "" {
		cfg.Relay.BindAddress = v
	}
	if v, err := relay.Key("bind_port").Uint(); err == nil && v != 0 {
		cfg.Relay.BindPort = uint16(v)
	}
	if v := relay.Key("connect_address").String(); v != "" {
		cfg.Relay.ConnectAddress = v
	}
	if v, err := relay.Key("connect_port").Uint(); err == nil && v != 0 {
		cfg.Relay.ConnectPort = uint16(v)
	}

	exchange := file.Section("exchange")
	if v, err := exchange.Key("step_count").Int(); err == nil && v != 0 {
		cfg.Exchange.StepCount = v
	}
	if v, err := exchange.Key("handshake_timeout").Duration(); err == nil && v != 0 {
		cfg.Exchange.HandshakeTimeout = v
	}
	if v, err := exchange.Key("step_timeout").Duration(); err == nil && v != 0 {
		cfg.Exchange.StepTimeout = v
	}

	wallet := file.Section("wallet")
	if v := wallet.Key("network").String(); v != "" {
		cfg.Wallet.Network = Network(v)
	}
	if v := wallet.Key("driver").String(); v != "" {
		cfg.Wallet.Driver = v
	}

	if v := file.Section("processor").Key("driver").String(); v != "" {
		cfg.Processor.Driver = v
	}

	if v, err := file.Section("submission").Key("refresh_interval").Duration(); err == nil && v != 0 {
		cfg.Submission.RefreshInterval = v
	}
	return nil
}

func applyFlags(fd *flagsData, cfg *Config) {
	if fd.RelayBindAddress != "" {
		cfg.Relay.BindAddress = fd.RelayBindAddress
	}
	if fd.RelayBindPort != 0 {
		cfg.Relay.BindPort = fd.RelayBindPort
	}
	if fd.RelayConnectAddress != "" {
		cfg.Relay.ConnectAddress = fd.RelayConnectAddress
	}
	if fd.RelayConnectPort != 0 {
		cfg.Relay.ConnectPort = fd.RelayConnectPort
	}
	if fd.ExchangeStepCount != 0 {
		cfg.Exchange.StepCount = fd.ExchangeStepCount
	}
	if fd.ExchangeHandshakeTimeout != 0 {
		cfg.Exchange.HandshakeTimeout = fd.ExchangeHandshakeTimeout
	}
	if fd.ExchangeStepTimeout != 0 {
		cfg.Exchange.StepTimeout = fd.ExchangeStepTimeout
	}
	if fd.WalletNetwork != "" {
		cfg.Wallet.Network = Network(fd.WalletNetwork)
	}
	if fd.WalletDriver != "" {
		cfg.Wallet.Driver = fd.WalletDriver
	}
	if fd.ProcessorDriver != "" {
		cfg.Processor.Driver = fd.ProcessorDriver
	}
	if fd.SubmissionRefreshInterval != 0 {
		cfg.Submission.RefreshInterval = fd.SubmissionRefreshInterval
	}
}

func validate(cfg *Config) error {
	if cfg.Relay.BindAddress == "" && cfg.Relay.ConnectAddress == "" {
		return cx.NewError(ErrConfig, "either relay.bind_address or relay.connect_address must be set")
	}
	if cfg.Exchange.StepCount < 1 {
		return cx.NewError(ErrConfig, fmt.Sprintf("exchange.step_count must be >= 1, got %d", cfg.Exchange.StepCount))
	}
	if cfg.Exchange.HandshakeTimeout <= 0 {
		return cx.NewError(ErrConfig, "exchange.handshake_timeout must be positive")
	}
	if cfg.Exchange.StepTimeout <= 0 {
		return cx.NewError(ErrConfig, "exchange.step_timeout must be positive")
	}
	if cfg.Submission.RefreshInterval <= 0 {
		return cx.NewError(ErrConfig, "submission.refresh_interval must be positive")
	}
	if !cfg.Wallet.Network.valid() {
		return cx.NewError(ErrConfig, fmt.Sprintf("unrecognized wallet.network %q", cfg.Wallet.Network))
	}
	if cfg.Relay.ConnectAddress != "" {
		if cfg.Wallet.Driver == "" {
			return cx.NewError(ErrConfig, "wallet.driver must be set to run as a trading peer")
		}
		if cfg.Processor.Driver == "" {
			return cx.NewError(ErrConfig, "processor.driver must be set to run as a trading peer")
		}
	}
	return nil
}
