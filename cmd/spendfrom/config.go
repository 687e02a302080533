// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/btcsuite/spendfrom/wallet"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	defaultDebugLevel  = "info"
	defaultLogFilename = "spendfrom.log"
	defaultRPCConnect  = "localhost"
	defaultMaxFee      = "0.01"
	defaultCoinSelect  = "largest"
)

var (
	defaultDataDir = btcutil.AppDataDir("quantum", false)
)

// netParams pairs the chain parameters of a network with the default RPC port
// of its daemon.
type netParams struct {
	*chaincfg.Params
	rpcPort string
}

var (
	mainNetParams = netParams{
		Params:  &chaincfg.MainNetParams,
		rpcPort: "8888",
	}

	testNetParams = netParams{
		Params:  &chaincfg.TestNet3Params,
		rpcPort: "18888",
	}

	regTestParams = netParams{
		Params:  &chaincfg.RegressionNetParams,
		rpcPort: "22888",
	}
)

// errUsage marks configuration errors caused by the command line or the node
// config file.
var errUsage = errors.New("usage error")

type config struct {
	// General application behavior
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"D" long:"datadir" description:"Directory of the wallet daemon holding its config file"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to the daemon config file (default: <datadir>/quantum.conf)"`
	TestNet     bool   `long:"testnet" description:"Use the test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}; set per subsystem with <subsystem>=<level>,..."`
	LogDir      string `long:"logdir" description:"Also write logs to spendfrom.log in this directory"`

	// RPC options
	RPCConnect string        `short:"c" long:"rpcconnect" description:"Hostname/IP of the wallet daemon"`
	RPCPort    string        `long:"rpcport" description:"Port of the wallet daemon's RPC server"`
	RPCUser    string        `short:"u" long:"rpcuser" description:"Username for RPC connections"`
	RPCPass    string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCCert    string        `long:"rpccert" description:"File containing the daemon's certificate; enables TLS"`
	Timeout    time.Duration `long:"timeout" description:"Deadline of a single RPC call"`
	SignMethod string        `long:"signmethod" description:"RPC method used to sign, e.g. signrawtransactionwithwallet"`

	// Spend options
	List          bool     `short:"l" long:"list" description:"List spendable funds by address and exit"`
	From          []string `short:"f" long:"from" description:"Output to spend as txid:vout; repeat for several"`
	FromAddress   []string `long:"fromaddress" description:"Only spend outputs paying to this address; repeat for several. Change returns to the last one"`
	To            string   `short:"t" long:"to" description:"Address to pay"`
	Amount        string   `short:"a" long:"amount" description:"Amount to pay, in coins"`
	Fee           string   `long:"fee" description:"Fixed fee, in coins"`
	FeeRate       int64    `long:"feerate" description:"Fee rate in satoshis per kilo-vbyte"`
	SubtractFee   bool     `long:"subtractfee" description:"Deduct the fee from the paid amount"`
	Account       *string  `long:"account" description:"Only spend outputs of this account"`
	ChangeAccount *string  `long:"changeaccount" description:"Account of the change address (default: --account)"`
	ChangeAddress string   `long:"changeaddress" description:"Address receiving the change (default: last --fromaddress, else a fresh wallet address)"`
	MinConf       int32    `long:"minconf" description:"Minimum confirmations of spent outputs"`
	MaxFee        string   `long:"maxfee" description:"Refuse to pay a fee above this, in coins"`
	CoinSelect    string   `long:"coinselect" description:"Automatic selection strategy" choice:"largest" choice:"random"`
	DryRun        bool     `short:"n" long:"dryrun" description:"Build the transaction and print it without signing or broadcasting"`

	// Values resolved from the options above.
	net           netParams
	payee         btcutil.Address
	amount        btcutil.Amount
	fee           wallet.FeePolicy
	feeDeduction  wallet.FeeDeduction
	maxFee        btcutil.Amount
	inputs        wallet.Inputs
	fromAddresses []btcutil.Address
	changeAddress fn.Option[btcutil.Address]
	account       fn.Option[string]
	changeAccount fn.Option[string]
}

// defaultConfig returns the options used for everything not set on the
// command line or in the node config file.
func defaultConfig() config {
	return config{
		DataDir:    defaultDataDir,
		DebugLevel: defaultDebugLevel,
		Timeout:    chain.DefaultTimeout,
		SignMethod: chain.DefaultSignMethod,
		MinConf:    wallet.DefaultMinConfs,
		MaxFee:     defaultMaxFee,
		CoinSelect: defaultCoinSelect,
	}
}

// loadConfig initializes and parses the config using command line options
// and the daemon's config file.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Parse the command line options
//  3. Fill RPC settings and the network left unset from the node config file
//  4. Fill what is still unset from the network defaults
//  5. Resolve and check the spend options
//
// The above results in the command line options taking precedence over the
// node config file, which takes precedence over the defaults.
func loadConfig(args []string) (*config, []string, error) {
	cfg := defaultConfig()

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	if cfg.ShowVersion {
		return &cfg, remainingArgs, nil
	}

	if len(remainingArgs) > 0 {
		return nil, nil, fmt.Errorf("%w: unexpected arguments %v",
			errUsage, remainingArgs)
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	if cfg.LogDir != "" {
		logFile := filepath.Join(
			cleanAndExpandPath(cfg.LogDir), defaultLogFilename,
		)
		if err := initLogRotator(logFile); err != nil {
			return nil, nil, err
		}
	}

	configFile := cfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(
			cleanAndExpandPath(cfg.DataDir), nodeConfigFilename,
		)
	}

	nodeCfg, err := readNodeConfig(cleanAndExpandPath(configFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: node config %v: %w", errUsage,
			configFile, err)
	}

	if err := cfg.applyNodeConfig(nodeCfg); err != nil {
		return nil, nil, err
	}

	cfg.account = optionalString(cfg.Account)
	cfg.changeAccount = optionalString(cfg.ChangeAccount)

	if cfg.List {
		return &cfg, nil, nil
	}

	if err := cfg.resolveSpend(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	return &cfg, nil, nil
}

// applyNodeConfig fills the RPC settings and network left unset on the
// command line from the node config file, then from the network defaults.
func (c *config) applyNodeConfig(nodeCfg *nodeConfig) error {
	if !c.TestNet && !c.RegTest {
		c.TestNet = nodeCfg.TestNet
		c.RegTest = nodeCfg.RegTest
	}

	switch {
	case c.TestNet && c.RegTest:
		return fmt.Errorf("%w: the testnet and regtest params can't "+
			"be used together -- choose one of the two", errUsage)

	case c.TestNet:
		c.net = testNetParams

	case c.RegTest:
		c.net = regTestParams

	default:
		c.net = mainNetParams
	}

	c.RPCUser = firstNonEmpty(c.RPCUser, nodeCfg.RPCUser)
	c.RPCPass = firstNonEmpty(c.RPCPass, nodeCfg.RPCPassword)
	c.RPCConnect = firstNonEmpty(
		c.RPCConnect, nodeCfg.RPCConnect, defaultRPCConnect,
	)
	c.RPCPort = firstNonEmpty(c.RPCPort, nodeCfg.RPCPort, c.net.rpcPort)

	if c.MinConf < 0 {
		return fmt.Errorf("%w: --minconf must not be negative", errUsage)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: --timeout must be positive", errUsage)
	}

	return nil
}

// resolveSpend parses the payment options into their wallet types.
func (c *config) resolveSpend() error {
	var err error

	if c.To == "" {
		return errors.New("--to is required")
	}

	c.payee, err = c.decodeAddress("--to", c.To)
	if err != nil {
		return err
	}

	if c.Amount == "" {
		return errors.New("--amount is required")
	}

	c.amount, err = btcunit.ParseAmount(c.Amount)
	if err != nil {
		return fmt.Errorf("invalid --amount: %w", err)
	}

	c.fee, err = c.feePolicy()
	if err != nil {
		return err
	}

	if c.SubtractFee {
		c.feeDeduction = wallet.FeeDeductedFromPayee
	}

	c.maxFee, err = btcunit.ParseAmount(c.MaxFee)
	if err != nil {
		return fmt.Errorf("invalid --maxfee: %w", err)
	}

	c.inputs, err = c.inputSource()
	if err != nil {
		return err
	}

	for _, from := range c.FromAddress {
		addr, err := c.decodeAddress("--fromaddress", from)
		if err != nil {
			return err
		}

		c.fromAddresses = append(c.fromAddresses, addr)
	}

	if c.ChangeAddress != "" {
		addr, err := c.decodeAddress("--changeaddress", c.ChangeAddress)
		if err != nil {
			return err
		}

		c.changeAddress = fn.Some(addr)
	}

	return nil
}

// decodeAddress decodes the address given to option and checks it belongs
// to the selected network.
func (c *config) decodeAddress(option, encoded string) (btcutil.Address,
	error) {

	addr, err := btcutil.DecodeAddress(encoded, c.net.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid %v address: %w", option, err)
	}

	if !addr.IsForNet(c.net.Params) {
		return nil, fmt.Errorf("%v address %v is not for %v", option,
			encoded, c.net.Name)
	}

	return addr, nil
}

// feePolicy returns the fee policy selected by --fee or --feerate. Without
// either the minimum relay fee rate is used.
func (c *config) feePolicy() (wallet.FeePolicy, error) {
	switch {
	case c.Fee != "" && c.FeeRate != 0:
		return nil, errors.New("--fee and --feerate can't be used " +
			"together")

	case c.Fee != "":
		fee, err := btcunit.ParseAmount(c.Fee)
		if err != nil {
			return nil, fmt.Errorf("invalid --fee: %w", err)
		}

		return &wallet.FeeFixed{Amount: fee}, nil

	case c.FeeRate < 0:
		return nil, errors.New("--feerate must not be negative")

	case c.FeeRate > 0:
		rate := btcunit.NewSatPerKVByte(btcutil.Amount(c.FeeRate))
		return &wallet.FeeRate{Rate: rate}, nil

	default:
		rate := btcunit.NewSatPerKVByte(txrules.DefaultRelayFeePerKb)
		return &wallet.FeeRate{Rate: rate}, nil
	}
}

// inputSource returns explicit coin control when --from is given and the
// automatic selection strategy otherwise.
func (c *config) inputSource() (wallet.Inputs, error) {
	if len(c.From) == 0 {
		strategy := wallet.CoinSelectionLargest
		if c.CoinSelect == "random" {
			strategy = wallet.CoinSelectionRandom
		}

		return &wallet.InputsPolicy{Strategy: strategy}, nil
	}

	utxos := make([]wire.OutPoint, 0, len(c.From))
	for _, from := range c.From {
		op, err := wire.NewOutPointFromString(from)
		if err != nil {
			return nil, fmt.Errorf("invalid --from %q: %w", from, err)
		}

		utxos = append(utxos, *op)
	}

	return &wallet.InputsManual{UTXOs: utxos}, nil
}

// rpcHost returns the host:port of the daemon's RPC server.
func (c *config) rpcHost() string {
	return net.JoinHostPort(c.RPCConnect, c.RPCPort)
}

// optionalString turns an optional string flag into an Option.
func optionalString(s *string) fn.Option[string] {
	if s == nil {
		return fn.None[string]()
	}

	return fn.Some(*s)
}

// firstNonEmpty returns the first non-empty string of values.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
