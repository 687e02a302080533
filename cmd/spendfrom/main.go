// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// spendfrom pays an address from wallet outputs chosen by the user, or by a
// deterministic selection within one account, through the wallet daemon's
// JSON-RPC interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/btcsuite/spendfrom/wallet"
	flags "github.com/jessevdk/go-flags"
)

const version = "1.0.0"

// Exit codes. Each failing stage of a spend has its own code so that scripts
// can tell whether a transaction may have been sent.
const (
	exitSuccess = iota
	exitUsage
	exitCatalog
	exitSelection
	exitAssembly
	exitSigning
	exitBroadcastRejected
	exitBroadcastUnknown
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes spendfrom with the given arguments and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	defer closeLogRotator()

	cfg, _, err := loadConfig(args)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return exitSuccess
		}

		fmt.Fprintf(stderr, "spendfrom: %v\n", err)

		return exitUsage
	}

	if cfg.ShowVersion {
		fmt.Fprintf(stdout, "spendfrom version %s\n", version)
		return exitSuccess
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := newGateway(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "spendfrom: %v\n", err)
		return exitUsage
	}
	defer client.Stop()

	if cfg.List {
		return listFunds(ctx, client, cfg, stdout, stderr)
	}

	return spend(ctx, client, cfg, stdout, stderr)
}

// newGateway connects the RPC client described by cfg. The RPC password is
// prompted for when a user is configured without one.
func newGateway(cfg *config) (*chain.RPCClient, error) {
	if cfg.RPCUser != "" && cfg.RPCPass == "" {
		pass, err := promptSecret("RPC password: ")
		if err != nil && !errors.Is(err, errNoTerminal) {
			return nil, err
		}
		cfg.RPCPass = string(pass)
	}

	conn := &rpcclient.ConnConfig{
		Host:       cfg.rpcHost(),
		User:       cfg.RPCUser,
		Pass:       cfg.RPCPass,
		DisableTLS: cfg.RPCCert == "",
	}

	if cfg.RPCCert != "" {
		certs, err := os.ReadFile(cleanAndExpandPath(cfg.RPCCert))
		if err != nil {
			return nil, fmt.Errorf("read rpc cert: %w", err)
		}
		conn.Certificates = certs
	}

	log.Debugf("Connecting to %v on %v", conn.Host, cfg.net.Name)

	return chain.NewRPCClientWithConfig(&chain.RPCClientConfig{
		Conn:       conn,
		Chain:      cfg.net.Params,
		Timeout:    cfg.Timeout,
		SignMethod: cfg.SignMethod,
	})
}

// listFunds prints the spendable outputs grouped by address.
func listFunds(ctx context.Context, gateway chain.Gateway, cfg *config,
	stdout, stderr io.Writer) int {

	catalog, err := wallet.BuildCatalog(ctx, gateway, wallet.CatalogConfig{
		MinConfs: cfg.MinConf,
	}, cfg.account)
	if err != nil {
		writeFailure(stderr, err)
		return exitCatalog
	}

	accounts, err := wallet.ReconcileBalances(ctx, gateway, catalog)
	if err != nil {
		// The address view is still useful without the account totals.
		log.Warnf("Unable to reconcile account balances: %v", err)
	}

	writeBalances(stdout, catalog.Balances(), accounts)

	return exitSuccess
}

// spend runs the payment described by cfg.
func spend(ctx context.Context, gateway chain.Gateway, cfg *config,
	stdout, stderr io.Writer) int {

	spender, err := wallet.NewSpender(&wallet.SpenderConfig{
		Gateway:     gateway,
		ChainParams: cfg.net.Params,
		Catalog: wallet.CatalogConfig{
			MinConfs: cfg.MinConf,
		},
		MaxFee:           cfg.maxFee,
		PassphrasePrompt: passphrasePrompt(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "spendfrom: %v\n", err)
		return exitUsage
	}

	result, err := spender.Spend(ctx, &wallet.SpendRequest{
		Account:       cfg.account,
		Payee:         cfg.payee,
		Amount:        cfg.amount,
		Fee:           cfg.fee,
		FeeDeduction:  cfg.feeDeduction,
		Inputs:        cfg.inputs,
		FromAddresses: cfg.fromAddresses,
		ChangeAddress: cfg.changeAddress,
		ChangeAccount: cfg.changeAccount,
		DryRun:        cfg.DryRun,
	})
	if err != nil {
		writeFailure(stderr, err)
		return exitCode(err)
	}

	if cfg.DryRun {
		if err := writeDryRun(stdout, result); err != nil {
			fmt.Fprintf(stderr, "spendfrom: %v\n", err)
			return exitAssembly
		}

		return exitSuccess
	}

	writeResult(stdout, result)

	return exitSuccess
}

// exitCode maps a spend failure to the exit code of its stage.
func exitCode(err error) int {
	var spendErr *wallet.SpendError
	if !errors.As(err, &spendErr) {
		return exitUsage
	}

	switch spendErr.Stage {
	case wallet.StageCatalog:
		return exitCatalog

	case wallet.StageSelection:
		return exitSelection

	case wallet.StageAssembly:
		return exitAssembly

	case wallet.StageSigning:
		return exitSigning

	case wallet.StageBroadcast:
		if spendErr.FundsMayHaveMoved() {
			return exitBroadcastUnknown
		}

		return exitBroadcastRejected

	default:
		return exitUsage
	}
}
