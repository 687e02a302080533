package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/btcsuite/spendfrom/wallet"
	"github.com/olekukonko/tablewriter"
)

// writeBalances prints the spendable funds grouped by address, followed by
// the per-account totals next to the daemon's own view.
func writeBalances(w io.Writer, balances []wallet.AddressBalance,
	accounts []wallet.AccountReconciliation) {

	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetHeader([]string{"Address", "Account", "Amount", "Outputs"})
	for _, b := range balances {
		table.Append([]string{
			b.Address,
			accountName(b.Account),
			btcunit.FormatAmount(b.Amount),
			strconv.Itoa(b.Outputs),
		})
	}
	table.Render()

	fmt.Fprintln(w)

	table = tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetHeader([]string{"Account", "Spendable", "Daemon", "Diff"})
	for _, a := range accounts {
		table.Append([]string{
			accountName(a.Account),
			btcunit.FormatAmount(a.Cataloged),
			btcunit.FormatAmount(a.Reported),
			btcunit.FormatAmount(a.Difference()),
		})
	}
	table.Render()
}

// writeDryRun prints the assembled transaction of a dry run.
func writeDryRun(w io.Writer, result *wallet.SpendResult) error {
	unsigned := result.Unsigned

	txHex, err := unsigned.Hex()
	if err != nil {
		return err
	}

	packet, err := unsigned.PSBT()
	if err != nil {
		return err
	}

	writeSummary(w, result)
	fmt.Fprintf(w, "hex: %s\n", txHex)
	fmt.Fprintf(w, "psbt: %s\n", packet)

	return nil
}

// writeResult prints the outcome of a broadcast spend.
func writeResult(w io.Writer, result *wallet.SpendResult) {
	writeSummary(w, result)

	result.TxID.WhenSome(func(txid chainhash.Hash) {
		if result.AlreadyKnown {
			fmt.Fprintf(w, "txid: %v (already known to the daemon)\n",
				txid)

			return
		}

		fmt.Fprintf(w, "txid: %v\n", txid)
	})
}

// writeSummary prints the inputs, outputs and fee of the transaction.
func writeSummary(w io.Writer, result *wallet.SpendResult) {
	unsigned := result.Unsigned

	for _, input := range unsigned.Inputs {
		fmt.Fprintf(w, "input: %v %s\n", input.OutPoint,
			btcunit.FormatAmount(input.Amount))
	}

	for i, output := range unsigned.Outputs {
		label := "payee"
		if i == unsigned.ChangeIndex {
			label = "change"
		}

		fmt.Fprintf(w, "%s: %v %s\n", label, output.Address,
			btcunit.FormatAmount(output.Amount))
	}

	fmt.Fprintf(w, "fee: %s (%v)\n", btcunit.FormatAmount(unsigned.Fee),
		unsigned.FeeRate())

	if unsigned.DustFolded > 0 {
		fmt.Fprintf(w, "dust added to fee: %s\n",
			btcunit.FormatAmount(unsigned.DustFolded))
	}
}

// writeFailure explains a failed run. It always states whether funds may
// have left the wallet.
func writeFailure(w io.Writer, err error) {
	fmt.Fprintf(w, "spendfrom: %v\n", err)

	var fundsErr *wallet.InsufficientFundsError
	if errors.As(err, &fundsErr) {
		fmt.Fprintf(w, "needed %s, available %s, short by %s\n",
			btcunit.FormatAmount(fundsErr.Needed),
			btcunit.FormatAmount(fundsErr.Available),
			btcunit.FormatAmount(fundsErr.Shortfall))
	}

	if errors.Is(err, chain.ErrWalletLocked) {
		fmt.Fprintln(w, "unlock the wallet or run spendfrom from a "+
			"terminal to be prompted for the passphrase")
	}

	var spendErr *wallet.SpendError
	if !errors.As(err, &spendErr) || !spendErr.FundsMayHaveMoved() {
		fmt.Fprintln(w, "No money moved.")
		return
	}

	fmt.Fprintln(w, "A transaction may have been sent.")
	spendErr.TxID.WhenSome(func(txid chainhash.Hash) {
		fmt.Fprintf(w, "Check whether %v is known to the network "+
			"before trying again.\n", txid)
	})
}

// accountName renders the default account readably.
func accountName(account string) string {
	if account == "" {
		return `""`
	}

	return account
}
