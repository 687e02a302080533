package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultMinConfs is the default number of confirmations an output needs
// before it is cataloged.
const DefaultMinConfs = 1

// UnspentOutput is a spendable output reported by the wallet daemon. It is a
// snapshot taken when the catalog was built and is never updated.
type UnspentOutput struct {
	// OutPoint uniquely identifies the output.
	OutPoint wire.OutPoint

	// Account is the wallet account the output's address belongs to.
	Account string

	// Address is the encoded address the output pays to.
	Address string

	// Amount is the value of the output.
	Amount btcutil.Amount

	// Confirmations is the number of confirmations at snapshot time.
	Confirmations int64

	// PkScript is the output script.
	PkScript []byte
}

// TxOut returns the output as a wire.TxOut.
func (u *UnspentOutput) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Amount), u.PkScript)
}

// CatalogConfig holds the options used to build a catalog.
type CatalogConfig struct {
	// MinConfs is the minimum number of confirmations an output must have.
	// Zero includes unconfirmed outputs.
	MinConfs int32
}

// DefaultCatalogConfig returns the catalog options used when nothing else is
// configured.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		MinConfs: DefaultMinConfs,
	}
}

// validate checks the catalog options.
func (c *CatalogConfig) validate() error {
	if c.MinConfs < 0 {
		return errors.New("minconfs must not be negative")
	}

	return nil
}

// AddressBalance sums the cataloged outputs paying to one address.
type AddressBalance struct {
	Address string
	Account string
	Amount  btcutil.Amount
	Outputs int
}

// Catalog is an immutable snapshot of the wallet's spendable outputs. It
// indexes outputs by outpoint and account, and maps addresses to accounts.
type Catalog struct {
	outputs []UnspentOutput

	byOutPoint  map[wire.OutPoint]int
	byAccount   map[string][]int
	addrAccount map[string]string

	account  fn.Option[string]
	minConfs int32
}

// BuildCatalog queries the gateway once and builds a catalog from the
// spendable outputs having at least cfg.MinConfs confirmations. If
// accountFilter is set, only that account's outputs are kept.
func BuildCatalog(ctx context.Context, gateway chain.Gateway, cfg CatalogConfig,
	accountFilter fn.Option[string]) (*Catalog, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	results, err := gateway.ListUnspent(ctx, cfg.MinConfs, accountFilter)
	if err != nil {
		return nil, wrapErr(ErrRPCUnavailable, err)
	}

	c := &Catalog{
		outputs:     make([]UnspentOutput, 0, len(results)),
		byOutPoint:  make(map[wire.OutPoint]int, len(results)),
		byAccount:   make(map[string][]int),
		addrAccount: make(map[string]string),
		account:     accountFilter,
		minConfs:    cfg.MinConfs,
	}

	for _, result := range results {
		// The daemon may list outputs it holds no keys for, e.g.
		// watch-only addresses. Those can't be signed.
		if !result.Spendable {
			log.Debugf("Skipping unspendable output %v:%d",
				result.TxID, result.Vout)

			continue
		}

		if result.Confirmations < int64(cfg.MinConfs) {
			continue
		}

		// The gateway already filters, but the catalog doesn't rely
		// on it.
		if accountFilter.IsSome() &&
			result.Account != accountFilter.UnwrapOr("") {

			continue
		}

		hash, err := chainhash.NewHashFromStr(result.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: txid %q: %w",
				ErrRPCUnavailable, chain.ErrInvalidResponse,
				result.TxID, err)
		}

		amount, err := btcunit.AmountFromCoins(result.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrRPCUnavailable,
				chain.ErrInvalidResponse, err)
		}

		pkScript, err := hex.DecodeString(result.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: script of %v:%d: %w",
				ErrRPCUnavailable, chain.ErrInvalidResponse,
				result.TxID, result.Vout, err)
		}

		output := UnspentOutput{
			OutPoint:      *wire.NewOutPoint(hash, result.Vout),
			Account:       result.Account,
			Address:       result.Address,
			Amount:        amount,
			Confirmations: result.Confirmations,
			PkScript:      pkScript,
		}

		if _, ok := c.byOutPoint[output.OutPoint]; ok {
			log.Warnf("Daemon listed output %v twice", output.OutPoint)
			continue
		}

		c.add(output)
	}

	log.Infof("Cataloged %d spendable outputs worth %v (minconf=%d)",
		len(c.outputs), c.Total(), cfg.MinConfs)

	return c, nil
}

// add appends an output and updates the indexes.
func (c *Catalog) add(output UnspentOutput) {
	idx := len(c.outputs)
	c.outputs = append(c.outputs, output)

	c.byOutPoint[output.OutPoint] = idx
	c.byAccount[output.Account] = append(c.byAccount[output.Account], idx)

	if output.Address != "" {
		c.addrAccount[output.Address] = output.Account
	}
}

// Lookup returns the output identified by op, if cataloged.
func (c *Catalog) Lookup(op wire.OutPoint) fn.Option[UnspentOutput] {
	idx, ok := c.byOutPoint[op]
	if !ok {
		return fn.None[UnspentOutput]()
	}

	return fn.Some(c.outputs[idx])
}

// Outputs returns all cataloged outputs in the order the daemon listed them.
func (c *Catalog) Outputs() []UnspentOutput {
	outputs := make([]UnspentOutput, len(c.outputs))
	copy(outputs, c.outputs)

	return outputs
}

// ByAccount returns the outputs belonging to the given account.
func (c *Catalog) ByAccount(account string) []UnspentOutput {
	indexes := c.byAccount[account]

	outputs := make([]UnspentOutput, 0, len(indexes))
	for _, idx := range indexes {
		outputs = append(outputs, c.outputs[idx])
	}

	return outputs
}

// AccountOf returns the account an address belongs to. Only addresses with
// at least one cataloged output are known.
func (c *Catalog) AccountOf(address string) fn.Option[string] {
	account, ok := c.addrAccount[address]
	if !ok {
		return fn.None[string]()
	}

	return fn.Some(account)
}

// Balances returns the cataloged funds grouped by address and sorted by
// account, then address.
func (c *Catalog) Balances() []AddressBalance {
	byAddr := make(map[string]*AddressBalance)
	for _, output := range c.outputs {
		balance, ok := byAddr[output.Address]
		if !ok {
			balance = &AddressBalance{
				Address: output.Address,
				Account: output.Account,
			}
			byAddr[output.Address] = balance
		}

		balance.Amount += output.Amount
		balance.Outputs++
	}

	balances := make([]AddressBalance, 0, len(byAddr))
	for _, balance := range byAddr {
		balances = append(balances, *balance)
	}

	sort.Slice(balances, func(i, j int) bool {
		if balances[i].Account != balances[j].Account {
			return balances[i].Account < balances[j].Account
		}

		return balances[i].Address < balances[j].Address
	})

	return balances
}

// AccountTotals returns the sum of cataloged outputs per account.
func (c *Catalog) AccountTotals() map[string]btcutil.Amount {
	totals := make(map[string]btcutil.Amount, len(c.byAccount))
	for account, indexes := range c.byAccount {
		for _, idx := range indexes {
			totals[account] += c.outputs[idx].Amount
		}
	}

	return totals
}

// Total returns the sum of all cataloged outputs.
func (c *Catalog) Total() btcutil.Amount {
	var total btcutil.Amount
	for _, output := range c.outputs {
		total += output.Amount
	}

	return total
}

// Len returns the number of cataloged outputs.
func (c *Catalog) Len() int {
	return len(c.outputs)
}

// Account returns the account filter the catalog was built with.
func (c *Catalog) Account() fn.Option[string] {
	return c.account
}

// MinConfs returns the confirmation threshold the catalog was built with.
func (c *Catalog) MinConfs() int32 {
	return c.minConfs
}

// AccountReconciliation compares the catalog's view of an account with the
// balance reported by the daemon.
type AccountReconciliation struct {
	Account string

	// Cataloged is the sum of the account's spendable outputs.
	Cataloged btcutil.Amount

	// Reported is the daemon's balance for the account.
	Reported btcutil.Amount
}

// Difference returns the reported balance minus the cataloged total. A
// non-zero value usually means locked, watch-only or immature outputs.
func (a *AccountReconciliation) Difference() btcutil.Amount {
	return a.Reported - a.Cataloged
}

// ReconcileBalances fetches the daemon's per-account balances and lines them
// up with the catalog's account totals. Accounts known to either side are
// included, sorted by name.
func ReconcileBalances(ctx context.Context, gateway chain.Gateway,
	catalog *Catalog) ([]AccountReconciliation, error) {

	reported, err := gateway.ListAccountBalances(ctx, catalog.MinConfs())
	if err != nil {
		return nil, wrapErr(ErrRPCUnavailable, err)
	}

	cataloged := catalog.AccountTotals()

	accounts := fn.NewSet[string]()
	for account := range cataloged {
		accounts.Add(account)
	}
	for account := range reported {
		// A filtered catalog only speaks for its own account.
		if catalog.account.IsSome() &&
			account != catalog.account.UnwrapOr("") {

			continue
		}

		accounts.Add(account)
	}

	result := make([]AccountReconciliation, 0, accounts.Size())
	for _, account := range accounts.ToSlice() {
		result = append(result, AccountReconciliation{
			Account:   account,
			Cataloged: cataloged[account],
			Reported:  reported[account],
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Account < result[j].Account
	})

	return result, nil
}
