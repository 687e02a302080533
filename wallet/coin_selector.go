// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// DefaultMaxFeeRate is the default maximum fee rate in sat/kvb that
	// is considered sane. This is currently set to 1000 sat/vb (1,000,000
	// sat/kvb).
	//
	//nolint:mnd // 1M sat/kvb default max fee.
	DefaultMaxFeeRate = btcunit.NewSatPerKVByte(1_000_000)
)

// payeePlaceholder stands in for the payee output when estimating the size
// of a transaction whose payee script is unknown. Only the script length
// matters.
var payeePlaceholder = wire.NewTxOut(0, make([]byte, txsizes.P2PKHPkScriptSize))

// FeeDeduction selects who pays the fee.
type FeeDeduction uint8

const (
	// FeeAddedOnTop makes the payee receive the full amount. The fee is
	// paid from the selected inputs on top of it.
	FeeAddedOnTop FeeDeduction = iota

	// FeeDeductedFromPayee makes the payee receive the amount minus the
	// fee.
	FeeDeductedFromPayee
)

// String returns a human-readable name of the fee deduction mode.
func (f FeeDeduction) String() string {
	switch f {
	case FeeAddedOnTop:
		return "added-on-top"
	case FeeDeductedFromPayee:
		return "deducted-from-payee"
	default:
		return fmt.Sprintf("FeeDeduction(%d)", uint8(f))
	}
}

// FeePolicy is a sealed interface that determines the fee of a transaction.
// It is either a fee rate applied to the estimated size, or a fixed fee.
type FeePolicy interface {
	// isFeePolicy is a marker method that is part of the sealed interface
	// pattern.
	isFeePolicy()

	// validate performs sanity checks on the policy.
	validate() error

	// feeFor returns the fee for a transaction spending numInputs inputs
	// to payee and a change output.
	feeFor(numInputs int, payee *wire.TxOut) btcutil.Amount
}

// FeeRate is a FeePolicy charging Rate for the estimated size of the
// transaction.
type FeeRate struct {
	Rate btcunit.SatPerKVByte
}

// FeeFixed is a FeePolicy charging a constant fee regardless of size.
type FeeFixed struct {
	Amount btcutil.Amount
}

// isFeePolicy marks FeeRate as an implementation of the FeePolicy interface.
func (*FeeRate) isFeePolicy() {}

// validate checks that the rate is set and below DefaultMaxFeeRate.
func (f *FeeRate) validate() error {
	if f.Rate.IsZero() {
		return ErrMissingFeeRate
	}

	if f.Rate.GreaterThan(DefaultMaxFeeRate) {
		return fmt.Errorf("%w: %v, max is %v", ErrFeeRateTooLarge,
			f.Rate, DefaultMaxFeeRate)
	}

	return nil
}

// feeFor estimates the size of a P2PKH spending transaction with the payee
// and a change output and applies the fee rate to it.
func (f *FeeRate) feeFor(numInputs int, payee *wire.TxOut) btcutil.Amount {
	size := txsizes.EstimateSerializeSize(
		numInputs, []*wire.TxOut{payee}, true,
	)

	return f.Rate.FeeForVByteRoundUp(btcunit.NewVByteFromSize(size))
}

// isFeePolicy marks FeeFixed as an implementation of the FeePolicy
// interface.
func (*FeeFixed) isFeePolicy() {}

// validate checks that the fixed fee is neither negative nor above the
// money supply.
func (f *FeeFixed) validate() error {
	if f.Amount < 0 {
		return fmt.Errorf("negative fee %v", f.Amount)
	}

	if f.Amount > btcutil.MaxSatoshi {
		return fmt.Errorf("%w: %v exceeds max money", ErrFeeTooHigh,
			f.Amount)
	}

	return nil
}

// feeFor returns the fixed fee.
func (f *FeeFixed) feeFor(int, *wire.TxOut) btcutil.Amount {
	return f.Amount
}

// A compile-time assertion to ensure that all types implementing the
// FeePolicy interface adhere to it.
var _ FeePolicy = (*FeeRate)(nil)
var _ FeePolicy = (*FeeFixed)(nil)

// Inputs is a sealed interface that defines the source of inputs for a
// transaction. It can either be a manually specified set of UTXOs or a policy
// for coin selection.
type Inputs interface {
	// isInputs is a marker method that is part of the sealed interface
	// pattern. It is unexported, so it can only be implemented by types
	// within this package.
	isInputs()

	// validate performs a series of checks on the input source to ensure
	// it is well-formed. It runs before the catalog is consulted.
	validate() error
}

// InputsManual implements the Inputs interface and specifies the exact UTXOs
// to be used as transaction inputs. When this is used, all automatic coin
// selection logic is bypassed.
type InputsManual struct {
	// UTXOs is a slice of outpoints to be used as the exact inputs for the
	// transaction, in this order.
	UTXOs []wire.OutPoint
}

// InputsPolicy implements the Inputs interface and lets the selector choose
// coins from the catalog.
type InputsPolicy struct {
	// Strategy arranges the candidates before they are accumulated. If
	// this is nil, CoinSelectionLargest is used.
	Strategy CoinSelectionStrategy
}

// isInputs marks InputsManual as an implementation of the Inputs interface.
func (*InputsManual) isInputs() {}

// validate performs validation on the manual inputs.
func (i *InputsManual) validate() error {
	return validateOutPoints(i.UTXOs)
}

// isInputs marks InputsPolicy as an implementation of the Inputs
// interface.
func (*InputsPolicy) isInputs() {}

// validate performs validation on the input policy.
func (i *InputsPolicy) validate() error {
	return nil
}

// A compile-time assertion to ensure that all types implementing the Inputs
// interface adhere to it.
var _ Inputs = (*InputsManual)(nil)
var _ Inputs = (*InputsPolicy)(nil)

// validateOutPoints checks a slice of `wire.OutPoint`s for emptiness and
// duplicate entries. It returns `ErrManualInputsEmpty` if the slice is empty
// and `ErrDuplicatedUtxo` if any duplicates are found.
func validateOutPoints(outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return ErrManualInputsEmpty
	}

	seenUTXOs := make(map[wire.OutPoint]struct{})
	for _, utxo := range outpoints {
		if _, ok := seenUTXOs[utxo]; ok {
			return fmt.Errorf("%w: %w: %v", ErrInvalidOutputReference,
				ErrDuplicatedUtxo, utxo)
		}

		seenUTXOs[utxo] = struct{}{}
	}

	return nil
}

// SelectionTarget describes what a coin selection has to pay for.
type SelectionTarget struct {
	// Account restricts the selection to outputs of one account.
	Account fn.Option[string]

	// Amount is the payment amount.
	Amount btcutil.Amount

	// PayeeScript is the output script of the payee. It sizes the payee
	// output in fee rate estimates. An empty script is sized as P2PKH.
	PayeeScript []byte

	// Addresses restricts the selection to outputs paying to one of
	// these encoded addresses. An empty set admits every address.
	Addresses fn.Set[string]

	// Fee determines the transaction fee.
	Fee FeePolicy

	// FeeDeduction selects whether the fee is added on top of Amount or
	// deducted from it.
	FeeDeduction FeeDeduction

	// Inputs selects between explicit coin control and automatic
	// selection. A nil value means InputsPolicy with the default
	// strategy.
	Inputs Inputs
}

// validate performs the checks that don't need the catalog.
func (t *SelectionTarget) validate() error {
	if t.Amount <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, t.Amount)
	}

	if t.Amount > btcutil.MaxSatoshi {
		return fmt.Errorf("%w: %v exceeds max money", ErrInvalidAmount,
			t.Amount)
	}

	if t.Fee == nil {
		return ErrMissingFee
	}

	switch t.Fee.(type) {
	case *FeeRate, *FeeFixed:
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedFeePolicy, t.Fee)
	}

	if err := t.Fee.validate(); err != nil {
		return err
	}

	switch t.FeeDeduction {
	case FeeAddedOnTop, FeeDeductedFromPayee:
	default:
		return fmt.Errorf("unknown fee deduction %v", t.FeeDeduction)
	}

	switch inputs := t.Inputs.(type) {
	case nil:
		return nil

	case *InputsManual, *InputsPolicy:
		return inputs.validate()

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedTxInputs, inputs)
	}
}

// admits returns an error if output is outside the account or the addresses
// the target is restricted to.
func (t *SelectionTarget) admits(output UnspentOutput) error {
	if t.Account.IsSome() && output.Account != t.Account.UnwrapOr("") {
		return fmt.Errorf("%v belongs to account %q", output.OutPoint,
			output.Account)
	}

	if len(t.Addresses) > 0 && !t.Addresses.Contains(output.Address) {
		return fmt.Errorf("%v pays to %v, which is not a from address",
			output.OutPoint, output.Address)
	}

	return nil
}

// payeeOutput returns the payee output used to estimate the transaction
// size.
func (t *SelectionTarget) payeeOutput() *wire.TxOut {
	if len(t.PayeeScript) == 0 {
		return payeePlaceholder
	}

	return wire.NewTxOut(int64(t.Amount), t.PayeeScript)
}

// CoinSelection is the result of a successful selection.
type CoinSelection struct {
	// Inputs are the chosen outputs in the order they will be spent.
	Inputs []UnspentOutput

	// Total is the sum of Inputs.
	Total btcutil.Amount

	// PayeeAmount is the value of the payee output.
	PayeeAmount btcutil.Amount

	// Fee is the fee before dust folding.
	Fee btcutil.Amount

	// Change is Total minus PayeeAmount minus Fee.
	Change btcutil.Amount

	// FeeDeduction is the fee mode the selection was made with.
	FeeDeduction FeeDeduction
}

// CoinSelector chooses outputs from a catalog. A selector is meant for a
// single run and remembers the outputs it already handed out, so the same
// output is never selected twice.
type CoinSelector struct {
	consumed fn.Set[wire.OutPoint]
}

// NewCoinSelector returns a selector with no consumed outputs.
func NewCoinSelector() *CoinSelector {
	return &CoinSelector{
		consumed: fn.NewSet[wire.OutPoint](),
	}
}

// Select chooses outputs from the catalog covering target. It performs no RPC
// calls.
func (s *CoinSelector) Select(catalog *Catalog,
	target SelectionTarget) (*CoinSelection, error) {

	if err := target.validate(); err != nil {
		return nil, err
	}

	if catalog.Len() == 0 {
		return nil, ErrEmptyCatalog
	}

	var (
		sel *CoinSelection
		err error
	)
	switch inputs := target.Inputs.(type) {
	case *InputsManual:
		sel, err = s.selectManual(catalog, &target, inputs)

	case *InputsPolicy:
		sel, err = s.selectPolicy(catalog, &target, inputs.Strategy)

	case nil:
		sel, err = s.selectPolicy(catalog, &target, nil)
	}
	if err != nil {
		return nil, err
	}

	for _, input := range sel.Inputs {
		s.consumed.Add(input.OutPoint)
	}

	log.Debugf("Selected %d inputs totaling %v: payee=%v, fee=%v, "+
		"change=%v (%v)", len(sel.Inputs), sel.Total, sel.PayeeAmount,
		sel.Fee, sel.Change, sel.FeeDeduction)

	return sel, nil
}

// selectManual resolves explicitly requested outpoints. Nothing is added or
// dropped: the requested set either covers the target or the selection
// fails.
func (s *CoinSelector) selectManual(catalog *Catalog,
	target *SelectionTarget, inputs *InputsManual) (*CoinSelection, error) {

	chosen := make([]UnspentOutput, 0, len(inputs.UTXOs))
	for _, op := range inputs.UTXOs {
		if s.consumed.Contains(op) {
			return nil, fmt.Errorf("%w: %w: %v",
				ErrInvalidOutputReference, ErrUtxoConsumed, op)
		}

		output, err := catalog.Lookup(op).UnwrapOrErr(
			fmt.Errorf("%w: %v is not a spendable wallet output",
				ErrInvalidOutputReference, op),
		)
		if err != nil {
			return nil, err
		}

		if err := target.admits(output); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOutputReference,
				err)
		}

		chosen = append(chosen, output)
	}

	var total btcutil.Amount
	for _, output := range chosen {
		total += output.Amount
	}

	fee := target.Fee.feeFor(len(chosen), target.payeeOutput())
	needed := neededFor(target, fee)
	if total < needed {
		return nil, newInsufficientFundsError(needed, total)
	}

	return newCoinSelection(target, chosen, total, fee)
}

// selectPolicy accumulates the arranged candidates until they cover the
// payment and the fee for the number of inputs added so far.
func (s *CoinSelector) selectPolicy(catalog *Catalog, target *SelectionTarget,
	strategy CoinSelectionStrategy) (*CoinSelection, error) {

	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	candidates := make([]UnspentOutput, 0, catalog.Len())
	for _, output := range catalog.Outputs() {
		if s.consumed.Contains(output.OutPoint) {
			continue
		}

		if target.admits(output) != nil {
			continue
		}

		candidates = append(candidates, output)
	}

	var feePerKb btcutil.Amount
	if rate, ok := target.Fee.(*FeeRate); ok {
		feePerKb = rate.Rate.SatsPerKVB()
	}

	arranged, err := strategy.ArrangeCoins(candidates, feePerKb)
	if err != nil {
		return nil, err
	}

	var (
		total  btcutil.Amount
		fee    btcutil.Amount
		payee  = target.payeeOutput()
		chosen = make([]UnspentOutput, 0, len(arranged))
	)
	for _, output := range arranged {
		chosen = append(chosen, output)
		total += output.Amount
		fee = target.Fee.feeFor(len(chosen), payee)

		if total >= neededFor(target, fee) {
			return newCoinSelection(target, chosen, total, fee)
		}
	}

	// Report what would have been needed with every candidate spent, but
	// at least one input.
	fee = target.Fee.feeFor(max(len(arranged), 1), payee)

	return nil, newInsufficientFundsError(neededFor(target, fee), total)
}

// neededFor returns the input value required to pay target with the given
// fee.
func neededFor(target *SelectionTarget, fee btcutil.Amount) btcutil.Amount {
	if target.FeeDeduction == FeeDeductedFromPayee {
		return target.Amount
	}

	return target.Amount + fee
}

// newCoinSelection splits total into payee amount, fee and change.
func newCoinSelection(target *SelectionTarget, chosen []UnspentOutput,
	total, fee btcutil.Amount) (*CoinSelection, error) {

	payee := target.Amount
	if target.FeeDeduction == FeeDeductedFromPayee {
		if fee >= target.Amount {
			return nil, fmt.Errorf("%w: fee %v, amount %v",
				ErrFeeExceedsAmount, fee, target.Amount)
		}

		payee = target.Amount - fee
	}

	// A selection is never handed out with a deficit.
	change := total - payee - fee
	if fee < 0 || change < 0 {
		return nil, fmt.Errorf("%w: total %v, payee %v, fee %v",
			ErrValueMismatch, total, payee, fee)
	}

	return &CoinSelection{
		Inputs:       chosen,
		Total:        total,
		PayeeAmount:  payee,
		Fee:          fee,
		Change:       change,
		FeeDeduction: target.FeeDeduction,
	}, nil
}

// CoinSelectionStrategy is an interface that represents a coin selection
// strategy. A coin selection strategy is responsible for ordering, shuffling or
// filtering a list of coins before they are accumulated.
type CoinSelectionStrategy interface {
	// ArrangeCoins takes a list of coins and arranges them according to the
	// specified coin selection strategy and fee rate.
	ArrangeCoins(eligible []UnspentOutput, feeSatPerKb btcutil.Amount) (
		[]UnspentOutput, error)
}

var (
	// CoinSelectionLargest always picks the largest available utxo to add
	// to the transaction next. Ties are broken by txid, then output index,
	// so the result is deterministic.
	CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}

	// CoinSelectionRandom randomly selects the next utxo to add to the
	// transaction. This strategy prevents the creation of ever smaller
	// utxos over time.
	CoinSelectionRandom CoinSelectionStrategy = &RandomCoinSelector{}
)

// LargestFirstCoinSelector is an implementation of the CoinSelectionStrategy
// that always selects the largest coins first.
type LargestFirstCoinSelector struct{}

// ArrangeCoins sorts the coins by descending amount, then ascending txid
// string, then ascending output index.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []UnspentOutput,
	_ btcutil.Amount) ([]UnspentOutput, error) {

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}

		aHash, bHash := a.OutPoint.Hash.String(), b.OutPoint.Hash.String()
		if aHash != bHash {
			return aHash < bHash
		}

		return a.OutPoint.Index < b.OutPoint.Index
	})

	return eligible, nil
}

// RandomCoinSelector is an implementation of the CoinSelectionStrategy that
// selects coins at random. This prevents the creation of ever smaller UTXOs
// over time that may never become economical to spend.
type RandomCoinSelector struct{}

// ArrangeCoins drops coins that cost more to spend than they are worth and
// shuffles the rest.
func (*RandomCoinSelector) ArrangeCoins(eligible []UnspentOutput,
	feeSatPerKb btcutil.Amount) ([]UnspentOutput, error) {

	// Skip inputs that do not raise the total transaction output
	// value at the requested fee rate.
	positivelyYielding := make([]UnspentOutput, 0, len(eligible))
	for _, output := range eligible {
		if !inputYieldsPositively(output.TxOut(), feeSatPerKb) {
			continue
		}

		positivelyYielding = append(positivelyYielding, output)
	}

	rand.Shuffle(len(positivelyYielding), func(i, j int) {
		positivelyYielding[i], positivelyYielding[j] =
			positivelyYielding[j], positivelyYielding[i]
	})

	return positivelyYielding, nil
}

// inputYieldsPositively returns a boolean indicating whether this input yields
// positively if added to a transaction. This determination is based on the
// best-case added virtual size.
func inputYieldsPositively(credit *wire.TxOut,
	feeRatePerKb btcutil.Amount) bool {

	inputSize := txsizes.GetMinInputVirtualSize(credit.PkScript)
	inputFee := feeRatePerKb * btcutil.Amount(inputSize) / 1000

	return inputFee < btcutil.Amount(credit.Value)
}
