// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// noChangeIndex is the ChangeIndex of a transaction without change output.
const noChangeIndex = -1

// AssemblerConfig holds the options of a TxAssembler.
type AssemblerConfig struct {
	// ChainParams is the network addresses must belong to.
	ChainParams *chaincfg.Params

	// DustThreshold is the change amount below which change is folded
	// into the fee. Zero means the relay fee based dust rule.
	DustThreshold btcutil.Amount

	// RelayFeePerKb is the relay fee used by the dust rule. Zero means
	// txrules.DefaultRelayFeePerKb.
	RelayFeePerKb btcutil.Amount

	// MaxFee is the largest absolute fee accepted. Zero disables the
	// check.
	MaxFee btcutil.Amount
}

// validate checks the assembler options.
func (c *AssemblerConfig) validate() error {
	if c.ChainParams == nil {
		return errors.New("missing chain params config")
	}

	if c.DustThreshold < 0 || c.RelayFeePerKb < 0 || c.MaxFee < 0 {
		return errors.New("assembler amounts must not be negative")
	}

	return nil
}

// TxOutput is a decoded output of an assembled transaction.
type TxOutput struct {
	Address btcutil.Address
	Amount  btcutil.Amount
}

// UnsignedTransaction is an assembled transaction that has not been signed.
type UnsignedTransaction struct {
	// Tx is the transaction. Its inputs carry no signature scripts.
	Tx *wire.MsgTx

	// Inputs are the outputs being spent, in input order.
	Inputs []UnspentOutput

	// Outputs are the transaction outputs, payee first.
	Outputs []TxOutput

	// InputTotal is the sum of Inputs.
	InputTotal btcutil.Amount

	// Fee is the final fee, including any folded dust.
	Fee btcutil.Amount

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int

	// DustFolded is the change amount that was added to the fee because
	// it was too small to be worth an output.
	DustFolded btcutil.Amount
}

// EstimatedSize returns the estimated size of the signed transaction.
func (u *UnsignedTransaction) EstimatedSize() btcunit.VByte {
	size := txsizes.EstimateSerializeSize(len(u.Tx.TxIn), u.Tx.TxOut, false)
	return btcunit.NewVByteFromSize(size)
}

// FeeRate returns the effective fee rate based on EstimatedSize.
func (u *UnsignedTransaction) FeeRate() btcunit.SatPerKVByte {
	return btcunit.CalcSatPerKVByte(u.Fee, u.EstimatedSize())
}

// Hex returns the hex encoded serialized transaction.
func (u *UnsignedTransaction) Hex() (string, error) {
	var buf bytes.Buffer
	buf.Grow(u.Tx.SerializeSize())
	if err := u.Tx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// PSBT returns the transaction as a base64 encoded PSBT packet so it can be
// inspected or signed elsewhere. Witness inputs carry their spent output.
func (u *UnsignedTransaction) PSBT() (string, error) {
	packet, err := psbt.NewFromUnsignedTx(u.Tx)
	if err != nil {
		return "", err
	}

	for i, input := range u.Inputs {
		if txscript.IsWitnessProgram(input.PkScript) {
			packet.Inputs[i].WitnessUtxo = input.TxOut()
		}
	}

	return packet.B64Encode()
}

// TxAssembler turns a coin selection into an unsigned transaction.
type TxAssembler struct {
	cfg AssemblerConfig
}

// NewTxAssembler returns an assembler using the given options.
func NewTxAssembler(cfg AssemblerConfig) (*TxAssembler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.RelayFeePerKb == 0 {
		cfg.RelayFeePerKb = txrules.DefaultRelayFeePerKb
	}

	return &TxAssembler{cfg: cfg}, nil
}

// isDust returns true if a change output of amt paying to pkScript would be
// dust. A nil script is judged as P2PKH.
func (a *TxAssembler) isDust(amt btcutil.Amount, pkScript []byte) bool {
	if a.cfg.DustThreshold > 0 {
		return amt < a.cfg.DustThreshold
	}

	if len(pkScript) == 0 {
		pkScript = payeePlaceholder.PkScript
	}

	return txrules.IsDustOutput(
		wire.NewTxOut(int64(amt), pkScript), a.cfg.RelayFeePerKb,
	)
}

// ChangeRequired returns true if the selection leaves change that is worth
// a P2PKH output, i.e. a change address is needed.
func (a *TxAssembler) ChangeRequired(sel *CoinSelection) bool {
	return sel.Change > 0 && !a.isDust(sel.Change, nil)
}

// Assemble builds the unsigned transaction spending the selected outputs to
// payee, sending any change that is not dust to change. The selection is
// checked again so that a transaction not conserving value is never signed.
func (a *TxAssembler) Assemble(sel *CoinSelection, payee btcutil.Address,
	payeeAmount btcutil.Amount,
	change fn.Option[btcutil.Address]) (*UnsignedTransaction, error) {

	if sel == nil || len(sel.Inputs) == 0 {
		return nil, ErrMissingInputs
	}

	var inputTotal btcutil.Amount
	for _, input := range sel.Inputs {
		inputTotal += input.Amount
	}
	if inputTotal != sel.Total {
		return nil, fmt.Errorf("%w: inputs sum to %v, selection "+
			"claims %v", ErrValueMismatch, inputTotal, sel.Total)
	}

	changeAmt := inputTotal - payeeAmount - sel.Fee
	if sel.Fee < 0 || changeAmt < 0 || changeAmt != sel.Change {
		return nil, fmt.Errorf("%w: total %v, payee %v, fee %v, "+
			"change %v", ErrValueMismatch, inputTotal, payeeAmount,
			sel.Fee, sel.Change)
	}

	payeeOut, err := a.txOut(payee, payeeAmount)
	if err != nil {
		return nil, fmt.Errorf("payee output: %w", err)
	}

	if err := txrules.CheckOutput(payeeOut, a.cfg.RelayFeePerKb); err != nil {
		return nil, fmt.Errorf("payee output of %v: %w", payeeAmount,
			err)
	}

	fee := sel.Fee

	var changeScript []byte
	if addr, err := change.UnwrapOrErr(ErrMissingChangeAddress); err == nil &&
		changeAmt > 0 {

		changeOut, err := a.txOut(addr, changeAmt)
		if err != nil {
			return nil, fmt.Errorf("change output: %w", err)
		}

		changeScript = changeOut.PkScript
	}

	var dustFolded btcutil.Amount
	if changeAmt > 0 && a.isDust(changeAmt, changeScript) {
		log.Debugf("Folding dust change of %v into the fee", changeAmt)

		dustFolded = changeAmt
		fee += changeAmt
		changeAmt = 0
	}

	if a.cfg.MaxFee > 0 && fee > a.cfg.MaxFee {
		return nil, fmt.Errorf("%w: %v, max is %v", ErrFeeTooHigh, fee,
			a.cfg.MaxFee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, input := range sel.Inputs {
		tx.AddTxIn(wire.NewTxIn(&input.OutPoint, nil, nil))
	}

	tx.AddTxOut(payeeOut)
	outputs := []TxOutput{{Address: payee, Amount: payeeAmount}}

	changeIndex := noChangeIndex
	if changeAmt > 0 {
		changeAddr, err := change.UnwrapOrErr(ErrMissingChangeAddress)
		if err != nil {
			return nil, err
		}

		changeOut, err := a.txOut(changeAddr, changeAmt)
		if err != nil {
			return nil, fmt.Errorf("change output: %w", err)
		}

		changeIndex = len(tx.TxOut)
		tx.AddTxOut(changeOut)
		outputs = append(outputs, TxOutput{
			Address: changeAddr,
			Amount:  changeAmt,
		})
	}

	// Value must be conserved exactly: inputs = outputs + fee.
	outputTotal := txauthor.SumOutputValues(tx.TxOut)
	if inputTotal != outputTotal+fee {
		return nil, fmt.Errorf("%w: inputs %v != outputs %v + fee %v",
			ErrValueMismatch, inputTotal, outputTotal, fee)
	}

	return &UnsignedTransaction{
		Tx:          tx,
		Inputs:      sel.Inputs,
		Outputs:     outputs,
		InputTotal:  inputTotal,
		Fee:         fee,
		ChangeIndex: changeIndex,
		DustFolded:  dustFolded,
	}, nil
}

// txOut creates an output paying amt to addr after checking the address
// belongs to the configured network.
func (a *TxAssembler) txOut(addr btcutil.Address,
	amt btcutil.Amount) (*wire.TxOut, error) {

	if addr == nil {
		return nil, errors.New("missing address")
	}

	if !addr.IsForNet(a.cfg.ChainParams) {
		return nil, fmt.Errorf("%w: %v is not a %v address",
			ErrWrongNetwork, addr, a.cfg.ChainParams.Name)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(int64(amt), pkScript), nil
}
