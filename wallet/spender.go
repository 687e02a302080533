// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultUnlockTimeout is how long the wallet is unlocked for signing.
const DefaultUnlockTimeout = time.Minute

// Stage names the step of a spend at which a failure happened.
type Stage uint8

const (
	// StageCatalog is the listing of the wallet's unspent outputs.
	StageCatalog Stage = iota

	// StageSelection is the choice of inputs.
	StageSelection

	// StageAssembly is the construction of the unsigned transaction,
	// including the change address request.
	StageAssembly

	// StageSigning is the wallet unlock and signing by the daemon.
	StageSigning

	// StageBroadcast is the submission of the signed transaction.
	StageBroadcast
)

// String returns the name of the stage.
func (s Stage) String() string {
	switch s {
	case StageCatalog:
		return "catalog"
	case StageSelection:
		return "selection"
	case StageAssembly:
		return "assembly"
	case StageSigning:
		return "signing"
	case StageBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// SpendError is returned by Spend. It records the stage that failed.
type SpendError struct {
	// Stage is where the spend stopped.
	Stage Stage

	// TxID is the id of the signed transaction, set for broadcast
	// failures.
	TxID fn.Option[chainhash.Hash]

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SpendError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpendError) Unwrap() error {
	return e.Err
}

// FundsMayHaveMoved returns true if the transaction may have reached the
// network even though the spend failed. This is the case for broadcast
// failures other than a definitive rejection by the daemon.
func (e *SpendError) FundsMayHaveMoved() bool {
	return e.Stage == StageBroadcast &&
		!errors.Is(e.Err, chain.ErrBroadcastRejected)
}

// SpendRequest describes a payment.
type SpendRequest struct {
	// Account restricts the inputs to one wallet account.
	Account fn.Option[string]

	// Payee is the address to pay.
	Payee btcutil.Address

	// Amount is the payment amount.
	Amount btcutil.Amount

	// Fee determines the fee.
	Fee FeePolicy

	// FeeDeduction selects who pays the fee.
	FeeDeduction FeeDeduction

	// Inputs selects explicit coin control or automatic selection.
	Inputs Inputs

	// FromAddresses restricts the inputs to outputs paying to one of
	// these addresses. Empty means any address.
	FromAddresses []btcutil.Address

	// ChangeAddress receives the change. If unset, change goes to the
	// last of FromAddresses, or to a fresh address requested from the
	// wallet.
	ChangeAddress fn.Option[btcutil.Address]

	// ChangeAccount is the account asked for a fresh change address. It
	// defaults to Account, then the wallet's default change account.
	ChangeAccount fn.Option[string]

	// DryRun stops the spend after assembly.
	DryRun bool
}

// SpendResult describes a finished spend.
type SpendResult struct {
	// TxID is the id of the broadcast transaction. It is unset for a
	// dry run.
	TxID fn.Option[chainhash.Hash]

	// Selection is the coin selection the transaction spends.
	Selection *CoinSelection

	// Unsigned is the assembled transaction.
	Unsigned *UnsignedTransaction

	// Signed is the signed transaction. It is nil for a dry run.
	Signed *wire.MsgTx

	// AlreadyKnown is true if the daemon already had the transaction.
	AlreadyKnown bool
}

// SpenderConfig holds the collaborators and options of a Spender.
type SpenderConfig struct {
	// Gateway is the wallet daemon.
	Gateway chain.Gateway

	// ChainParams is the network the daemon runs on.
	ChainParams *chaincfg.Params

	// Catalog holds the options for listing outputs.
	Catalog CatalogConfig

	// DustThreshold, RelayFeePerKb and MaxFee are passed to the
	// assembler.
	DustThreshold btcutil.Amount
	RelayFeePerKb btcutil.Amount
	MaxFee        btcutil.Amount

	// PassphrasePrompt returns the wallet passphrase. If nil, a locked
	// wallet fails the signing stage.
	PassphrasePrompt func() ([]byte, error)

	// UnlockTimeout is how long the wallet is unlocked. Zero means
	// DefaultUnlockTimeout.
	UnlockTimeout time.Duration
}

// validate checks the required config options are set.
func (c *SpenderConfig) validate() error {
	if c == nil {
		return errors.New("missing spender config")
	}

	if c.Gateway == nil {
		return errors.New("missing gateway")
	}

	if c.ChainParams == nil {
		return errors.New("missing chain params config")
	}

	if c.UnlockTimeout < 0 {
		return errors.New("unlock timeout must not be negative")
	}

	return c.Catalog.validate()
}

// Spender sequences a payment: catalog, selection, assembly, signing and
// broadcast. Each stage runs at most once per Spend call.
type Spender struct {
	cfg       SpenderConfig
	assembler *TxAssembler
}

// NewSpender returns a Spender using the given config.
func NewSpender(cfg *SpenderConfig) (*Spender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	assembler, err := NewTxAssembler(AssemblerConfig{
		ChainParams:   cfg.ChainParams,
		DustThreshold: cfg.DustThreshold,
		RelayFeePerKb: cfg.RelayFeePerKb,
		MaxFee:        cfg.MaxFee,
	})
	if err != nil {
		return nil, err
	}

	spender := &Spender{
		cfg:       *cfg,
		assembler: assembler,
	}
	if spender.cfg.UnlockTimeout == 0 {
		spender.cfg.UnlockTimeout = DefaultUnlockTimeout
	}

	return spender, nil
}

// Spend pays req.Amount to req.Payee. Any failure stops the run and is
// returned as a *SpendError. Nothing is retried: a failed broadcast is never
// followed by a new signature or a new selection.
func (s *Spender) Spend(ctx context.Context,
	req *SpendRequest) (*SpendResult, error) {

	if req == nil {
		return nil, &SpendError{
			Stage: StageSelection,
			Err:   errors.New("nil spend request"),
		}
	}

	// Stage 1: Take a snapshot of the wallet's spendable outputs.
	catalog, err := BuildCatalog(ctx, s.cfg.Gateway, s.cfg.Catalog,
		req.Account)
	if err != nil {
		return nil, &SpendError{Stage: StageCatalog, Err: err}
	}

	// Stage 2: Choose the inputs. This never talks to the daemon.
	target, err := req.selectionTarget()
	if err != nil {
		return nil, &SpendError{Stage: StageSelection, Err: err}
	}

	sel, err := NewCoinSelector().Select(catalog, target)
	if err != nil {
		return nil, &SpendError{Stage: StageSelection, Err: err}
	}

	result := &SpendResult{Selection: sel}

	// Stage 3: Assemble the unsigned transaction. A change address is
	// only requested if there is change worth an output.
	unsigned, err := s.assemble(ctx, req, sel)
	if err != nil {
		return nil, &SpendError{Stage: StageAssembly, Err: err}
	}
	result.Unsigned = unsigned

	log.Infof("Assembled tx %v: %d inputs, payee %v, fee %v (%v), "+
		"dust folded %v", unsigned.Tx.TxHash(), len(unsigned.Inputs),
		sel.PayeeAmount, unsigned.Fee, unsigned.FeeRate(),
		unsigned.DustFolded)

	log.Tracef("Unsigned tx: %v", newLogClosure(func() string {
		return spew.Sdump(unsigned.Tx)
	}))

	if req.DryRun {
		return result, nil
	}

	// Stage 4: Have the daemon sign every input.
	signed, err := s.sign(ctx, unsigned)
	if err != nil {
		return nil, &SpendError{
			Stage: StageSigning,
			Err:   wrapErr(ErrSigningFailed, err),
		}
	}
	result.Signed = signed

	// Stage 5: Broadcast once.
	txid, known, err := s.broadcast(ctx, signed)
	if err != nil {
		return nil, &SpendError{
			Stage: StageBroadcast,
			TxID:  fn.Some(signed.TxHash()),
			Err:   wrapErr(ErrBroadcastFailed, err),
		}
	}
	result.TxID = fn.Some(txid)
	result.AlreadyKnown = known

	return result, nil
}

// selectionTarget translates the request into what the selector has to pay
// for.
func (r *SpendRequest) selectionTarget() (SelectionTarget, error) {
	target := SelectionTarget{
		Account:      r.Account,
		Amount:       r.Amount,
		Fee:          r.Fee,
		FeeDeduction: r.FeeDeduction,
		Inputs:       r.Inputs,
	}

	if r.Payee != nil {
		pkScript, err := txscript.PayToAddrScript(r.Payee)
		if err != nil {
			return target, fmt.Errorf("payee %v: %w", r.Payee, err)
		}

		target.PayeeScript = pkScript
	}

	if len(r.FromAddresses) > 0 {
		target.Addresses = fn.NewSet[string]()
		for _, addr := range r.FromAddresses {
			target.Addresses.Add(addr.EncodeAddress())
		}
	}

	return target, nil
}

// assemble picks the change address and builds the unsigned transaction.
func (s *Spender) assemble(ctx context.Context, req *SpendRequest,
	sel *CoinSelection) (*UnsignedTransaction, error) {

	change, err := s.changeAddress(ctx, req, sel)
	if err != nil {
		return nil, err
	}

	return s.assembler.Assemble(sel, req.Payee, sel.PayeeAmount, change)
}

// changeAddress returns the address receiving the change of sel. A fresh
// address is only requested if there is change worth an output and the
// request names no address.
func (s *Spender) changeAddress(ctx context.Context, req *SpendRequest,
	sel *CoinSelection) (fn.Option[btcutil.Address], error) {

	if req.ChangeAddress.IsSome() {
		return req.ChangeAddress, nil
	}

	if n := len(req.FromAddresses); n > 0 {
		addr := req.FromAddresses[n-1]
		log.Debugf("Returning change to from address %v", addr)

		return fn.Some(addr), nil
	}

	if !s.assembler.ChangeRequired(sel) {
		return fn.None[btcutil.Address](), nil
	}

	account := req.ChangeAccount.Alt(req.Account)
	addr, err := s.cfg.Gateway.GetRawChangeAddress(ctx, account)
	if err != nil {
		return fn.None[btcutil.Address](), fmt.Errorf("change "+
			"address: %w", err)
	}

	log.Debugf("Using change address %v", addr)

	return fn.Some(addr), nil
}

// sign unlocks the wallet if required and asks the daemon to sign tx. The
// signed transaction must spend and pay exactly what was assembled.
func (s *Spender) sign(ctx context.Context,
	unsigned *UnsignedTransaction) (*wire.MsgTx, error) {

	if err := s.unlockIfLocked(ctx); err != nil {
		return nil, err
	}

	signed, err := s.cfg.Gateway.SignRawTransaction(ctx, unsigned.Tx)
	if err != nil {
		return nil, err
	}

	if err := sameTransaction(unsigned.Tx, signed); err != nil {
		return nil, err
	}

	return signed, nil
}

// unlockIfLocked unlocks an encrypted, locked wallet using the configured
// passphrase prompt.
func (s *Spender) unlockIfLocked(ctx context.Context) error {
	state, err := s.cfg.Gateway.WalletLockState(ctx)
	if err != nil {
		// Not every daemon reports its lock state. Signing will tell.
		log.Warnf("Unable to query wallet lock state: %v", err)
		return nil
	}

	if state != chain.LockStateLocked {
		log.Debugf("Wallet is %v", state)
		return nil
	}

	if s.cfg.PassphrasePrompt == nil {
		return chain.ErrWalletLocked
	}

	passphrase, err := s.cfg.PassphrasePrompt()
	if err != nil {
		return fmt.Errorf("passphrase prompt: %w", err)
	}
	defer clear(passphrase)

	err = s.cfg.Gateway.UnlockWallet(ctx, passphrase, s.cfg.UnlockTimeout)
	if err != nil {
		return err
	}

	log.Infof("Wallet unlocked for %v", s.cfg.UnlockTimeout)

	return nil
}

// broadcast submits tx. A daemon that already knows the transaction counts
// as success.
func (s *Spender) broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, bool, error) {

	localID := tx.TxHash()

	txid, err := s.cfg.Gateway.SendRawTransaction(ctx, tx)
	switch {
	case errors.Is(err, chain.ErrTxAlreadyKnown):
		log.Infof("Tx %v already broadcasted", localID)
		return localID, true, nil

	case err != nil:
		log.Errorf("%v: broadcast failed: %v", localID, err)
		return chainhash.Hash{}, false, err
	}

	if !txid.IsEqual(&localID) {
		log.Warnf("Daemon reported txid %v for tx %v", txid, localID)
	}

	log.Infof("Broadcast tx %v", txid)

	return *txid, false, nil
}

// sameTransaction checks that signed spends the same outpoints and pays the
// same outputs as unsigned.
func sameTransaction(unsigned, signed *wire.MsgTx) error {
	if signed == nil {
		return fmt.Errorf("%w: daemon returned no transaction",
			ErrValueMismatch)
	}

	if len(unsigned.TxIn) != len(signed.TxIn) ||
		len(unsigned.TxOut) != len(signed.TxOut) {

		return fmt.Errorf("%w: signed tx has %d inputs and %d outputs, "+
			"want %d and %d", ErrValueMismatch, len(signed.TxIn),
			len(signed.TxOut), len(unsigned.TxIn),
			len(unsigned.TxOut))
	}

	for i, txIn := range unsigned.TxIn {
		if signed.TxIn[i].PreviousOutPoint != txIn.PreviousOutPoint {
			return fmt.Errorf("%w: signed input %d spends %v, want "+
				"%v", ErrValueMismatch, i,
				signed.TxIn[i].PreviousOutPoint,
				txIn.PreviousOutPoint)
		}
	}

	for i, txOut := range unsigned.TxOut {
		if signed.TxOut[i].Value != txOut.Value ||
			!bytes.Equal(signed.TxOut[i].PkScript, txOut.PkScript) {

			return fmt.Errorf("%w: signed output %d differs",
				ErrValueMismatch, i)
		}
	}

	return nil
}
