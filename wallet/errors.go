package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/spendfrom/chain"
)

var (
	// ErrRPCUnavailable is returned when the wallet daemon could not be
	// queried. It is the gateway's sentinel so errors.Is matches both.
	ErrRPCUnavailable = chain.ErrRPCUnavailable

	// ErrEmptyCatalog is returned when coins are selected from a catalog
	// holding no spendable outputs.
	ErrEmptyCatalog = errors.New("no spendable outputs available")

	// ErrInsufficientFunds is returned when the available outputs cannot
	// cover the payment plus fee. The concrete error is an
	// *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidOutputReference is returned when an explicitly requested
	// outpoint is unknown, repeated, already consumed or owned by another
	// account.
	ErrInvalidOutputReference = errors.New("invalid output reference")

	// ErrValueMismatch is returned when the value of a transaction does
	// not add up. It indicates a defect and aborts the run before any
	// signing happens.
	ErrValueMismatch = errors.New("transaction value mismatch")

	// ErrSigningFailed is returned when the wallet daemon could not sign
	// the transaction.
	ErrSigningFailed = chain.ErrSigningFailed

	// ErrBroadcastFailed is returned when a signed transaction could not
	// be broadcast.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrFeeTooHigh is returned when the fee exceeds the configured
	// maximum absolute fee.
	ErrFeeTooHigh = errors.New("fee exceeds maximum")

	// ErrMissingChangeAddress is returned when a transaction needs a
	// change output but no change address was supplied.
	ErrMissingChangeAddress = errors.New("missing change address")

	// ErrManualInputsEmpty is returned when manual inputs are specified but
	// the list is empty.
	ErrManualInputsEmpty = errors.New("manual inputs cannot be empty")

	// ErrDuplicatedUtxo is returned when a UTXO is specified multiple
	// times.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUtxoConsumed is returned when a UTXO was already used by a prior
	// selection of the same selector.
	ErrUtxoConsumed = errors.New("utxo already consumed")

	// ErrUnsupportedTxInputs is returned when the Inputs field of a
	// SelectionTarget is not of a supported type.
	ErrUnsupportedTxInputs = errors.New("unsupported tx inputs type")

	// ErrUnsupportedFeePolicy is returned when the Fee field of a
	// SelectionTarget is not of a supported type.
	ErrUnsupportedFeePolicy = errors.New("unsupported fee policy")

	// ErrMissingFee is returned when no fee policy is given.
	ErrMissingFee = errors.New("missing fee policy")

	// ErrFeeRateTooLarge is returned when a fee rate is larger than
	// DefaultMaxFeeRate.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrMissingFeeRate is returned when a zero fee rate is given.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrFeeExceedsAmount is returned when the fee is deducted from the
	// payee but is not smaller than the payment amount.
	ErrFeeExceedsAmount = errors.New("fee exceeds payment amount")

	// ErrInvalidAmount is returned for a zero or negative payment amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingInputs is returned when a transaction is assembled without
	// any inputs.
	ErrMissingInputs = errors.New("tx has no inputs")

	// ErrWrongNetwork is returned when an address does not belong to the
	// configured network.
	ErrWrongNetwork = errors.New("address is for a different network")
)

// InsufficientFundsError reports how much was needed and how much the
// eligible outputs could provide.
type InsufficientFundsError struct {
	// Needed is the payment amount plus the fee at the point the
	// candidates ran out.
	Needed btcutil.Amount

	// Available is the sum of all eligible outputs.
	Available btcutil.Amount

	// Shortfall is Needed minus Available.
	Shortfall btcutil.Amount
}

// newInsufficientFundsError returns an InsufficientFundsError for the given
// amounts.
func newInsufficientFundsError(needed,
	available btcutil.Amount) *InsufficientFundsError {

	return &InsufficientFundsError{
		Needed:    needed,
		Available: available,
		Shortfall: needed - available,
	}
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: need %v, have %v, short by %v",
		ErrInsufficientFunds, e.Needed, e.Available, e.Shortfall)
}

// Unwrap returns ErrInsufficientFunds so errors.Is matches the sentinel.
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// wrapErr wraps err with sentinel unless err already matches it.
func wrapErr(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}
