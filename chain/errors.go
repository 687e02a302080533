package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
)

var (
	// ErrRPCUnavailable is returned when the wallet daemon cannot be
	// reached or does not produce a usable answer.
	ErrRPCUnavailable = errors.New("rpc unavailable")

	// ErrTimeout is returned when a call did not complete within its
	// deadline. The outcome of the call on the daemon side is unknown.
	ErrTimeout = errors.New("rpc call timed out")

	// ErrInvalidResponse is returned when the daemon answered with a result
	// that cannot be decoded.
	ErrInvalidResponse = errors.New("invalid rpc response")

	// ErrWalletLocked is returned when the daemon refuses to sign because
	// the wallet is encrypted and locked.
	ErrWalletLocked = errors.New("wallet is locked")

	// ErrWrongPassphrase is returned when unlocking the wallet fails due to
	// an incorrect passphrase.
	ErrWrongPassphrase = errors.New("wallet passphrase incorrect")

	// ErrSigningFailed is returned when the daemon rejects a signing
	// request.
	ErrSigningFailed = errors.New("signing failed")

	// ErrSigningIncomplete is returned when the daemon signed only some of
	// the inputs, e.g. because it holds no key for one of them.
	ErrSigningIncomplete = errors.New("incomplete raw tx signatures")

	// ErrBroadcastRejected is returned when the daemon answered a broadcast
	// with a definitive rejection. Nothing was relayed.
	ErrBroadcastRejected = errors.New("tx rejected by daemon")

	// ErrDoubleSpend is returned alongside ErrBroadcastRejected when the
	// rejection was caused by inputs that are already spent.
	ErrDoubleSpend = errors.New("tx inputs already spent")

	// ErrTxAlreadyKnown is returned when the daemon already has the exact
	// same transaction in its mempool or chain.
	ErrTxAlreadyKnown = errors.New("tx already known")
)

// Error codes returned by the wallet daemon's JSON-RPC server.
const (
	rpcInvalidAddressOrKey       btcjson.RPCErrorCode = -5
	rpcWalletUnlockNeeded        btcjson.RPCErrorCode = -13
	rpcWalletPassphraseIncorrect btcjson.RPCErrorCode = -14
	rpcWalletWrongEncState       btcjson.RPCErrorCode = -15
	rpcDeserialization           btcjson.RPCErrorCode = -22
	rpcVerify                    btcjson.RPCErrorCode = -25
	rpcVerifyRejected            btcjson.RPCErrorCode = -26
	rpcVerifyAlreadyInChain      btcjson.RPCErrorCode = -27
	rpcInWarmup                  btcjson.RPCErrorCode = -28
)

// knownTxReasons are reject reasons meaning the daemon already has the tx.
var knownTxReasons = []string{
	"txn-already-in-mempool",
	"txn-already-known",
	"transaction already in block chain",
}

// conflictReasons are reject reasons meaning at least one input has been
// spent by another transaction.
var conflictReasons = []string{
	"txn-mempool-conflict",
	"bad-txns-inputs-spent",
	"bad-txns-inputs-missingorspent",
	"missing-inputs",
	"missing inputs",
}

// containsAny reports whether msg contains any of the given reasons, ignoring
// case.
func containsAny(msg string, reasons []string) bool {
	msg = strings.ToLower(msg)
	for _, reason := range reasons {
		if strings.Contains(msg, reason) {
			return true
		}
	}

	return false
}

// mapTransportErr maps an error that is not a daemon reply to the gateway's
// taxonomy. Errors already carrying one of our sentinels are returned as is.
func mapTransportErr(method string, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRPCUnavailable):
		return err

	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, method, err)
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcInWarmup {
		return fmt.Errorf("%w: %s: daemon warming up: %s",
			ErrRPCUnavailable, method, rpcErr.Message)
	}

	return fmt.Errorf("%w: %s: %w", ErrRPCUnavailable, method, err)
}

// mapSignErr maps an error returned from a signing call.
func mapSignErr(method string, err error) error {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code == rpcInWarmup {
		return mapTransportErr(method, err)
	}

	switch rpcErr.Code {
	case rpcWalletUnlockNeeded:
		return fmt.Errorf("%w: %s", ErrWalletLocked, rpcErr.Message)

	case rpcInvalidAddressOrKey, rpcDeserialization:
		return fmt.Errorf("%w: %s", ErrSigningFailed, rpcErr.Message)

	default:
		return fmt.Errorf("%w: code %d: %s", ErrSigningFailed,
			rpcErr.Code, rpcErr.Message)
	}
}

// mapUnlockErr maps an error returned from a wallet unlock call.
func mapUnlockErr(method string, err error) error {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code == rpcInWarmup {
		return mapTransportErr(method, err)
	}

	switch rpcErr.Code {
	case rpcWalletPassphraseIncorrect:
		return fmt.Errorf("%w: %s", ErrWrongPassphrase, rpcErr.Message)

	case rpcWalletWrongEncState:
		return fmt.Errorf("%w: wallet is not encrypted: %s",
			ErrSigningFailed, rpcErr.Message)

	default:
		return fmt.Errorf("%w: code %d: %s", ErrSigningFailed,
			rpcErr.Code, rpcErr.Message)
	}
}

// MapBroadcastErr maps an error returned from sendrawtransaction. A daemon
// reply is always definitive: the tx was either rejected or is already
// known. Anything else leaves the outcome unknown and is reported as
// ErrTimeout or ErrRPCUnavailable.
func MapBroadcastErr(err error) error {
	const method = "sendrawtransaction"

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code == rpcInWarmup {
		return mapTransportErr(method, err)
	}

	switch {
	case rpcErr.Code == rpcVerifyAlreadyInChain,
		containsAny(rpcErr.Message, knownTxReasons):

		return fmt.Errorf("%w: %s", ErrTxAlreadyKnown, rpcErr.Message)

	case containsAny(rpcErr.Message, conflictReasons):
		return fmt.Errorf("%w: %w: %s", ErrBroadcastRejected,
			ErrDoubleSpend, rpcErr.Message)

	case rpcErr.Code == rpcVerify, rpcErr.Code == rpcVerifyRejected,
		rpcErr.Code == rpcDeserialization:

		return fmt.Errorf("%w: %s", ErrBroadcastRejected,
			rpcErr.Message)

	default:
		return fmt.Errorf("%w: code %d: %s", ErrBroadcastRejected,
			rpcErr.Code, rpcErr.Message)
	}
}
