package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
)

// TestMapBroadcastErr checks that daemon replies are classified as definitive
// while transport failures leave the outcome unknown.
func TestMapBroadcastErr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		err        error
		expected   []error
		unexpected []error
	}{
		{
			name: "already in mempool",
			err: &btcjson.RPCError{
				Code:    rpcVerify,
				Message: "txn-already-in-mempool",
			},
			expected:   []error{ErrTxAlreadyKnown},
			unexpected: []error{ErrBroadcastRejected},
		},
		{
			name: "already in chain",
			err: &btcjson.RPCError{
				Code:    rpcVerifyAlreadyInChain,
				Message: "transaction already in block chain",
			},
			expected: []error{ErrTxAlreadyKnown},
		},
		{
			name: "missing inputs",
			err: &btcjson.RPCError{
				Code:    rpcVerify,
				Message: "Missing inputs",
			},
			expected: []error{ErrBroadcastRejected, ErrDoubleSpend},
		},
		{
			name: "mempool conflict",
			err: &btcjson.RPCError{
				Code:    rpcVerifyRejected,
				Message: "258: txn-mempool-conflict",
			},
			expected: []error{ErrBroadcastRejected, ErrDoubleSpend},
		},
		{
			name: "policy rejection",
			err: &btcjson.RPCError{
				Code:    rpcVerifyRejected,
				Message: "64: dust",
			},
			expected:   []error{ErrBroadcastRejected},
			unexpected: []error{ErrDoubleSpend},
		},
		{
			name: "decode failure",
			err: &btcjson.RPCError{
				Code:    rpcDeserialization,
				Message: "TX decode failed",
			},
			expected: []error{ErrBroadcastRejected},
		},
		{
			name: "warming up",
			err: &btcjson.RPCError{
				Code:    rpcInWarmup,
				Message: "Loading block index...",
			},
			expected:   []error{ErrRPCUnavailable},
			unexpected: []error{ErrBroadcastRejected},
		},
		{
			name:       "connection reset",
			err:        errors.New("connection reset by peer"),
			expected:   []error{ErrRPCUnavailable},
			unexpected: []error{ErrBroadcastRejected},
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("%w: sendrawtransaction", ErrTimeout),
			expected:   []error{ErrTimeout},
			unexpected: []error{ErrBroadcastRejected, ErrRPCUnavailable},
		},
		{
			name:     "deadline",
			err:      context.DeadlineExceeded,
			expected: []error{ErrTimeout},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := MapBroadcastErr(tc.err)
			for _, e := range tc.expected {
				require.ErrorIs(t, err, e)
			}
			for _, e := range tc.unexpected {
				require.NotErrorIs(t, err, e)
			}
		})
	}
}

// TestMapSignErr checks the classification of signing failures.
func TestMapSignErr(t *testing.T) {
	t.Parallel()

	err := mapSignErr("signrawtransaction", &btcjson.RPCError{
		Code:    rpcWalletUnlockNeeded,
		Message: "Error: Please enter the wallet passphrase",
	})
	require.ErrorIs(t, err, ErrWalletLocked)

	err = mapSignErr("signrawtransaction", &btcjson.RPCError{
		Code:    rpcDeserialization,
		Message: "TX decode failed",
	})
	require.ErrorIs(t, err, ErrSigningFailed)

	err = mapSignErr("signrawtransaction", errors.New("EOF"))
	require.ErrorIs(t, err, ErrRPCUnavailable)
	require.NotErrorIs(t, err, ErrSigningFailed)
}

// TestMapUnlockErr checks the classification of unlock failures.
func TestMapUnlockErr(t *testing.T) {
	t.Parallel()

	err := mapUnlockErr("walletpassphrase", &btcjson.RPCError{
		Code:    rpcWalletPassphraseIncorrect,
		Message: "incorrect",
	})
	require.ErrorIs(t, err, ErrWrongPassphrase)

	err = mapUnlockErr("walletpassphrase", &btcjson.RPCError{
		Code:    rpcWalletWrongEncState,
		Message: "running with an unencrypted wallet",
	})
	require.ErrorIs(t, err, ErrSigningFailed)
}
