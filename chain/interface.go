package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// LockState describes the encryption state of the daemon's wallet.
type LockState uint8

const (
	// LockStateUnencrypted means the wallet has no passphrase and can
	// always sign.
	LockStateUnencrypted LockState = iota

	// LockStateLocked means the wallet is encrypted and currently locked.
	LockStateLocked

	// LockStateUnlocked means the wallet is encrypted but unlocked for a
	// limited time.
	LockStateUnlocked
)

// String returns a human-readable name of the lock state.
func (l LockState) String() string {
	switch l {
	case LockStateUnencrypted:
		return "unencrypted"
	case LockStateLocked:
		return "locked"
	case LockStateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Gateway is the capability surface of the wallet daemon used by the spend
// pipeline. All calls block until the daemon answers, the gateway's own
// timeout fires or the context is done.
type Gateway interface {
	// ListUnspent returns the wallet's unspent outputs having at least
	// minConfs confirmations. If account is set, only outputs attributed
	// to that account are returned.
	ListUnspent(ctx context.Context, minConfs int32,
		account fn.Option[string]) ([]btcjson.ListUnspentResult, error)

	// ListAccountBalances returns the daemon's own per-account balance
	// view for outputs with at least minConfs confirmations.
	ListAccountBalances(ctx context.Context, minConfs int32) (
		map[string]btcutil.Amount, error)

	// GetRawChangeAddress asks the wallet for a fresh change address. If
	// account is unset, the daemon's default change account is used.
	GetRawChangeAddress(ctx context.Context, account fn.Option[string]) (
		btcutil.Address, error)

	// WalletLockState reports whether the wallet is encrypted and locked.
	WalletLockState(ctx context.Context) (LockState, error)

	// UnlockWallet unlocks an encrypted wallet for the given duration.
	UnlockWallet(ctx context.Context, passphrase []byte,
		timeout time.Duration) error

	// SignRawTransaction asks the wallet to sign every input of tx. It
	// fails unless all inputs could be signed.
	SignRawTransaction(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx,
		error)

	// SendRawTransaction broadcasts a signed transaction and returns the
	// txid reported by the daemon.
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (
		*chainhash.Hash, error)
}
