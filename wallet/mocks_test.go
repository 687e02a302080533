package wallet

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendfrom/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
)

var _ chain.Gateway = (*mockGateway)(nil)

// mockGateway is a mock implementation of the chain.Gateway interface.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) ListUnspent(ctx context.Context, minConfs int32,
	account fn.Option[string]) ([]btcjson.ListUnspentResult, error) {

	args := m.Called(ctx, minConfs, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]btcjson.ListUnspentResult), args.Error(1)
}

func (m *mockGateway) ListAccountBalances(ctx context.Context,
	minConfs int32) (map[string]btcutil.Amount, error) {

	args := m.Called(ctx, minConfs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]btcutil.Amount), args.Error(1)
}

func (m *mockGateway) GetRawChangeAddress(ctx context.Context,
	account fn.Option[string]) (btcutil.Address, error) {

	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(btcutil.Address), args.Error(1)
}

func (m *mockGateway) WalletLockState(ctx context.Context) (chain.LockState,
	error) {

	args := m.Called(ctx)
	return args.Get(0).(chain.LockState), args.Error(1)
}

func (m *mockGateway) UnlockWallet(ctx context.Context, passphrase []byte,
	timeout time.Duration) error {

	args := m.Called(ctx, passphrase, timeout)
	return args.Error(0)
}

func (m *mockGateway) SignRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	// Allow the signed tx to be derived from the one passed in.
	if sign, ok := args.Get(0).(func(*wire.MsgTx) *wire.MsgTx); ok {
		return sign(tx), args.Error(1)
	}

	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

func (m *mockGateway) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	if txid, ok := args.Get(0).(func(*wire.MsgTx) *chainhash.Hash); ok {
		return txid(tx), args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}
