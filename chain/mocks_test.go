package chain

import (
	"context"
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/mock"
)

var _ rpcBackend = (*mockBackend)(nil)
var _ onceRequester = (*mockBackend)(nil)

// mockBackend is a mock implementation of the rpcBackend and onceRequester
// interfaces.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ListUnspentMinMax(minConf, maxConf int) (
	[]btcjson.ListUnspentResult, error) {

	args := m.Called(minConf, maxConf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]btcjson.ListUnspentResult), args.Error(1)
}

func (m *mockBackend) ListAccountsMinConf(minConf int) (
	map[string]btcutil.Amount, error) {

	args := m.Called(minConf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]btcutil.Amount), args.Error(1)
}

func (m *mockBackend) GetRawChangeAddress(account string) (btcutil.Address,
	error) {

	args := m.Called(account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(btcutil.Address), args.Error(1)
}

func (m *mockBackend) WalletPassphrase(passphrase string,
	timeoutSecs int64) error {

	args := m.Called(passphrase, timeoutSecs)
	return args.Error(0)
}

func (m *mockBackend) RawRequest(method string,
	params []json.RawMessage) (json.RawMessage, error) {

	args := m.Called(method, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *mockBackend) RequestOnce(ctx context.Context, method string,
	params []json.RawMessage) (json.RawMessage, error) {

	args := m.Called(ctx, method, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *mockBackend) Shutdown() {
	m.Called()
}

func (m *mockBackend) WaitForShutdown() {
	m.Called()
}
