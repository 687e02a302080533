package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errMock = errors.New("mock error")
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams
)

// testHash returns a hash made of the repeated seed byte.
func testHash(seed byte) chainhash.Hash {
	var hash chainhash.Hash
	copy(hash[:], bytes.Repeat([]byte{seed}, chainhash.HashSize))

	return hash
}

// testAddr returns a regtest P2PKH address derived from the seed byte.
func testAddr(t *testing.T, seed byte) btcutil.Address {
	t.Helper()

	addr, err := btcutil.NewAddressPubKeyHash(
		bytes.Repeat([]byte{seed}, 20), &chainParams,
	)
	require.NoError(t, err)

	return addr
}

// unspent describes a wallet output returned by the mocked listunspent.
type unspent struct {
	txSeed  byte
	vout    uint32
	account string
	amount  float64
	confs   int64
}

// listUnspentResult converts the description into the daemon's result
// format. The output pays to an address derived from txSeed.
func (u unspent) listUnspentResult(t *testing.T) btcjson.ListUnspentResult {
	t.Helper()

	addr := testAddr(t, u.txSeed)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	confs := u.confs
	if confs == 0 {
		confs = 6
	}

	hash := testHash(u.txSeed)

	return btcjson.ListUnspentResult{
		TxID:          hash.String(),
		Vout:          u.vout,
		Address:       addr.EncodeAddress(),
		Account:       u.account,
		ScriptPubKey:  hex.EncodeToString(pkScript),
		Amount:        u.amount,
		Confirmations: confs,
		Spendable:     true,
	}
}

// outPoint returns the outpoint of the described output.
func (u unspent) outPoint() wire.OutPoint {
	return wire.OutPoint{Hash: testHash(u.txSeed), Index: u.vout}
}

// listUnspentResults converts the given descriptions.
func listUnspentResults(t *testing.T,
	utxos ...unspent) []btcjson.ListUnspentResult {

	t.Helper()

	results := make([]btcjson.ListUnspentResult, 0, len(utxos))
	for _, u := range utxos {
		results = append(results, u.listUnspentResult(t))
	}

	return results
}

// newTestCatalog builds a catalog over a mocked gateway listing the given
// outputs.
func newTestCatalog(t *testing.T, utxos ...unspent) *Catalog {
	t.Helper()

	gateway := &mockGateway{}
	gateway.On("ListUnspent", mock.Anything, int32(DefaultMinConfs),
		fn.None[string]()).Return(listUnspentResults(t, utxos...), nil).
		Once()

	catalog, err := BuildCatalog(
		t.Context(), gateway, DefaultCatalogConfig(), fn.None[string](),
	)
	require.NoError(t, err)
	gateway.AssertExpectations(t)

	return catalog
}

// btc converts whole coins to an amount.
func btc(t *testing.T, coins float64) btcutil.Amount {
	t.Helper()

	amt, err := btcutil.NewAmount(coins)
	require.NoError(t, err)

	return amt
}
