package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout is the deadline applied to a single RPC call when
	// none is configured.
	DefaultTimeout = 30 * time.Second

	// DefaultSignMethod is the JSON-RPC method used to sign raw
	// transactions with the daemon's wallet keys.
	DefaultSignMethod = "signrawtransaction"

	// maxListConfs is the upper confirmation bound passed to listunspent.
	maxListConfs = 9999999
)

// rpcBackend is the subset of *rpcclient.Client used by RPCClient. It is
// satisfied by *rpcclient.Client or a stub for testing.
type rpcBackend interface {
	ListUnspentMinMax(minConf, maxConf int) ([]btcjson.ListUnspentResult,
		error)
	ListAccountsMinConf(minConf int) (map[string]btcutil.Amount, error)
	GetRawChangeAddress(account string) (btcutil.Address, error)
	WalletPassphrase(passphrase string, timeoutSecs int64) error
	RawRequest(method string, params []json.RawMessage) (json.RawMessage,
		error)
	Shutdown()
	WaitForShutdown()
}

// RPCClient is a Gateway backed by a wallet daemon's JSON-RPC interface.
type RPCClient struct {
	client      rpcBackend
	broadcaster onceRequester
	chainParams *chaincfg.Params
	timeout     time.Duration
	signMethod  string
}

// A compile-time check to ensure that RPCClient satisfies the chain.Gateway
// interface.
var _ Gateway = (*RPCClient)(nil)

// RPCClientConfig defines the config options used when initializing the RPC
// Client.
type RPCClientConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines the network by its parameters.
	Chain *chaincfg.Params

	// Timeout is the deadline for a single call. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// SignMethod overrides the JSON-RPC method used for signing, e.g.
	// signrawtransactionwithwallet on newer daemons.
	SignMethod string
}

// validate checks the required config options are set.
func (r *RPCClientConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	// Make sure the timeout is not negative.
	if r.Timeout < 0 {
		return errors.New("timeout must be positive")
	}

	// Make sure the chain params are configed.
	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	// Make sure connection config is supplied.
	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// NewRPCClientWithConfig creates a client for the wallet daemon based on the
// config options supplied. The client talks HTTP POST only, no connection is
// held open between calls. Broadcasts bypass rpcclient, which retries failed
// POSTs, and are sent exactly once.
func NewRPCClientWithConfig(cfg *RPCClientConfig) (*RPCClient, error) {
	// Make sure the config is valid.
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Conn.HTTPPostMode = true
	cfg.Conn.DisableConnectOnNew = true
	cfg.Conn.Params = cfg.Chain.Name

	poster, err := newHTTPPoster(cfg.Conn)
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpcclient.New(cfg.Conn, nil)
	if err != nil {
		return nil, err
	}

	return newRPCClient(rpcClient, poster, cfg), nil
}

// newRPCClient wraps the given backend using the options in cfg. Broadcasts
// go through broadcaster.
func newRPCClient(backend rpcBackend, broadcaster onceRequester,
	cfg *RPCClientConfig) *RPCClient {

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	signMethod := cfg.SignMethod
	if signMethod == "" {
		signMethod = DefaultSignMethod
	}

	return &RPCClient{
		client:      backend,
		broadcaster: broadcaster,
		chainParams: cfg.Chain,
		timeout:     timeout,
		signMethod:  signMethod,
	}
}

// Stop shuts down the underlying client and waits for in-flight requests to
// finish.
func (c *RPCClient) Stop() {
	c.client.Shutdown()
	c.client.WaitForShutdown()
}

// callWithTimeout runs f and waits for it until either the context is done or
// the timeout fires. A call abandoned this way may still complete on the
// daemon side.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration,
	method string, f func() (T, error)) (T, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}

	// The channel is buffered so the goroutine can exit even when nobody
	// is waiting for it anymore.
	resultChan := make(chan result, 1)
	go func() {
		val, err := f()
		resultChan <- result{val: val, err: err}
	}()

	var zero T
	select {
	case res := <-resultChan:
		return res.val, res.err

	case <-ctx.Done():
		err := ctx.Err()
		log.Warnf("RPC %v abandoned: %v", method, err)

		if errors.Is(err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s after %v", ErrTimeout,
				method, timeout)
		}

		return zero, fmt.Errorf("%w: %s: %w", ErrRPCUnavailable, method,
			err)
	}
}

// ListUnspent returns the wallet's unspent outputs having at least minConfs
// confirmations, optionally restricted to a single account.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) ListUnspent(ctx context.Context, minConfs int32,
	account fn.Option[string]) ([]btcjson.ListUnspentResult, error) {

	const method = "listunspent"

	utxos, err := callWithTimeout(
		ctx, c.timeout, method,
		func() ([]btcjson.ListUnspentResult, error) {
			return c.client.ListUnspentMinMax(
				int(minConfs), maxListConfs,
			)
		},
	)
	if err != nil {
		return nil, mapTransportErr(method, err)
	}

	log.Debugf("Daemon returned %d unspent outputs", len(utxos))

	// The daemon filters by address only, so the account restriction is
	// applied here.
	if account.IsNone() {
		return utxos, nil
	}

	name := account.UnwrapOr("")

	filtered := make([]btcjson.ListUnspentResult, 0, len(utxos))
	for _, utxo := range utxos {
		if utxo.Account == name {
			filtered = append(filtered, utxo)
		}
	}

	return filtered, nil
}

// ListAccountBalances returns the daemon's per-account balances.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) ListAccountBalances(ctx context.Context,
	minConfs int32) (map[string]btcutil.Amount, error) {

	const method = "listaccounts"

	balances, err := callWithTimeout(
		ctx, c.timeout, method,
		func() (map[string]btcutil.Amount, error) {
			return c.client.ListAccountsMinConf(int(minConfs))
		},
	)
	if err != nil {
		return nil, mapTransportErr(method, err)
	}

	return balances, nil
}

// GetRawChangeAddress asks the wallet for a fresh change address. Without an
// account the request carries no parameters, as newer daemons read the first
// one as an address type.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) GetRawChangeAddress(ctx context.Context,
	account fn.Option[string]) (btcutil.Address, error) {

	const method = "getrawchangeaddress"

	addr, err := callWithTimeout(
		ctx, c.timeout, method, func() (btcutil.Address, error) {
			if account.IsSome() {
				return c.client.GetRawChangeAddress(
					account.UnwrapOr(""),
				)
			}

			raw, err := c.client.RawRequest(
				method, []json.RawMessage{},
			)
			if err != nil {
				return nil, err
			}

			return c.decodeAddress(raw)
		},
	)
	if err != nil {
		return nil, mapTransportErr(method, err)
	}

	if !addr.IsForNet(c.chainParams) {
		return nil, fmt.Errorf("%w: change address %v is not for %v",
			ErrInvalidResponse, addr, c.chainParams.Name)
	}

	return addr, nil
}

// decodeAddress decodes an address result of the daemon.
func (c *RPCClient) decodeAddress(raw json.RawMessage) (btcutil.Address,
	error) {

	res := gjson.ParseBytes(raw)
	if res.Type != gjson.String {
		return nil, fmt.Errorf("%w: address result %s",
			ErrInvalidResponse, raw)
	}

	addr, err := btcutil.DecodeAddress(res.String(), c.chainParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return addr, nil
}

// WalletLockState queries getwalletinfo and reports whether the wallet is
// encrypted and locked. A wallet without the unlocked_until field is
// unencrypted.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) WalletLockState(ctx context.Context) (LockState, error) {
	const method = "getwalletinfo"

	raw, err := c.rawRequest(ctx, method, []json.RawMessage{})
	if err != nil {
		return 0, mapTransportErr(method, err)
	}

	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidResponse, method)
	}

	unlockedUntil := gjson.GetBytes(raw, "unlocked_until")
	switch {
	case !unlockedUntil.Exists():
		return LockStateUnencrypted, nil

	case unlockedUntil.Int() == 0:
		return LockStateLocked, nil

	default:
		return LockStateUnlocked, nil
	}
}

// UnlockWallet unlocks an encrypted wallet for the given duration.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) UnlockWallet(ctx context.Context, passphrase []byte,
	timeout time.Duration) error {

	const method = "walletpassphrase"

	secs := int64(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	_, err := callWithTimeout(
		ctx, c.timeout, method, func() (struct{}, error) {
			return struct{}{}, c.client.WalletPassphrase(
				string(passphrase), secs,
			)
		},
	)
	if err != nil {
		return mapUnlockErr(method, err)
	}

	log.Debugf("Wallet unlocked for %v", time.Duration(secs)*time.Second)

	return nil
}

// SignRawTransaction asks the wallet to sign all inputs of tx. The returned
// transaction is a new copy carrying the signatures.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) SignRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, error) {

	txHex, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}

	param, err := json.Marshal(txHex)
	if err != nil {
		return nil, err
	}

	raw, err := c.rawRequest(
		ctx, c.signMethod, []json.RawMessage{param},
	)
	if err != nil {
		return nil, mapSignErr(c.signMethod, err)
	}

	return parseSignResult(raw)
}

// parseSignResult decodes the result of a signing call. It has the form
// {"hex": "...", "complete": bool, "errors": [{"txid", "vout", "error"}]}.
func parseSignResult(raw json.RawMessage) (*wire.MsgTx, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: malformed sign result",
			ErrInvalidResponse)
	}

	res := gjson.ParseBytes(raw)
	if !res.Get("complete").Bool() {
		var reasons []string
		for _, e := range res.Get("errors").Array() {
			reasons = append(reasons, fmt.Sprintf("%s:%d: %s",
				e.Get("txid").String(), e.Get("vout").Int(),
				e.Get("error").String()))
		}

		log.Debugf("Daemon could not sign all inputs: %v", reasons)

		return nil, fmt.Errorf("%w: %s", ErrSigningIncomplete,
			strings.Join(reasons, "; "))
	}

	hexField := res.Get("hex")
	if hexField.Type != gjson.String {
		return nil, fmt.Errorf("%w: sign result without hex",
			ErrInvalidResponse)
	}

	signed, err := decodeTx(hexField.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return signed, nil
}

// SendRawTransaction broadcasts a signed transaction in a single request.
// Errors are mapped so that a daemon rejection is distinguishable from an
// unknown outcome.
//
// NOTE: This method is part of the chain.Gateway interface.
func (c *RPCClient) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	const method = "sendrawtransaction"

	txHex, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}

	param, err := json.Marshal(txHex)
	if err != nil {
		return nil, err
	}

	log.Tracef("Broadcasting tx %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := callWithTimeout(
		ctx, c.timeout, method, func() (json.RawMessage, error) {
			return c.broadcaster.RequestOnce(
				ctx, method, []json.RawMessage{param},
			)
		},
	)
	if err != nil {
		return nil, MapBroadcastErr(err)
	}

	txid := gjson.ParseBytes(raw)
	if txid.Type != gjson.String {
		// The daemon accepted the tx, only its reply is unusable. The
		// locally computed hash is the txid.
		log.Warnf("Unexpected %v result %s, using local txid", method,
			raw)

		hash := tx.TxHash()
		return &hash, nil
	}

	return chainhash.NewHashFromStr(txid.String())
}

// rawRequest issues a raw JSON-RPC request bounded by the client timeout.
func (c *RPCClient) rawRequest(ctx context.Context, method string,
	params []json.RawMessage) (json.RawMessage, error) {

	return callWithTimeout(
		ctx, c.timeout, method, func() (json.RawMessage, error) {
			return c.client.RawRequest(method, params)
		},
	)
}

// encodeTx serializes tx and returns its hex encoding.
func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// decodeTx parses a hex encoded transaction.
func decodeTx(txHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &tx, nil
}

// logClosure is used to provide a closure over expensive logging operations
// so they aren't performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
