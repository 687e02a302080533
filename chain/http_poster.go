package chain

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/tidwall/gjson"
)

// maxReplySize bounds the reply body read by httpPoster.
const maxReplySize = 1 << 20

// onceRequester delivers a JSON-RPC request to the daemon at most once.
type onceRequester interface {
	RequestOnce(ctx context.Context, method string,
		params []json.RawMessage) (json.RawMessage, error)
}

// httpPoster sends JSON-RPC 1.0 requests over HTTP POST. A failed request is
// never sent again, since a lost reply does not mean the daemon did not act
// on it.
type httpPoster struct {
	url    string
	user   string
	pass   string
	client *http.Client
}

// A compile-time check to ensure that httpPoster satisfies the onceRequester
// interface.
var _ onceRequester = (*httpPoster)(nil)

// newHTTPPoster returns a poster for the daemon described by conn, using its
// credentials and certificates.
func newHTTPPoster(conn *rpcclient.ConnConfig) (*httpPoster, error) {
	scheme := "http"

	var tlsConfig *tls.Config
	if !conn.DisableTLS {
		scheme = "https"

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(conn.Certificates) {
			return nil, errors.New("no usable rpc certificate")
		}

		tlsConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &httpPoster{
		url:  scheme + "://" + conn.Host,
		user: conn.User,
		pass: conn.Pass,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   tlsConfig,
				DisableKeepAlives: true,
			},
		},
	}, nil
}

// RequestOnce posts method with params and returns the result of the reply.
// An error reply is returned as a *btcjson.RPCError. Any other failure
// carries ErrTimeout or ErrRPCUnavailable.
func (p *httpPoster) RequestOnce(ctx context.Context, method string,
	params []json.RawMessage) (json.RawMessage, error) {

	body, err := json.Marshal(&btcjson.Request{
		Jsonrpc: btcjson.RpcVersion1,
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRPCUnavailable, method,
			err)
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.user, p.pass)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(method, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, mapTransportErr(method, err)
	}

	// The daemon answers errors with a non-2xx status and a regular
	// JSON-RPC body, so the body decides.
	if !gjson.ValidBytes(reply) {
		return nil, fmt.Errorf("%w: %s: status code %d: %q",
			ErrRPCUnavailable, method, resp.StatusCode, reply)
	}

	rpcErr := gjson.GetBytes(reply, "error")
	if rpcErr.IsObject() {
		return nil, btcjson.NewRPCError(
			btcjson.RPCErrorCode(rpcErr.Get("code").Int()),
			rpcErr.Get("message").String(),
		)
	}

	result := gjson.GetBytes(reply, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("%w: %s: reply without result",
			ErrInvalidResponse, method)
	}

	return json.RawMessage(result.Raw), nil
}
