// Package node talks to the Ravencoin daemon: JSON-RPC for templates, block
// submission and KawPow evaluation, ZMQ for new-block notifications.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/bytedance/sonic"

	"github.com/bardlex/kawpool/pkg/circuit"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/retry"
)

// RPC is the subset of the daemon API the pool uses.
type RPC interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBestBlockHash(ctx context.Context) (string, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetDifficulty(ctx context.Context) (float64, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	RawRequest(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Close()
}

var _ RPC = (*RPCClient)(nil)

// RPCClient wraps btcd's rpcclient with a circuit breaker and retries.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a client for the daemon at addr (host:port). No
// connection is made until the first call.
func NewRPCClient(addr, username, password string) (*RPCClient, error) {
	return newRPCClient(addr, username, password, &circuit.Config{
		Name:            "node_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}, retry.NetworkConfig())
}

// NewHashClient creates a client reserved for share verification. It has its
// own connection and breaker, so slow or failing evaluations never hold up
// template polling, and it makes a single attempt per call.
func NewHashClient(addr, username, password string) (*RPCClient, error) {
	return newRPCClient(addr, username, password, &circuit.Config{
		Name:            "node_hash",
		MaxFailures:     10,
		SuccessRequired: 2,
		Timeout:         5 * time.Second,
		ResetTimeout:    30 * time.Second,
	}, &retry.Config{MaxAttempts: 1})
}

func newRPCClient(addr, username, password string, breaker *circuit.Config, retryConfig *retry.Config) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         addr,
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("addr", addr)
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(breaker),
		retryConfig:    retryConfig,
	}, nil
}

// await waits for an rpcclient future until ctx ends. rpcclient has no
// per-request deadline, so an abandoned receive finishes in the background.
func await[T any](ctx context.Context, receive func() (T, error)) (T, error) {
	type reply struct {
		v   T
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		v, err := receive()
		ch <- reply{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a template for mining.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := await(ctx, c.client.GetBlockTemplateAsync(req).Receive)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_template",
					"failed to retrieve block template")
			}
			return template, nil
		})
	})
}

func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			hash, err := await(ctx, c.client.GetBestBlockHashAsync().Receive)
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeNode, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return hash.String(), nil
		})
	})
}

func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := await(ctx, c.client.GetBlockCountAsync().Receive)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_block_count",
					"failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (float64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (float64, error) {
			difficulty, err := await(ctx, c.client.GetDifficultyAsync().Receive)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_difficulty",
					"failed to retrieve network difficulty")
			}
			return difficulty, nil
		})
	})
}

// SubmitBlock sends a serialized block to the daemon. KawPow headers do not
// fit btcd's wire.BlockHeader, so the hex goes out through a raw request and
// the daemon's verdict string is turned into an error.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	if _, err := hex.DecodeString(blockHex); err != nil || blockHex == "" {
		return errors.New(errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, retry.SubmitConfig(), func() error {
			raw, err := c.rawRequest(ctx, "submitblock", blockHex)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "submit_block",
					"failed to submit block")
			}
			return submitVerdict(raw)
		})
	})
}

// submitVerdict maps submitblock's result: null on success, otherwise a
// BIP22 reason string such as "duplicate" or "high-hash".
func submitVerdict(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var reason string
	if err := sonic.Unmarshal(raw, &reason); err != nil {
		reason = string(raw)
	}
	return errors.New(errors.ErrorTypeValidation, "submit_block", "block rejected by node").
		WithContext("reason", reason)
}

// RawRequest issues an arbitrary RPC method. Each param is JSON encoded.
func (c *RPCClient) RawRequest(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (json.RawMessage, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (json.RawMessage, error) {
			raw, err := c.rawRequest(ctx, method, params...)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, method,
					"raw request failed")
			}
			return raw, nil
		})
	})
}

func (c *RPCClient) rawRequest(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return await(ctx, c.client.RawRequestAsync(method, encoded).Receive)
}

func encodeParams(params []any) ([]json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := sonic.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode_params",
				"failed to encode RPC parameter")
		}
		encoded = append(encoded, b)
	}
	return encoded, nil
}

// Ping checks connectivity to the daemon.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			_, err := await(ctx, func() (struct{}, error) {
				return struct{}{}, c.client.PingAsync().Receive()
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"node connectivity check failed")
			}
			return nil
		})
	})
}

// BreakerState reports the RPC circuit state for health checks.
func (c *RPCClient) BreakerState() circuit.State {
	return c.circuitBreaker.GetState()
}
