// Package client wraps the ledger JSON-RPC endpoint with the rate limiting
// and retry behavior every upstream call goes through. Scanners and the
// attribution resolver see a clean interface; transient provider failures are
// absorbed here.
package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/menagerie-labs/chainwatch/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy
	Logger            *zap.Logger
}

// Client wraps the Ethereum JSON-RPC client. Every call is rate limited and
// retried under the configured policy before its error reaches a caller.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	endpoint  string
	logger    *zap.Logger
}

// NewClient dials the endpoint and verifies the connection.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	client := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		policy:    policy,
		endpoint:  cfg.Endpoint,
		logger:    logger.Named("client"),
	}

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to ledger RPC",
		zap.String("endpoint", cfg.Endpoint))

	return client, nil
}

// Ping verifies the connection to the RPC endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connection.
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// EthClient returns the underlying ethclient.Client.
func (c *Client) EthClient() *ethclient.Client {
	return c.ethClient
}

// call runs fn under the rate limiter and retry policy.
func (c *Client) call(ctx context.Context, label string, fn func(context.Context) error) error {
	return c.policy.Do(ctx, label, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		number, err := c.ethClient.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = number
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get head block: %w", err)
	}
	return head, nil
}

// FilterLogs runs a getLogs query over [fromBlock, toBlock] against the given
// contract address and topic filter.
func (c *Client) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topics [][]common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    topics,
	}

	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		result, err := c.ethClient.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}
	return logs, nil
}

// TransactionReceipt fetches a transaction receipt.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		result, err := c.ethClient.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		receipt = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var chainID *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) error {
		result, err := c.ethClient.ChainID(ctx)
		if err != nil {
			return err
		}
		chainID = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var result []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context) error {
		out, err := c.ethClient.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	return result, nil
}
