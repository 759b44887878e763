package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BalanceOracle reads the agent wallet's current balance. Staleness
// tolerance is the caller's responsibility.
type BalanceOracle interface {
	GetBalance(ctx context.Context, address common.Address) (decimal.Decimal, error)
}

// Options parameterise the chain balance oracle.
type Options struct {
	RPCURL  string
	Timeout time.Duration
}

// Chain reads native-token balances via Ethereum RPC.
type Chain struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds a chain-backed balance oracle.
func NewChain(opts Options, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "balance_oracle").Logger()}
}

// GetBalance returns the latest confirmed balance in whole token units.
func (c *Chain) GetBalance(ctx context.Context, address common.Address) (decimal.Decimal, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	wei, err := client.BalanceAt(ctx, address, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	return decimal.NewFromBigInt(wei, -18), nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ BalanceOracle = (*Chain)(nil)
