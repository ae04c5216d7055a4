// Package evm pulls native and token balances for a wallet across enabled
// EVM chains over JSON-RPC.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/normalize"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ttlcache"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// nativeDecimals is fixed for EVM native coins.
const nativeDecimals uint8 = 18

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// nativeSymbols maps chain keys to their native coin symbol. Chains outside
// the map report the upper-cased chain key.
var nativeSymbols = map[string]string{
	"ethereum":  "ETH",
	"arbitrum":  "ETH",
	"optimism":  "ETH",
	"base":      "ETH",
	"polygon":   "MATIC",
	"bsc":       "BNB",
	"avalanche": "AVAX",
}

// ChainError is a per-chain failure collected into a fetch result. One
// chain failing never aborts the others.
type ChainError struct {
	ChainKey string
	Err      error
}

func (e ChainError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.ChainKey, e.Err)
}

// FetchResult carries the balances of the chains that succeeded plus the
// errors of those that did not.
type FetchResult struct {
	Balances []domain.RawBalance
	Errors   []ChainError
}

// rpcClient is the slice of ethclient the connector uses; narrowed for tests.
type rpcClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens an RPC connection for a chain. Production uses ethclient.Dial;
// tests substitute fakes.
type Dialer func(ctx context.Context, rpcURL string) (rpcClient, error)

// Client fetches wallet balances across chains.
type Client struct {
	limiter *ratelimit.Limiter
	cache   *ttlcache.Cache[string, string] // (chain|address|field) -> cached value
	dial    Dialer
	erc20   abi.ABI
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]rpcClient // keyed by rpc url
}

// NewClient creates a new EVM connector. cache memoizes chain reads such as
// token decimals; pass the shared chain-data cache.
func NewClient(limiter *ratelimit.Limiter, cache *ttlcache.Cache[string, string], log zerolog.Logger) *Client {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		// The ABI literal is a compile-time constant; failing to parse it is
		// a programming error.
		panic(fmt.Sprintf("erc20 abi: %v", err))
	}
	return &Client{
		limiter: limiter,
		cache:   cache,
		dial: func(ctx context.Context, rpcURL string) (rpcClient, error) {
			return ethclient.DialContext(ctx, rpcURL)
		},
		erc20:   parsed,
		clients: make(map[string]rpcClient),
		log:     log.With().Str("client", "evm").Logger(),
	}
}

// SetDialer replaces the RPC dialer. Test hook.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// FetchBalances pulls the native and token balances of one wallet across the
// given chains. Chains are fetched in parallel bounded by the shared limiter;
// per-chain failures are collected into the result, never propagated as a
// whole-sync failure. Returned quantities are normalized decimals and the
// asset refs are chain-suffixed for the resolver.
func (c *Client) FetchBalances(ctx context.Context, walletAddress string, chainList []domain.Chain, tokensByChain map[string][]domain.Token) (*FetchResult, error) {
	if !common.IsHexAddress(walletAddress) {
		return nil, domain.Validationf("wallet_address", "%q is not a valid address", walletAddress)
	}
	addr := common.HexToAddress(walletAddress)

	result := &FetchResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range chainList {
		chain := chain
		g.Go(func() error {
			balances, err := c.fetchChain(gctx, addr, chain, tokensByChain[chain.ChainKey])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, ChainError{ChainKey: chain.ChainKey, Err: err})
				c.log.Warn().Err(err).Str("chain", chain.ChainKey).Msg("Chain fetch failed")
				return nil // isolate the failure
			}
			result.Balances = append(result.Balances, balances...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// fetchChain reads one chain: native balance plus every registered token.
func (c *Client) fetchChain(ctx context.Context, addr common.Address, chain domain.Chain, tokens []domain.Token) ([]domain.RawBalance, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "rate limiter wait interrupted", err)
	}
	defer release()

	client, err := c.clientFor(ctx, chain.RPCURL)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "failed to dial rpc", err)
	}

	var balances []domain.RawBalance

	native, err := client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "native balance call failed", err)
	}
	if native.Sign() > 0 {
		qty, err := normalize.Normalize(native.String(), nativeDecimals)
		if err != nil {
			return nil, err
		}
		d := nativeDecimals
		balances = append(balances, domain.RawBalance{
			Symbol:    nativeSymbol(chain.ChainKey) + "-" + chain.ChainKey,
			Quantity:  qty,
			Available: qty,
			Decimals:  &d,
			ChainKey:  chain.ChainKey,
		})
	}

	for _, token := range tokens {
		raw, err := c.balanceOf(ctx, client, token, addr)
		if err != nil {
			return nil, err
		}
		if raw.Sign() == 0 {
			continue
		}
		dec, err := c.tokenDecimals(ctx, client, chain.ChainKey, token)
		if err != nil {
			return nil, err
		}
		qty, err := normalize.Normalize(raw.String(), dec)
		if err != nil {
			return nil, err
		}
		d := dec
		balances = append(balances, domain.RawBalance{
			Symbol:    token.Symbol + "-" + chain.ChainKey,
			Quantity:  qty,
			Available: qty,
			Decimals:  &d,
			ChainKey:  chain.ChainKey,
			Contract:  token.ContractAddress,
		})
	}

	return balances, nil
}

// balanceOf issues the eth_call for one token.
func (c *Client) balanceOf(ctx context.Context, client rpcClient, token domain.Token, owner common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "failed to pack balanceOf", err)
	}
	contract := common.HexToAddress(token.ContractAddress)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, fmt.Sprintf("balanceOf %s failed", token.Symbol), err)
	}
	results, err := c.erc20.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, domain.Ef(domain.KindUpstream, "unexpected balanceOf return for %s", token.Symbol)
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, domain.Ef(domain.KindUpstream, "balanceOf for %s did not return uint256", token.Symbol)
	}
	return value, nil
}

// tokenDecimals returns the token's decimals, preferring the registry row,
// then the chain-data cache, then a decimals() call.
func (c *Client) tokenDecimals(ctx context.Context, client rpcClient, chainKey string, token domain.Token) (uint8, error) {
	if token.Decimals > 0 {
		return token.Decimals, nil
	}

	cacheKey := chainKey + "|" + strings.ToLower(token.ContractAddress) + "|decimals"
	if cached, ok := c.cache.Get(cacheKey); ok {
		var d uint8
		if _, err := fmt.Sscanf(cached, "%d", &d); err == nil {
			return d, nil
		}
	}

	data, err := c.erc20.Pack("decimals")
	if err != nil {
		return 0, domain.Wrap(domain.KindInternal, "failed to pack decimals", err)
	}
	contract := common.HexToAddress(token.ContractAddress)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, domain.Wrap(domain.KindTransient, fmt.Sprintf("decimals() for %s failed", token.Symbol), err)
	}
	results, err := c.erc20.Unpack("decimals", out)
	if err != nil || len(results) != 1 {
		return 0, domain.Ef(domain.KindUpstream, "unexpected decimals return for %s", token.Symbol)
	}
	d, ok := results[0].(uint8)
	if !ok {
		return 0, domain.Ef(domain.KindUpstream, "decimals for %s did not return uint8", token.Symbol)
	}

	c.cache.Set(cacheKey, fmt.Sprintf("%d", d))
	return d, nil
}

// clientFor returns a memoized RPC client for the url.
func (c *Client) clientFor(ctx context.Context, rpcURL string) (rpcClient, error) {
	c.mu.Lock()
	if client, ok := c.clients[rpcURL]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	client, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[rpcURL]; ok {
		return existing, nil
	}
	c.clients[rpcURL] = client
	return client, nil
}

func nativeSymbol(chainKey string) string {
	if s, ok := nativeSymbols[chainKey]; ok {
		return s
	}
	return strings.ToUpper(chainKey)
}
