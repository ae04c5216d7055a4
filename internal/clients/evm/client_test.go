package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ttlcache"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walletAddr = "0x5d433A94a4A2AA8F9AA34d8D15692dc2E9960584"

// fakeRPC serves canned balances keyed by checksummed contract address.
type fakeRPC struct {
	native        *big.Int
	tokenBalances map[string]*big.Int
	tokenDecimals map[string]uint8
	decimalsCalls int
}

func (f *fakeRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if f.native == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.native), nil
}

func (f *fakeRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	contract := msg.To.Hex()
	key := common.HexToAddress(contract).Hex()
	switch {
	case len(msg.Data) == 4+32: // balanceOf(address)
		bal, ok := f.tokenBalances[key]
		if !ok {
			bal = big.NewInt(0)
		}
		return common.LeftPadBytes(bal.Bytes(), 32), nil
	case len(msg.Data) == 4: // decimals()
		f.decimalsCalls++
		d := f.tokenDecimals[key]
		return common.LeftPadBytes(big.NewInt(int64(d)).Bytes(), 32), nil
	default:
		return nil, errors.New("unexpected call data")
	}
}

func newTestClient(dialers map[string]rpcClient, dialErr map[string]error) *Client {
	cache := ttlcache.New[string, string](100, time.Minute)
	c := NewClient(ratelimit.NewLimiter(5, 0), cache, zerolog.Nop())
	c.SetDialer(func(ctx context.Context, rpcURL string) (rpcClient, error) {
		if err, ok := dialErr[rpcURL]; ok {
			return nil, err
		}
		return dialers[rpcURL], nil
	})
	return c
}

func usdcToken(decimals uint8) domain.Token {
	return domain.Token{
		ChainKey:        "ethereum",
		Symbol:          "USDC",
		ContractAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:        decimals,
		IsActive:        true,
	}
}

var ethereumChain = domain.Chain{
	ChainKey: "ethereum", NumericChainID: 1, RPCURL: "http://eth.local", IsActive: true,
}

func TestFetchBalancesNormalizesOnce(t *testing.T) {
	usdcAddr := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48").Hex()
	rpc := &fakeRPC{
		native:        big.NewInt(291725391649), // wei
		tokenBalances: map[string]*big.Int{usdcAddr: big.NewInt(706000000)},
	}
	client := newTestClient(map[string]rpcClient{"http://eth.local": rpc}, nil)

	result, err := client.FetchBalances(context.Background(), walletAddr,
		[]domain.Chain{ethereumChain},
		map[string][]domain.Token{"ethereum": {usdcToken(6)}})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Balances, 2)

	byRef := map[string]domain.RawBalance{}
	for _, b := range result.Balances {
		byRef[b.Symbol] = b
	}

	native := byRef["ETH-ethereum"]
	assert.Equal(t, "0.000000291725391649", native.Quantity.String(),
		"wei divides by 10^18 with full precision")
	require.NotNil(t, native.Decimals)
	assert.Equal(t, uint8(18), *native.Decimals)

	usdc := byRef["USDC-ethereum"]
	assert.Equal(t, "706", usdc.Quantity.String())
	assert.Equal(t, "ethereum", usdc.ChainKey)
	assert.Equal(t, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", usdc.Contract)
}

func TestFetchBalancesReadsDecimalsWhenUnknown(t *testing.T) {
	usdcAddr := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48").Hex()
	rpc := &fakeRPC{
		tokenBalances: map[string]*big.Int{usdcAddr: big.NewInt(1500000)},
		tokenDecimals: map[string]uint8{usdcAddr: 6},
	}
	client := newTestClient(map[string]rpcClient{"http://eth.local": rpc}, nil)

	// Registry row carries no decimals: the connector calls decimals() once
	// and memoizes it in the chain-data cache.
	fetch := func() {
		result, err := client.FetchBalances(context.Background(), walletAddr,
			[]domain.Chain{ethereumChain},
			map[string][]domain.Token{"ethereum": {usdcToken(0)}})
		require.NoError(t, err)
		require.Len(t, result.Balances, 1)
		assert.Equal(t, "1.5", result.Balances[0].Quantity.String())
	}
	fetch()
	fetch()
	assert.Equal(t, 1, rpc.decimalsCalls, "decimals() result should be cached")
}

func TestFetchBalancesSkipsZero(t *testing.T) {
	rpc := &fakeRPC{native: big.NewInt(0)}
	client := newTestClient(map[string]rpcClient{"http://eth.local": rpc}, nil)

	result, err := client.FetchBalances(context.Background(), walletAddr,
		[]domain.Chain{ethereumChain},
		map[string][]domain.Token{"ethereum": {usdcToken(6)}})
	require.NoError(t, err)
	assert.Empty(t, result.Balances)
	assert.Empty(t, result.Errors)
}

func TestFetchBalancesIsolatesChainFailure(t *testing.T) {
	rpc := &fakeRPC{native: big.NewInt(1000000000000000000)} // 1 ETH
	arbitrum := domain.Chain{ChainKey: "arbitrum", NumericChainID: 42161, RPCURL: "http://arb.local", IsActive: true}

	client := newTestClient(
		map[string]rpcClient{"http://eth.local": rpc},
		map[string]error{"http://arb.local": errors.New("connection refused")},
	)

	result, err := client.FetchBalances(context.Background(), walletAddr,
		[]domain.Chain{ethereumChain, arbitrum}, nil)
	require.NoError(t, err, "one chain failing must not fail the fetch")

	require.Len(t, result.Balances, 1)
	assert.Equal(t, "1", result.Balances[0].Quantity.String())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "arbitrum", result.Errors[0].ChainKey)
}

func TestFetchBalancesRejectsBadAddress(t *testing.T) {
	client := newTestClient(nil, nil)
	_, err := client.FetchBalances(context.Background(), "not-an-address", nil, nil)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
