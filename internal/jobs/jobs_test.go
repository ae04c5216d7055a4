package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/paprika"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/chains"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/snapshots"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/users"
	butlertesting "github.com/doitsu2014/crypto-pocket-butler/internal/testing"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ttlcache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tickersPayload = `[
	{
		"id": "btc-bitcoin", "symbol": "BTC", "name": "Bitcoin", "rank": 1,
		"circulating_supply": 19700000, "total_supply": 21000000,
		"last_updated": "2025-06-01T12:00:00Z",
		"quotes": {"USD": {"price": 100000, "volume_24h": 30000000000, "market_cap": 1970000000000}}
	},
	{
		"id": "usdt-tether", "symbol": "USDT", "name": "Tether", "rank": 3,
		"last_updated": "2025-06-01T12:00:00Z",
		"quotes": {"USD": {"price": 1.0}}
	}
]`

// newPaprikaStub serves the canned top-N page, optional per-id ticker
// payloads, and coin metadata.
func newPaprikaStub(t *testing.T, coinsHandler http.HandlerFunc, tickersByID map[string]string) *paprika.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tickersPayload))
	})
	mux.HandleFunc("/v1/tickers/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/tickers/")
		payload, ok := tickersByID[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(payload))
	})
	if coinsHandler != nil {
		mux.HandleFunc("/v1/coins/", coinsHandler)
	} else {
		mux.HandleFunc("/v1/coins/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "x", "symbol": "X", "name": "X", "contracts": []}`))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return paprika.NewClient(srv.URL, ratelimit.NewLimiter(5, 0), zerolog.Nop())
}

func TestReferenceRefreshIdempotent(t *testing.T) {
	db, cleanup := butlertesting.NewTestDB(t)
	defer cleanup()
	log := zerolog.Nop()
	ctx := context.Background()

	assetRepo := assets.NewRepository(db.Conn(), log)
	chainRepo := chains.NewRepository(db.Conn(), log)
	resolver := assets.NewResolver(assetRepo, chainRepo, time.Minute, log)
	client := newPaprikaStub(t, nil, nil)

	job := NewReferenceRefreshJob(client, assetRepo, resolver, 100, log)

	var stats Stats
	require.NoError(t, job.Run(ctx, &stats))
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 0, stats.Updated)

	// The second run touches the same unique keys: updates only.
	stats = Stats{}
	require.NoError(t, job.Run(ctx, &stats))
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 2, stats.Updated)

	list, err := assetRepo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Stablecoin tagging by provider id.
	for _, a := range list {
		if a.Symbol == "USDT" {
			assert.Equal(t, domain.AssetKindStablecoin, a.Kind)
		}
	}
}

func TestReferenceRefreshMirrorsContracts(t *testing.T) {
	db, cleanup := butlertesting.NewTestDB(t)
	defer cleanup()
	log := zerolog.Nop()
	ctx := context.Background()

	assetRepo := assets.NewRepository(db.Conn(), log)
	chainRepo := chains.NewRepository(db.Conn(), log)
	resolver := assets.NewResolver(assetRepo, chainRepo, time.Minute, log)
	client := newPaprikaStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "usdt-tether", "symbol": "USDT", "name": "Tether",
			"contracts": [
				{"contract": "0xdAC17F958D2ee523a2206206994597C13D831ec7", "platform": "eth-ethereum", "type": "ERC20"},
				{"contract": "ignored", "platform": "trx-tron", "type": "TRC20"}
			]
		}`))
	}, nil)

	job := NewReferenceRefreshJob(client, assetRepo, resolver, 100, log)
	var stats Stats
	require.NoError(t, job.Run(ctx, &stats))

	contracts, err := assetRepo.ListContracts(ctx)
	require.NoError(t, err)
	// Only platforms with a chain-key mapping are mirrored. Both stub coins
	// return the same payload here, so they share one (chain, contract) row.
	for _, c := range contracts {
		assert.Equal(t, "ethereum", c.ChainKey)
	}
	assert.NotEmpty(t, contracts)
}

// priceFixture wires the price collection job against a stub provider.
type priceFixture struct {
	job      *PriceCollectionJob
	assets   *assets.Repository
	prices   *assets.PriceRepository
	accounts *accounts.Repository
	users    *users.Repository
	cleanup  func()
}

func setupPriceCollection(t *testing.T, tickersByID map[string]string) *priceFixture {
	t.Helper()
	db, cleanup := butlertesting.NewTestDB(t)
	log := zerolog.Nop()

	assetRepo := assets.NewRepository(db.Conn(), log)
	chainRepo := chains.NewRepository(db.Conn(), log)
	priceRepo := assets.NewPriceRepository(db.Conn(), log)
	accountRepo := accounts.NewRepository(db.Conn(), log)
	userRepo := users.NewRepository(db.Conn(), log)
	resolver := assets.NewResolver(assetRepo, chainRepo, time.Minute, log)
	priceCache := ttlcache.New[string, string](100, time.Minute)
	client := newPaprikaStub(t, nil, tickersByID)

	job := NewPriceCollectionJob(client, assetRepo, priceRepo, resolver, accountRepo, priceCache, 100, log)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	return &priceFixture{
		job:      job,
		assets:   assetRepo,
		prices:   priceRepo,
		accounts: accountRepo,
		users:    userRepo,
		cleanup:  cleanup,
	}
}

func TestPriceCollectionJob(t *testing.T) {
	f := setupPriceCollection(t, nil)
	defer f.cleanup()
	ctx := context.Background()

	// Only BTC is known to the registry; the USDT ticker is skipped until a
	// reference refresh lands it.
	btc, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "BTC", Name: "Bitcoin", ExternalID: "btc-bitcoin", IsActive: true,
	})
	require.NoError(t, err)

	var stats Stats
	require.NoError(t, f.job.Run(ctx, &stats))
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Skipped)

	// Same timestamp, same source: the repeat run updates in place.
	stats = Stats{}
	require.NoError(t, f.job.Run(ctx, &stats))
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 1, stats.Updated)

	count, err := f.prices.CountForAsset(ctx, btc.AssetID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cached, ok := f.job.CachedPrice(btc.AssetID)
	assert.True(t, ok)
	assert.Equal(t, "100000", cached.String())
}

func TestPriceCollectionResolvesBySymbolName(t *testing.T) {
	f := setupPriceCollection(t, nil)
	defer f.cleanup()
	ctx := context.Background()

	// The asset predates its provider id: the external-id rung misses and
	// the exact (symbol, name) rung catches it.
	btc, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "BTC", Name: "Bitcoin", IsActive: true,
	})
	require.NoError(t, err)

	var stats Stats
	require.NoError(t, f.job.Run(ctx, &stats))
	assert.Equal(t, 1, stats.Created)

	count, err := f.prices.CountForAsset(ctx, btc.AssetID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPriceCollectionFetchesHeldAssets(t *testing.T) {
	// SOL is held in an account but sits outside the provider's top-N page:
	// the job prices it through the per-id endpoint.
	f := setupPriceCollection(t, map[string]string{
		"sol-solana": `{
			"id": "sol-solana", "symbol": "SOL", "name": "Solana", "rank": 180,
			"last_updated": "2025-06-01T12:00:00Z",
			"quotes": {"USD": {"price": 150.25}}
		}`,
	})
	defer f.cleanup()
	ctx := context.Background()

	_, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "BTC", Name: "Bitcoin", ExternalID: "btc-bitcoin", IsActive: true,
	})
	require.NoError(t, err)
	sol, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "SOL", Name: "Solana", ExternalID: "sol-solana", IsActive: true,
	})
	require.NoError(t, err)
	// NEAR is held too but has no provider id: counted as skipped, the run
	// keeps going.
	near, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "NEAR", Name: "NEAR Protocol", IsActive: true,
	})
	require.NoError(t, err)

	user, err := f.users.GetOrCreateByExternalID(ctx, "subject-1")
	require.NoError(t, err)
	account, err := f.accounts.Create(ctx, user.ID, accounts.CreateSpec{
		Name: "w", Kind: domain.AccountKindWallet,
		WalletAddress: "0x5d433a94a4a2aa8f9aa34d8d15692dc2e9960584",
	})
	require.NoError(t, err)
	require.NoError(t, f.accounts.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, []domain.Holding{
		{AssetRef: sol.AssetID, Resolved: true, Symbol: "SOL", Quantity: "20"},
		{AssetRef: near.AssetID, Resolved: true, Symbol: "NEAR", Quantity: "5"},
	}, time.Now()))

	var stats Stats
	require.NoError(t, f.job.Run(ctx, &stats))
	// BTC from the page, SOL per id; USDT (unknown) and NEAR (no provider
	// id) are skipped.
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 2, stats.Skipped)

	count, err := f.prices.CountForAsset(ctx, sol.AssetID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cached, ok := f.job.CachedPrice(sol.AssetID)
	assert.True(t, ok)
	assert.Equal(t, "150.25", cached.String())

	count, err = f.prices.CountForAsset(ctx, near.AssetID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEODSnapshotJobIdempotent(t *testing.T) {
	db, cleanup := butlertesting.NewTestDB(t)
	defer cleanup()
	log := zerolog.Nop()
	ctx := context.Background()

	userRepo := users.NewRepository(db.Conn(), log)
	accountRepo := accounts.NewRepository(db.Conn(), log)
	portfolioRepo := portfolios.NewRepository(db.Conn(), log)
	assetRepo := assets.NewRepository(db.Conn(), log)
	priceRepo := assets.NewPriceRepository(db.Conn(), log)
	aggregator := portfolios.NewAggregator(portfolioRepo, accountRepo, log)
	valuator := portfolios.NewValuator(aggregator, portfolioRepo, assetRepo, priceRepo, time.Hour, log)
	snapshotRepo := snapshots.NewRepository(db.Conn(), log)
	writer := snapshots.NewWriter(portfolioRepo, valuator, snapshotRepo, log)

	user, err := userRepo.GetOrCreateByExternalID(ctx, "subject-1")
	require.NoError(t, err)
	btc, err := assetRepo.Upsert(ctx, domain.Asset{Symbol: "BTC", Name: "Bitcoin", IsActive: true})
	require.NoError(t, err)
	account, err := accountRepo.Create(ctx, user.ID, accounts.CreateSpec{
		Name: "w", Kind: domain.AccountKindWallet,
		WalletAddress: "0x5d433a94a4a2aa8f9aa34d8d15692dc2e9960584",
	})
	require.NoError(t, err)
	require.NoError(t, accountRepo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, []domain.Holding{
		{AssetRef: btc.AssetID, Resolved: true, Symbol: "BTC", Quantity: "1"},
	}, time.Now()))
	p1, err := portfolioRepo.Create(ctx, user.ID, portfolios.CreateSpec{Name: "p1", AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	p2, err := portfolioRepo.Create(ctx, user.ID, portfolios.CreateSpec{Name: "p2"})
	require.NoError(t, err)
	_, err = priceRepo.BatchUpsert(ctx, []domain.AssetPrice{{
		AssetID: btc.AssetID, Timestamp: time.Now().UTC(), Source: "paprika",
		PriceUSD: decimal.RequireFromString("100000"),
	}})
	require.NoError(t, err)

	job := NewEODSnapshotJob(portfolioRepo, writer, log)
	fixed := time.Date(2025, 6, 1, 23, 5, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	// 23:05 run creates one snapshot per portfolio.
	var stats Stats
	require.NoError(t, job.Run(ctx, &stats))
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Created)

	// 23:10 re-run on the same date: items_created is zero, rows update.
	job.now = func() time.Time { return fixed.Add(5 * time.Minute) }
	stats = Stats{}
	require.NoError(t, job.Run(ctx, &stats))
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 2, stats.Updated)

	for _, p := range []*domain.Portfolio{p1, p2} {
		list, err := snapshotRepo.ListByPortfolio(ctx, user.ID, p.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1, "exactly one eod row per portfolio and date")
		assert.Equal(t, domain.SnapshotKindEOD, list[0].SnapshotKind)
	}
}
