package assets

import (
	"context"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	butlertesting "github.com/doitsu2014/crypto-pocket-butler/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPrices(t *testing.T) (*Repository, *PriceRepository, func()) {
	t.Helper()
	db, cleanup := butlertesting.NewTestDB(t)
	return NewRepository(db.Conn(), zerolog.Nop()),
		NewPriceRepository(db.Conn(), zerolog.Nop()),
		cleanup
}

func mustAsset(t *testing.T, repo *Repository, symbol, name string) string {
	t.Helper()
	result, err := repo.Upsert(context.Background(), domain.Asset{
		Symbol: symbol, Name: name, IsActive: true,
	})
	require.NoError(t, err)
	return result.AssetID
}

func price(assetID string, ts time.Time, source string, usd string) domain.AssetPrice {
	return domain.AssetPrice{
		AssetID:   assetID,
		Timestamp: ts,
		Source:    source,
		PriceUSD:  decimal.RequireFromString(usd),
	}
}

func TestBatchUpsertDeduplicates(t *testing.T) {
	assetRepo, priceRepo, cleanup := setupPrices(t)
	defer cleanup()
	ctx := context.Background()

	btc := mustAsset(t, assetRepo, "BTC", "Bitcoin")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Three entries on the same (asset, ts, source) key: last write wins,
	// exactly one row lands, and no constraint violation is raised.
	result, err := priceRepo.BatchUpsert(ctx, []domain.AssetPrice{
		price(btc, t0, "paprika", "100"),
		price(btc, t0, "paprika", "101"),
		price(btc, t0, "paprika", "102"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 2, result.Skipped)

	count, err := priceRepo.CountForAsset(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	latest, err := priceRepo.LatestPrices(ctx, []string{btc}, time.Hour, t0)
	require.NoError(t, err)
	require.Contains(t, latest, btc)
	assert.Equal(t, "102", latest[btc].PriceUSD.String())
}

func TestBatchUpsertIdempotent(t *testing.T) {
	assetRepo, priceRepo, cleanup := setupPrices(t)
	defer cleanup()
	ctx := context.Background()

	eth := mustAsset(t, assetRepo, "ETH", "Ethereum")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := priceRepo.BatchUpsert(ctx, []domain.AssetPrice{price(eth, t0, "paprika", "2500")})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	// The second identical batch updates in place instead of inserting.
	second, err := priceRepo.BatchUpsert(ctx, []domain.AssetPrice{price(eth, t0, "paprika", "2501")})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Updated)

	count, err := priceRepo.CountForAsset(ctx, eth)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	latest, err := priceRepo.LatestPrices(ctx, []string{eth}, time.Hour, t0)
	require.NoError(t, err)
	assert.Equal(t, "2501", latest[eth].PriceUSD.String())
}

func TestBatchUpsertDistinctSourcesCoexist(t *testing.T) {
	assetRepo, priceRepo, cleanup := setupPrices(t)
	defer cleanup()
	ctx := context.Background()

	btc := mustAsset(t, assetRepo, "BTC", "Bitcoin")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := priceRepo.BatchUpsert(ctx, []domain.AssetPrice{
		price(btc, t0, "paprika", "100"),
		price(btc, t0, "gecko", "101"),
		price(btc, t0.Add(time.Minute), "paprika", "103"),
	})
	require.NoError(t, err)

	count, err := priceRepo.CountForAsset(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLatestPricesStaleness(t *testing.T) {
	assetRepo, priceRepo, cleanup := setupPrices(t)
	defer cleanup()
	ctx := context.Background()

	btc := mustAsset(t, assetRepo, "BTC", "Bitcoin")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := priceRepo.BatchUpsert(ctx, []domain.AssetPrice{
		price(btc, now.Add(-3*time.Hour), "paprika", "95000"),
	})
	require.NoError(t, err)

	// The only observation is older than the staleness bound: it is still
	// returned, marked stale.
	latest, err := priceRepo.LatestPrices(ctx, []string{btc}, time.Hour, now)
	require.NoError(t, err)
	require.Contains(t, latest, btc)
	assert.True(t, latest[btc].Stale)

	_, err = priceRepo.BatchUpsert(ctx, []domain.AssetPrice{
		price(btc, now.Add(-10*time.Minute), "paprika", "96000"),
	})
	require.NoError(t, err)

	latest, err = priceRepo.LatestPrices(ctx, []string{btc}, time.Hour, now)
	require.NoError(t, err)
	assert.False(t, latest[btc].Stale)
	assert.Equal(t, "96000", latest[btc].PriceUSD.String())

	// Assets without any observation are simply absent.
	missing, err := priceRepo.LatestPrices(ctx, []string{"no-such-asset"}, time.Hour, now)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestAssetUpsertUniqueOnSymbolName(t *testing.T) {
	assetRepo, _, cleanup := setupPrices(t)
	defer cleanup()
	ctx := context.Background()

	first, err := assetRepo.Upsert(ctx, domain.Asset{Symbol: "BTC", Name: "Bitcoin", IsActive: true})
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Same (symbol, name): updates the existing row.
	second, err := assetRepo.Upsert(ctx, domain.Asset{
		Symbol: "BTC", Name: "Bitcoin", ExternalID: "btc-bitcoin", IsActive: true,
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.AssetID, second.AssetID)

	// Same symbol, different name: a distinct asset.
	wrapped, err := assetRepo.Upsert(ctx, domain.Asset{Symbol: "BTC", Name: "Wrapped Bitcoin", IsActive: true})
	require.NoError(t, err)
	assert.True(t, wrapped.Created)
	assert.NotEqual(t, first.AssetID, wrapped.AssetID)

	// A provider rename keyed by external id follows the external identity.
	renamed, err := assetRepo.Upsert(ctx, domain.Asset{
		Symbol: "BTC", Name: "Bitcoin Core", ExternalID: "btc-bitcoin", IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.AssetID, renamed.AssetID)

	stored, err := assetRepo.GetByID(ctx, first.AssetID)
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin Core", stored.Name)
}
