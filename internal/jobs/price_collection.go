package jobs

import (
	"context"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/paprika"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ttlcache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const priceSource = "paprika"

// HeldAssetSource reports the canonical asset ids currently held across
// accounts. Implemented by the accounts repository.
type HeldAssetSource interface {
	HeldAssetRefs(ctx context.Context) (map[string]bool, error)
}

// PriceCollectionJob fetches the top-N tickers plus the portfolio-held
// assets outside that page, and upserts one AssetPrice per asset. Provider
// identifiers map onto canonical assets through the resolver (external id
// first, exact symbol+name as fallback). The batch is deduplicated on
// (asset_id, timestamp, source) before insert, last write wins.
type PriceCollectionJob struct {
	client     *paprika.Client
	assetRepo  *assets.Repository
	priceRepo  *assets.PriceRepository
	resolver   *assets.Resolver
	held       HeldAssetSource
	priceCache *ttlcache.Cache[string, string]
	limit      int
	log        zerolog.Logger
	now        func() time.Time
}

// NewPriceCollectionJob creates the price_collection job.
func NewPriceCollectionJob(
	client *paprika.Client,
	assetRepo *assets.Repository,
	priceRepo *assets.PriceRepository,
	resolver *assets.Resolver,
	held HeldAssetSource,
	priceCache *ttlcache.Cache[string, string],
	limit int,
	log zerolog.Logger,
) *PriceCollectionJob {
	if limit <= 0 {
		limit = 100
	}
	return &PriceCollectionJob{
		client:     client,
		assetRepo:  assetRepo,
		priceRepo:  priceRepo,
		resolver:   resolver,
		held:       held,
		priceCache: priceCache,
		limit:      limit,
		log:        log.With().Str("job", "price_collection").Logger(),
		now:        time.Now,
	}
}

// Name implements Job.
func (j *PriceCollectionJob) Name() string { return "price_collection" }

// Run implements Job. The collection timestamp is taken once per run so the
// whole batch shares one series point; the batch commits or rolls back as a
// unit. Per-asset failures on the held-asset path are isolated.
func (j *PriceCollectionJob) Run(ctx context.Context, stats *Stats) error {
	tickers, err := j.client.Tickers(ctx, j.limit)
	if err != nil {
		return err
	}

	collectedAt := j.now().UTC().Truncate(time.Minute)
	covered := make(map[string]bool, len(tickers))
	var batch []domain.AssetPrice

	for _, t := range tickers {
		stats.Processed++

		res, err := j.resolver.ResolveExternalID(ctx, t.ID)
		if err != nil {
			return err
		}
		if res.Outcome != assets.OutcomeResolved {
			// Assets recorded before their provider id was known still
			// match on the exact (symbol, name) pair.
			res, err = j.resolver.ResolveSymbolName(ctx, t.Symbol, t.Name)
			if err != nil {
				return err
			}
		}
		if res.Outcome != assets.OutcomeResolved {
			// Unknown to the registry until the next reference refresh.
			stats.Skipped++
			continue
		}

		covered[res.Asset.ID] = true
		batch = append(batch, pricePoint(res.Asset.ID, collectedAt, t))
	}

	// Portfolio-held assets outside the top-N page are priced one by one
	// through the per-id endpoint.
	heldRefs, err := j.held.HeldAssetRefs(ctx)
	if err != nil {
		return err
	}
	for assetID := range heldRefs {
		if covered[assetID] {
			continue
		}
		stats.Processed++

		asset, err := j.assetRepo.GetByID(ctx, assetID)
		if err != nil || asset.ExternalID == "" {
			stats.Skipped++
			continue
		}
		t, err := j.client.Ticker(ctx, asset.ExternalID)
		if err != nil {
			j.log.Warn().Err(err).Str("asset", assetID).Msg("Held-asset price fetch failed")
			stats.Skipped++
			continue
		}
		covered[assetID] = true
		batch = append(batch, pricePoint(assetID, collectedAt, *t))
	}

	result, err := j.priceRepo.BatchUpsert(ctx, batch)
	if err != nil {
		return err
	}
	stats.Created += result.Created
	stats.Updated += result.Updated
	stats.Skipped += result.Skipped

	// Refresh the shared price cache so valuations see the new quotes
	// without a database round-trip.
	for _, p := range batch {
		j.priceCache.Set(p.AssetID, p.PriceUSD.String())
	}

	return nil
}

// pricePoint materializes one observation from a provider ticker.
func pricePoint(assetID string, ts time.Time, t paprika.Ticker) domain.AssetPrice {
	return domain.AssetPrice{
		AssetID:           assetID,
		Timestamp:         ts,
		Source:            priceSource,
		PriceUSD:          t.PriceUSD,
		Volume24hUSD:      t.Volume24hUSD,
		MarketCapUSD:      t.MarketCapUSD,
		Rank:              intPtr(t.Rank),
		CirculatingSupply: t.CirculatingSupply,
		TotalSupply:       t.TotalSupply,
		ATHUSD:            t.ATHUSD,
		PctChange1h:       t.PctChange1h,
		PctChange24h:      t.PctChange24h,
		PctChange7d:       t.PctChange7d,
	}
}

// CachedPrice returns the cached latest price for an asset, if fresh.
func (j *PriceCollectionJob) CachedPrice(assetID string) (decimal.Decimal, bool) {
	s, ok := j.priceCache.Get(assetID)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func intPtr(v int) *int {
	return &v
}
