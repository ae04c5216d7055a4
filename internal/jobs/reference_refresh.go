package jobs

import (
	"context"

	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/paprika"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/rs/zerolog"
)

// stablecoinExternalIDs tags the provider coins stored as stablecoins, the
// classification the stablecoin_min guardrail relies on.
var stablecoinExternalIDs = map[string]bool{
	"usdt-tether":   true,
	"usdc-usd-coin": true,
	"dai-dai":       true,
	"tusd-trueusd":  true,
	"usds-usds":     true,
}

// ReferenceRefreshJob upserts the asset and contract registries from the
// market-data provider. Running it twice yields the same rows, with column
// values reflecting the latest payload only.
type ReferenceRefreshJob struct {
	client   *paprika.Client
	repo     *assets.Repository
	resolver *assets.Resolver
	limit    int
	log      zerolog.Logger
}

// NewReferenceRefreshJob creates the market_reference_refresh job. limit
// bounds how many top coins are mirrored (0 means 100, the client default).
func NewReferenceRefreshJob(client *paprika.Client, repo *assets.Repository, resolver *assets.Resolver, limit int, log zerolog.Logger) *ReferenceRefreshJob {
	return &ReferenceRefreshJob{
		client:   client,
		repo:     repo,
		resolver: resolver,
		limit:    limit,
		log:      log.With().Str("job", "market_reference_refresh").Logger(),
	}
}

// Name implements Job.
func (j *ReferenceRefreshJob) Name() string { return "market_reference_refresh" }

// Run implements Job. Per-coin failures are isolated: they count as skipped
// and the remaining coins still refresh.
func (j *ReferenceRefreshJob) Run(ctx context.Context, stats *Stats) error {
	tickers, err := j.client.Tickers(ctx, j.limit)
	if err != nil {
		return err
	}

	for _, t := range tickers {
		stats.Processed++

		kind := domain.AssetKindCryptocurrency
		if stablecoinExternalIDs[t.ID] {
			kind = domain.AssetKindStablecoin
		}
		result, err := j.repo.Upsert(ctx, domain.Asset{
			Symbol:     t.Symbol,
			Name:       t.Name,
			Kind:       kind,
			ExternalID: t.ID,
			IsActive:   true,
		})
		if err != nil {
			j.log.Warn().Err(err).Str("coin", t.ID).Msg("Asset upsert failed")
			stats.Skipped++
			continue
		}
		if result.Created {
			stats.Created++
		} else {
			stats.Updated++
		}

		if err := j.refreshContracts(ctx, result.AssetID, t.ID); err != nil {
			j.log.Warn().Err(err).Str("coin", t.ID).Msg("Contract refresh failed")
		}
	}

	// New assets should resolve on the next sync without waiting out the
	// registry snapshot TTL.
	j.resolver.Invalidate()
	return nil
}

// refreshContracts mirrors the provider's contract mappings for one coin.
// Platforms outside our chain registry mapping are ignored.
func (j *ReferenceRefreshJob) refreshContracts(ctx context.Context, assetID, coinID string) error {
	detail, err := j.client.Coin(ctx, coinID)
	if err != nil {
		return err
	}
	for _, contract := range detail.Contracts {
		chainKey, ok := paprika.PlatformChainKeys[contract.Platform]
		if !ok || contract.Address == "" {
			continue
		}
		standard := contract.Standard
		if standard == "" {
			standard = "erc20"
		}
		err := j.repo.UpsertContract(ctx, domain.AssetContract{
			AssetID:         assetID,
			ChainKey:        chainKey,
			ContractAddress: contract.Address,
			TokenStandard:   standard,
			Decimals:        18, // provider omits decimals; the EVM connector takes decimals from evm_tokens or decimals(), not from this row
			IsVerified:      true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
