package assets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/database"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceRepository handles the asset_prices time-series.
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a new price repository.
func NewPriceRepository(db *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		db:  db,
		log: log.With().Str("repo", "asset_prices").Logger(),
	}
}

// BatchUpsertResult reports the outcome of one batch insert.
type BatchUpsertResult struct {
	Created int
	Updated int
	Skipped int // duplicates collapsed before insert
}

// BatchUpsert writes a batch of price observations in one transaction.
// Duplicates on (asset_id, ts, source) inside the batch are collapsed before
// insert with last-write-wins, so a messy provider payload never trips the
// unique constraint. Conflicts with existing rows update in place.
func (r *PriceRepository) BatchUpsert(ctx context.Context, prices []domain.AssetPrice) (BatchUpsertResult, error) {
	var result BatchUpsertResult
	if len(prices) == 0 {
		return result, nil
	}

	type key struct {
		assetID string
		ts      int64
		source  string
	}
	// Collapse in-batch duplicates, keeping the last occurrence and the
	// original batch ordering for the survivors.
	index := make(map[key]int, len(prices))
	order := make([]key, 0, len(prices))
	deduped := make(map[key]domain.AssetPrice, len(prices))
	for _, p := range prices {
		k := key{assetID: p.AssetID, ts: p.Timestamp.UTC().Unix(), source: p.Source}
		if _, seen := index[k]; !seen {
			index[k] = len(order)
			order = append(order, k)
		} else {
			result.Skipped++
		}
		deduped[k] = p
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO asset_prices (
				asset_id, ts, source, price_usd,
				volume_24h_usd, market_cap_usd, rank,
				circulating_supply, total_supply, ath_usd,
				pct_change_1h, pct_change_24h, pct_change_7d
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(asset_id, ts, source) DO UPDATE SET
				price_usd          = excluded.price_usd,
				volume_24h_usd     = excluded.volume_24h_usd,
				market_cap_usd     = excluded.market_cap_usd,
				rank               = excluded.rank,
				circulating_supply = excluded.circulating_supply,
				total_supply       = excluded.total_supply,
				ath_usd            = excluded.ath_usd,
				pct_change_1h      = excluded.pct_change_1h,
				pct_change_24h     = excluded.pct_change_24h,
				pct_change_7d      = excluded.pct_change_7d
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare price upsert: %w", err)
		}
		defer stmt.Close()

		for _, k := range order {
			p := deduped[k]

			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM asset_prices WHERE asset_id = ? AND ts = ? AND source = ?
			`, k.assetID, k.ts, k.source).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check existing price row: %w", err)
			}

			_, err = stmt.ExecContext(ctx,
				k.assetID, k.ts, k.source, p.PriceUSD.String(),
				p.Volume24hUSD, p.MarketCapUSD, p.Rank,
				p.CirculatingSupply, p.TotalSupply, p.ATHUSD,
				p.PctChange1h, p.PctChange24h, p.PctChange7d,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert price for %s: %w", k.assetID, err)
			}
			if exists > 0 {
				result.Updated++
			} else {
				result.Created++
			}
		}
		return nil
	})
	if err != nil {
		return BatchUpsertResult{}, err
	}
	return result, nil
}

// LatestPrice is the newest observation for one asset, tagged stale when it
// is older than the caller's staleness bound.
type LatestPrice struct {
	AssetID   string
	PriceUSD  decimal.Decimal
	Timestamp time.Time
	Source    string
	Stale     bool
}

// LatestPrices returns the most recent price per asset id. Prices newer than
// the staleness bound are preferred; when none exist the newest older row is
// returned marked stale. Assets without any price row are absent from the map.
func (r *PriceRepository) LatestPrices(ctx context.Context, assetIDs []string, staleness time.Duration, now time.Time) (map[string]LatestPrice, error) {
	result := make(map[string]LatestPrice, len(assetIDs))
	if len(assetIDs) == 0 {
		return result, nil
	}

	stmt, err := r.db.PrepareContext(ctx, `
		SELECT ts, source, price_usd
		FROM asset_prices
		WHERE asset_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare latest price query: %w", err)
	}
	defer stmt.Close()

	cutoff := now.Add(-staleness).Unix()
	for _, id := range assetIDs {
		var ts int64
		var source, priceStr string
		err := stmt.QueryRowContext(ctx, id).Scan(&ts, &source, &priceStr)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query latest price for %s: %w", id, err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("stored price for %s is not a decimal: %w", id, err)
		}
		result[id] = LatestPrice{
			AssetID:   id,
			PriceUSD:  price,
			Timestamp: time.Unix(ts, 0).UTC(),
			Source:    source,
			Stale:     ts < cutoff,
		}
	}
	return result, nil
}

// CountForAsset returns the number of stored observations for an asset.
// Used by tests and the admin surface.
func (r *PriceRepository) CountForAsset(ctx context.Context, assetID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM asset_prices WHERE asset_id = ?`, assetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count prices for %s: %w", assetID, err)
	}
	return n, nil
}
