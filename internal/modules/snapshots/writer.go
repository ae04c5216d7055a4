package snapshots

import (
	"context"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/rs/zerolog"
)

// Writer materializes a portfolio's valuation at a timestamp.
type Writer struct {
	portfolios *portfolios.Repository
	valuator   *portfolios.Valuator
	repo       *Repository
	log        zerolog.Logger
	now        func() time.Time
}

// NewWriter creates a snapshot writer.
func NewWriter(portfolioRepo *portfolios.Repository, valuator *portfolios.Valuator, repo *Repository, log zerolog.Logger) *Writer {
	return &Writer{
		portfolios: portfolioRepo,
		valuator:   valuator,
		repo:       repo,
		log:        log.With().Str("component", "snapshot_writer").Logger(),
		now:        time.Now,
	}
}

// Write values the portfolio and upserts the snapshot for the given date and
// kind. An empty date means today (UTC). Repeat calls for the same key update
// the stored row in place.
func (w *Writer) Write(ctx context.Context, portfolio *domain.Portfolio, date string, kind domain.SnapshotKind) (UpsertResult, error) {
	if date == "" {
		date = w.now().UTC().Format("2006-01-02")
	}
	if kind == "" {
		kind = domain.SnapshotKindManual
	}

	allocation, err := w.valuator.Value(ctx, portfolio)
	if err != nil {
		return UpsertResult{}, err
	}

	record := domain.SnapshotRecord{
		PortfolioID:   portfolio.ID,
		SnapshotDate:  date,
		SnapshotKind:  kind,
		TotalValueUSD: allocation.TotalValueUSD,
		Breakdown:     allocation.PerAsset,
		Metadata: map[string]interface{}{
			"as_of":       allocation.AsOf.Format(time.RFC3339),
			"asset_count": len(allocation.PerAsset),
		},
	}

	result, err := w.repo.Upsert(ctx, record)
	if err != nil {
		return UpsertResult{}, err
	}

	w.log.Info().
		Str("portfolio", portfolio.ID).
		Str("date", date).
		Str("kind", string(kind)).
		Bool("created", result.Created).
		Str("total_usd", record.TotalValueUSD.String()).
		Msg("Snapshot written")
	return result, nil
}

// WriteOwned resolves the portfolio under the ownership check first; the
// manual snapshot endpoint goes through here.
func (w *Writer) WriteOwned(ctx context.Context, userID, portfolioID, date string, kind domain.SnapshotKind) (UpsertResult, error) {
	portfolio, err := w.portfolios.GetOwned(ctx, userID, portfolioID)
	if err != nil {
		return UpsertResult{}, err
	}
	return w.Write(ctx, portfolio, date, kind)
}
