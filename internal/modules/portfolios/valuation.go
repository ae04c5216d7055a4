package portfolios

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// majors is the default set of assets exempt from the max_alt_cap guardrail.
var majors = map[string]bool{
	"BTC": true,
	"ETH": true,
}

// Valuator joins aggregated holdings with the latest prices and computes
// per-asset values, weights, drift against targets, and guardrail breaches.
type Valuator struct {
	aggregator *Aggregator
	portfolios *Repository
	assetRepo  *assets.Repository
	priceRepo  *assets.PriceRepository
	staleness  time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewValuator creates the valuation engine. staleness bounds how old a price
// may be before its asset is marked stale in the allocation.
func NewValuator(
	aggregator *Aggregator,
	portfolios *Repository,
	assetRepo *assets.Repository,
	priceRepo *assets.PriceRepository,
	staleness time.Duration,
	log zerolog.Logger,
) *Valuator {
	if staleness <= 0 {
		staleness = time.Hour
	}
	return &Valuator{
		aggregator: aggregator,
		portfolios: portfolios,
		assetRepo:  assetRepo,
		priceRepo:  priceRepo,
		staleness:  staleness,
		log:        log.With().Str("component", "valuator").Logger(),
		now:        time.Now,
	}
}

// Value computes the Allocation of one portfolio: per-asset and total USD
// values, actual weights, drift against the target allocation, and guardrail
// violations. Unresolved holdings appear as unpriced rows contributing zero
// value.
func (v *Valuator) Value(ctx context.Context, portfolio *domain.Portfolio) (*domain.Allocation, error) {
	aggregated, err := v.aggregator.Aggregate(ctx, portfolio.ID)
	if err != nil {
		return nil, err
	}
	return v.value(ctx, portfolio, aggregated)
}

// value is the price-join half, split out so the snapshot writer can reuse a
// prior aggregation.
func (v *Valuator) value(ctx context.Context, portfolio *domain.Portfolio, aggregated *AggregatedHoldings) (*domain.Allocation, error) {
	now := v.now().UTC()
	allocation := &domain.Allocation{
		PortfolioID:   portfolio.ID,
		TotalValueUSD: decimal.Zero,
		AsOf:          now,
	}

	assetIDs := make([]string, 0, len(aggregated.Assets))
	for _, agg := range aggregated.Assets {
		assetIDs = append(assetIDs, agg.AssetRef)
	}
	prices, err := v.priceRepo.LatestPrices(ctx, assetIDs, v.staleness, now)
	if err != nil {
		return nil, err
	}

	for _, agg := range aggregated.Assets {
		line := domain.AllocationLine{
			AssetID:  agg.AssetRef,
			Symbol:   agg.Symbol,
			Quantity: agg.Quantity,
			PriceUSD: decimal.Zero,
			ValueUSD: decimal.Zero,
		}
		if asset, err := v.assetRepo.GetByID(ctx, agg.AssetRef); err == nil {
			line.Symbol = asset.Symbol
			line.Name = asset.Name
			line.Kind = asset.Kind
		}

		price, ok := prices[agg.AssetRef]
		if ok {
			line.PriceUSD = price.PriceUSD
			line.ValueUSD = agg.Quantity.Mul(price.PriceUSD)
			line.IsStale = price.Stale
			allocation.TotalValueUSD = allocation.TotalValueUSD.Add(line.ValueUSD)
		} else {
			line.Unpriced = true
		}
		allocation.PerAsset = append(allocation.PerAsset, line)
	}

	// Unresolved holdings display but never price.
	for _, agg := range aggregated.Unresolved {
		allocation.PerAsset = append(allocation.PerAsset, domain.AllocationLine{
			Symbol:   agg.Symbol,
			Quantity: agg.Quantity,
			PriceUSD: decimal.Zero,
			ValueUSD: decimal.Zero,
			Unpriced: true,
		})
	}

	// Weights and drift once the total is known.
	total := allocation.TotalValueUSD
	for i := range allocation.PerAsset {
		line := &allocation.PerAsset[i]
		if total.Sign() > 0 {
			pct, _ := line.ValueUSD.Div(total).Mul(decimal.NewFromInt(100)).Float64()
			line.ActualPct = pct
		}
		if target, ok := portfolio.TargetAllocation[line.Symbol]; ok {
			t := target
			drift := line.ActualPct - target
			line.TargetPct = &t
			line.DriftPct = &drift
		}
	}

	sort.SliceStable(allocation.PerAsset, func(i, j int) bool {
		a, b := allocation.PerAsset[i], allocation.PerAsset[j]
		if !a.ValueUSD.Equal(b.ValueUSD) {
			return a.ValueUSD.GreaterThan(b.ValueUSD)
		}
		return a.Symbol < b.Symbol
	})

	allocation.GuardrailViolations = v.checkGuardrails(portfolio, allocation)
	return allocation, nil
}

// checkGuardrails evaluates the portfolio's optional constraints against the
// computed allocation.
func (v *Valuator) checkGuardrails(portfolio *domain.Portfolio, allocation *domain.Allocation) []domain.GuardrailViolation {
	g := portfolio.Guardrails
	var violations []domain.GuardrailViolation

	if g.DriftBand != nil {
		for _, line := range allocation.PerAsset {
			if line.DriftPct == nil {
				continue
			}
			if abs(*line.DriftPct) > *g.DriftBand {
				violations = append(violations, domain.GuardrailViolation{
					Rule:    "drift_band",
					Detail:  fmt.Sprintf("%s drifted %.2f%% from target", line.Symbol, *line.DriftPct),
					Current: abs(*line.DriftPct),
					Limit:   *g.DriftBand,
				})
			}
		}
	}

	if g.StablecoinMin != nil {
		stablePct := 0.0
		for _, line := range allocation.PerAsset {
			if line.Kind == domain.AssetKindStablecoin {
				stablePct += line.ActualPct
			}
		}
		if stablePct < *g.StablecoinMin {
			violations = append(violations, domain.GuardrailViolation{
				Rule:    "stablecoin_min",
				Detail:  fmt.Sprintf("stablecoins hold %.2f%%, floor is %.2f%%", stablePct, *g.StablecoinMin),
				Current: stablePct,
				Limit:   *g.StablecoinMin,
			})
		}
	}

	if g.MaxAltCap != nil {
		altPct := 0.0
		for _, line := range allocation.PerAsset {
			if majors[line.Symbol] || line.Kind == domain.AssetKindStablecoin {
				continue
			}
			altPct += line.ActualPct
		}
		if altPct > *g.MaxAltCap {
			violations = append(violations, domain.GuardrailViolation{
				Rule:    "max_alt_cap",
				Detail:  fmt.Sprintf("non-majors hold %.2f%%, cap is %.2f%%", altPct, *g.MaxAltCap),
				Current: altPct,
				Limit:   *g.MaxAltCap,
			})
		}
	}

	// futures_cap is reserved: futures exposure is always zero in the MVP,
	// so the cap can never be breached.

	return violations
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
