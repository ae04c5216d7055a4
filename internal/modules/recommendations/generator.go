package recommendations

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// defaultMinTradeUSD suppresses dust orders when the portfolio sets no
// min_trade_usd guardrail.
const defaultMinTradeUSD = 10.0

// Generator derives rebalancing recommendations from allocation drift.
type Generator struct {
	portfolios *portfolios.Repository
	valuator   *portfolios.Valuator
	repo       *Repository
	log        zerolog.Logger
}

// NewGenerator creates a recommendation generator.
func NewGenerator(portfolioRepo *portfolios.Repository, valuator *portfolios.Valuator, repo *Repository, log zerolog.Logger) *Generator {
	return &Generator{
		portfolios: portfolioRepo,
		valuator:   valuator,
		repo:       repo,
		log:        log.With().Str("component", "recommendation_generator").Logger(),
	}
}

// Generate values the portfolio, turns drift beyond the guardrails into a
// cash-flow-neutral order list (sells first), and persists the result with
// status pending.
func (g *Generator) Generate(ctx context.Context, userID, portfolioID string) (*domain.Recommendation, error) {
	portfolio, err := g.portfolios.GetOwned(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	if len(portfolio.TargetAllocation) == 0 {
		return nil, domain.Validationf("target_allocation", "portfolio has no target allocation to rebalance against")
	}

	allocation, err := g.valuator.Value(ctx, portfolio)
	if err != nil {
		return nil, err
	}
	if allocation.TotalValueUSD.Sign() <= 0 {
		return nil, domain.Validationf("portfolio", "portfolio has no priced value to rebalance")
	}

	minTrade := defaultMinTradeUSD
	if portfolio.Guardrails.MinTradeUSD != nil {
		minTrade = *portfolio.Guardrails.MinTradeUSD
	}
	driftBand := 0.0
	if portfolio.Guardrails.DriftBand != nil {
		driftBand = *portfolio.Guardrails.DriftBand
	}

	total := allocation.TotalValueUSD
	driftNumbers := make(map[string]interface{})
	var orders []domain.ProposedOrder
	var postTradeSquares []float64

	for _, line := range allocation.PerAsset {
		if line.TargetPct == nil || line.DriftPct == nil {
			continue
		}
		driftNumbers[line.Symbol] = *line.DriftPct

		// delta = (target - actual) share of the total, in USD.
		deltaPct := (*line.TargetPct - line.ActualPct) / 100.0
		deltaValue := total.Mul(decimal.NewFromFloat(deltaPct))

		if math.Abs(*line.DriftPct) < driftBand {
			postTradeSquares = append(postTradeSquares, *line.DriftPct**line.DriftPct)
			continue
		}
		absDelta := deltaValue.Abs()
		if absDeltaF, _ := absDelta.Float64(); absDeltaF < minTrade {
			postTradeSquares = append(postTradeSquares, *line.DriftPct**line.DriftPct)
			continue
		}
		if line.PriceUSD.Sign() <= 0 {
			continue // unpriced assets cannot be traded against
		}

		action := domain.OrderBuy
		if deltaValue.Sign() < 0 {
			action = domain.OrderSell
		}
		orders = append(orders, domain.ProposedOrder{
			Action:            action,
			AssetID:           line.AssetID,
			Symbol:            line.Symbol,
			Quantity:          absDelta.Div(line.PriceUSD),
			EstimatedPrice:    line.PriceUSD,
			EstimatedValueUSD: absDelta,
		})
		// A filled order lands the asset on target.
		postTradeSquares = append(postTradeSquares, 0)
	}

	if len(orders) == 0 {
		return nil, domain.Validationf("drift", "no asset drifted beyond the guardrails")
	}

	// Sells first so the plan is cash-flow neutral; larger trades lead
	// within each side.
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Action != orders[j].Action {
			return orders[i].Action == domain.OrderSell
		}
		return orders[i].EstimatedValueUSD.GreaterThan(orders[j].EstimatedValueUSD)
	})

	rec := &domain.Recommendation{
		PortfolioID:    portfolio.ID,
		Status:         domain.RecommendationPending,
		Kind:           "rebalance",
		Rationale:      buildRationale(orders),
		ProposedOrders: orders,
		ExpectedImpact: map[string]float64{
			"post_trade_rms_drift": rmsFromSquares(postTradeSquares),
		},
		Metadata: map[string]interface{}{
			"drift_pct":  driftNumbers,
			"drift_band": driftBand,
			"confidence": confidenceFor(allocation),
		},
	}
	if err := g.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	g.log.Info().
		Str("portfolio", portfolio.ID).
		Int("orders", len(orders)).
		Msg("Recommendation generated")
	return rec, nil
}

// buildRationale renders a short human-readable summary of the plan.
func buildRationale(orders []domain.ProposedOrder) string {
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		parts = append(parts, fmt.Sprintf("%s %s %s (~$%s)",
			o.Action, o.Quantity.StringFixed(6), o.Symbol, o.EstimatedValueUSD.StringFixed(2)))
	}
	return "Rebalance toward target allocation: " + strings.Join(parts, ", ")
}

// confidenceFor downgrades confidence when any priced asset is stale.
func confidenceFor(allocation *domain.Allocation) string {
	for _, line := range allocation.PerAsset {
		if line.IsStale {
			return "low"
		}
	}
	return "high"
}

func rmsFromSquares(squares []float64) float64 {
	if len(squares) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range squares {
		sum += s
	}
	return math.Sqrt(sum / float64(len(squares)))
}
