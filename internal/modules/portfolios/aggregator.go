package portfolios

import (
	"context"
	"sort"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AccountBreakdown is one account's contribution to an aggregated position.
type AccountBreakdown struct {
	AccountID   string          `json:"account_id"`
	AccountName string          `json:"account_name"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// AggregatedAsset is one merged position across the portfolio's accounts.
// Sums are exact decimal arithmetic: the aggregated quantity always equals
// the sum of the per-account breakdown.
type AggregatedAsset struct {
	AssetRef  string             `json:"asset_ref"`
	Resolved  bool               `json:"resolved"`
	Symbol    string             `json:"symbol"`
	Quantity  decimal.Decimal    `json:"quantity"`
	Available decimal.Decimal    `json:"available"`
	Frozen    decimal.Decimal    `json:"frozen"`
	ByAccount []AccountBreakdown `json:"by_account"`
}

// AggregatedHoldings is the merge result for one portfolio. Unresolved
// holdings are surfaced separately: they display but cannot be priced.
type AggregatedHoldings struct {
	PortfolioID string            `json:"portfolio_id"`
	Assets      []AggregatedAsset `json:"assets"`
	Unresolved  []AggregatedAsset `json:"unresolved"`
}

// Aggregator merges holdings across the accounts linked to a portfolio.
type Aggregator struct {
	portfolios *Repository
	accounts   *accounts.Repository
	log        zerolog.Logger
}

// NewAggregator creates a portfolio aggregator.
func NewAggregator(portfolios *Repository, accountRepo *accounts.Repository, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		portfolios: portfolios,
		accounts:   accountRepo,
		log:        log.With().Str("component", "aggregator").Logger(),
	}
}

// Aggregate merges the holdings of every account linked to the portfolio.
// Resolved holdings key by canonical asset id; unresolved ones key by their
// vendor symbol and are reported separately.
func (a *Aggregator) Aggregate(ctx context.Context, portfolioID string) (*AggregatedHoldings, error) {
	accountIDs, err := a.portfolios.AccountIDs(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	linked, err := a.accounts.ListByIDs(ctx, accountIDs)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]*AggregatedAsset)
	unresolved := make(map[string]*AggregatedAsset)

	for _, account := range linked {
		for _, h := range account.Holdings {
			qty, err := decimal.NewFromString(h.Quantity)
			if err != nil {
				return nil, domain.Ef(domain.KindInternal,
					"stored quantity %q on account %s is not a decimal", h.Quantity, account.ID)
			}

			bucket := resolved
			key := h.AssetRef
			if !h.Resolved {
				bucket = unresolved
				key = h.Symbol
			}

			agg, ok := bucket[key]
			if !ok {
				agg = &AggregatedAsset{
					AssetRef: h.AssetRef,
					Resolved: h.Resolved,
					Symbol:   h.Symbol,
				}
				bucket[key] = agg
			}
			agg.Quantity = agg.Quantity.Add(qty)
			agg.Available = agg.Available.Add(parseOrZero(h.Available))
			agg.Frozen = agg.Frozen.Add(parseOrZero(h.Frozen))
			agg.ByAccount = append(agg.ByAccount, AccountBreakdown{
				AccountID:   account.ID,
				AccountName: account.Name,
				Quantity:    qty,
			})
		}
	}

	result := &AggregatedHoldings{
		PortfolioID: portfolioID,
		Assets:      flatten(resolved),
		Unresolved:  flatten(unresolved),
	}
	return result, nil
}

func flatten(m map[string]*AggregatedAsset) []AggregatedAsset {
	out := make([]AggregatedAsset, 0, len(m))
	for _, agg := range m {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Quantity.Equal(out[j].Quantity) {
			return out[i].Quantity.GreaterThan(out[j].Quantity)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func parseOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
