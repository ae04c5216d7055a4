// Package domain holds the core entities of the portfolio engine.
// It is pure: no database, HTTP, or vendor dependencies beyond the decimal
// type used for all quantity and monetary arithmetic.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes the two balance sources.
type AccountKind string

const (
	AccountKindExchange AccountKind = "exchange"
	AccountKindWallet   AccountKind = "wallet"
)

// AssetKind classifies canonical assets.
type AssetKind string

const (
	AssetKindCryptocurrency AssetKind = "cryptocurrency"
	AssetKindToken          AssetKind = "token"
	AssetKindStablecoin     AssetKind = "stablecoin"
)

// SnapshotKind tags how a snapshot was produced.
type SnapshotKind string

const (
	SnapshotKindEOD    SnapshotKind = "eod"
	SnapshotKindManual SnapshotKind = "manual"
	SnapshotKindHourly SnapshotKind = "hourly"
)

// RecommendationStatus is the monotone, user-driven lifecycle of a
// recommendation. Transitions: pending -> approved|rejected, approved -> executed.
type RecommendationStatus string

const (
	RecommendationPending  RecommendationStatus = "pending"
	RecommendationApproved RecommendationStatus = "approved"
	RecommendationRejected RecommendationStatus = "rejected"
	RecommendationExecuted RecommendationStatus = "executed"
)

// User is created on first authenticated call referencing an unseen
// identity-provider subject and never destroyed by core logic.
type User struct {
	ID         string
	ExternalID string
	CreatedAt  time.Time
}

// Credentials are the decrypted exchange API credentials. They live only in
// per-request memory during a sync and must never be logged.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Account is one external source of balances: a single exchange API key, or
// a single wallet address with its enabled chains.
type Account struct {
	ID            string
	UserID        string
	Name          string
	Kind          AccountKind
	ExchangeName  string    // exchange accounts only
	WalletAddress string    // wallet accounts only
	EnabledChains []string  // chain keys, wallet accounts only
	Holdings      []Holding // cache of the last successful sync
	LastSyncedAt  *time.Time
	SyncError     string // last sync failure, empty after a successful sync
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Holding is one asset position attached to an account. Quantity, Available
// and Frozen are human-readable decimal strings: normalization happened
// exactly once at the connector boundary and is never reapplied.
type Holding struct {
	AssetRef  string `json:"asset_ref"` // canonical asset id, or vendor symbol while unresolved
	Resolved  bool   `json:"resolved"`
	Symbol    string `json:"symbol"` // display symbol as the vendor reported it
	Quantity  string `json:"quantity"`
	Available string `json:"available,omitempty"`
	Frozen    string `json:"frozen,omitempty"`
	Decimals  *uint8 `json:"decimals,omitempty"` // metadata only, never reapplied
}

// QuantityDecimal parses the stored quantity string.
func (h Holding) QuantityDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(h.Quantity)
}

// RawBalance is what connectors return before identity resolution. Exchange
// quantities arrive already human-readable (Decimals nil); wallet quantities
// have been divided by 10^decimals by the connector and carry the decimals as
// metadata.
type RawBalance struct {
	Symbol    string // possibly chain-suffixed, e.g. "USDC-ethereum"
	Quantity  decimal.Decimal
	Available decimal.Decimal
	Frozen    decimal.Decimal
	Decimals  *uint8
	ChainKey  string // set for wallet balances
	Contract  string // token contract address, empty for natives
}

// Guardrails are the optional numeric constraints consulted by the
// recommendation generator. All values are percentages except MinTradeUSD.
type Guardrails struct {
	DriftBand     *float64 `json:"drift_band,omitempty"`
	StablecoinMin *float64 `json:"stablecoin_min,omitempty"`
	FuturesCap    *float64 `json:"futures_cap,omitempty"` // reserved, zero in MVP
	MaxAltCap     *float64 `json:"max_alt_cap,omitempty"`
	MinTradeUSD   *float64 `json:"min_trade_usd,omitempty"`
}

// Portfolio is a user-defined group of accounts valued and reported as one.
// TargetAllocation maps asset symbol to target percent; when present the
// percentages are each non-negative and sum to 100.
type Portfolio struct {
	ID               string
	UserID           string
	Name             string
	Description      string
	TargetAllocation map[string]float64
	Guardrails       Guardrails
	IsDefault        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Asset is the canonical identity every vendor identifier resolves to.
// (Symbol, Name) is unique: two assets may share a symbol only when their
// names differ (wrapped variants and the like).
type Asset struct {
	ID         string
	Symbol     string
	Name       string
	Kind       AssetKind
	ExternalID string // market-data-provider identifier, e.g. "btc-bitcoin"
	IsActive   bool
}

// AssetContract maps an on-chain deployment to its canonical asset.
// (ChainKey, ContractAddress) is unique.
type AssetContract struct {
	AssetID         string
	ChainKey        string
	ContractAddress string
	TokenStandard   string
	Decimals        uint8
	IsVerified      bool
}

// AssetPrice is one observation in the price time-series.
// (AssetID, Timestamp, Source) is unique.
type AssetPrice struct {
	AssetID           string
	Timestamp         time.Time
	Source            string
	PriceUSD          decimal.Decimal
	Volume24hUSD      *float64
	MarketCapUSD      *float64
	Rank              *int
	CirculatingSupply *float64
	TotalSupply       *float64
	ATHUSD            *float64
	PctChange1h       *float64
	PctChange24h      *float64
	PctChange7d       *float64
}

// Chain is one enabled EVM network from the registry.
type Chain struct {
	ID             int64
	ChainKey       string
	NumericChainID int64
	RPCURL         string
	IsActive       bool
}

// Token is one registered ERC-20 under a chain.
// (ChainKey, ContractAddress) is unique.
type Token struct {
	ID              int64
	ChainKey        string
	Symbol          string
	ContractAddress string
	Decimals        uint8
	IsActive        bool
}

// SyncReport is the outcome of syncing one account.
type SyncReport struct {
	AccountID     string     `json:"account_id"`
	Success       bool       `json:"success"`
	HoldingsCount int        `json:"holdings_count"`
	Error         string     `json:"error,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// BulkSyncReport aggregates per-account reports for one user. A single
// account's failure never aborts its siblings.
type BulkSyncReport struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []SyncReport `json:"results"`
}

// AllocationLine is one asset row inside an Allocation.
type AllocationLine struct {
	AssetID   string          `json:"asset_id,omitempty"` // empty for unresolved holdings
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Kind      AssetKind       `json:"kind,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	ValueUSD  decimal.Decimal `json:"value_usd"`
	ActualPct float64         `json:"actual_pct"`
	TargetPct *float64        `json:"target_pct,omitempty"`
	DriftPct  *float64        `json:"drift_pct,omitempty"`
	IsStale   bool            `json:"is_stale"`
	Unpriced  bool            `json:"unpriced,omitempty"` // unresolved or no price row at all
}

// GuardrailViolation reports one breached guardrail.
type GuardrailViolation struct {
	Rule    string  `json:"rule"`
	Detail  string  `json:"detail"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// Allocation is the valuation of one portfolio at an instant: how its value
// distributes across assets, drift against targets, and guardrail breaches.
type Allocation struct {
	PortfolioID         string               `json:"portfolio_id"`
	TotalValueUSD       decimal.Decimal      `json:"total_value_usd"`
	AsOf                time.Time            `json:"as_of"`
	PerAsset            []AllocationLine     `json:"per_asset"`
	GuardrailViolations []GuardrailViolation `json:"guardrail_violations,omitempty"`
}

// SnapshotRecord is a materialized Allocation keyed by (portfolio, date, kind).
type SnapshotRecord struct {
	ID            string                 `json:"id"`
	PortfolioID   string                 `json:"portfolio_id"`
	SnapshotDate  string                 `json:"snapshot_date"` // YYYY-MM-DD
	SnapshotKind  SnapshotKind           `json:"snapshot_kind"`
	TotalValueUSD decimal.Decimal        `json:"total_value_usd"`
	Breakdown     []AllocationLine       `json:"holdings_breakdown"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// OrderAction is the direction of a proposed trade.
type OrderAction string

const (
	OrderBuy  OrderAction = "buy"
	OrderSell OrderAction = "sell"
)

// ProposedOrder is one suggested trade inside a recommendation. The system
// never executes orders; they are advisory only.
type ProposedOrder struct {
	Action            OrderAction     `json:"action"`
	AssetID           string          `json:"asset_id"`
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	EstimatedPrice    decimal.Decimal `json:"estimated_price"`
	EstimatedValueUSD decimal.Decimal `json:"estimated_value_usd"`
}

// Recommendation is an ordered list of suggested trades derived from drift.
type Recommendation struct {
	ID             string                 `json:"id"`
	PortfolioID    string                 `json:"portfolio_id"`
	Status         RecommendationStatus   `json:"status"`
	Kind           string                 `json:"kind"`
	Rationale      string                 `json:"rationale"`
	ProposedOrders []ProposedOrder        `json:"proposed_orders"`
	ExpectedImpact map[string]float64     `json:"expected_impact,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// CanTransitionTo reports whether the status change is allowed. Transitions
// are monotone and single-step.
func (s RecommendationStatus) CanTransitionTo(next RecommendationStatus) bool {
	switch s {
	case RecommendationPending:
		return next == RecommendationApproved || next == RecommendationRejected
	case RecommendationApproved:
		return next == RecommendationExecuted
	default:
		return false
	}
}

// JobReport records one run of a scheduled or manually triggered job.
type JobReport struct {
	Name           string    `json:"name"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMS     int64     `json:"duration_ms"`
	ItemsProcessed int       `json:"items_processed"`
	ItemsCreated   int       `json:"items_created"`
	ItemsUpdated   int       `json:"items_updated"`
	ItemsSkipped   int       `json:"items_skipped"`
	Error          string    `json:"error,omitempty"`
}

// ValidateTargetAllocation checks the portfolio target invariant: every
// percentage non-negative and the sum equal to 100 within 0.01.
func ValidateTargetAllocation(target map[string]float64) error {
	if len(target) == 0 {
		return nil
	}
	sum := 0.0
	for symbol, pct := range target {
		if pct < 0 {
			return Validationf("target_allocation", "target for %s is negative", symbol)
		}
		sum += pct
	}
	if sum < 99.99 || sum > 100.01 {
		return Validationf("target_allocation", "targets sum to %.2f, expected 100", sum)
	}
	return nil
}
