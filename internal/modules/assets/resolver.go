package assets

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/rs/zerolog"
)

// Outcome is the result class of one resolution attempt.
type Outcome string

const (
	// OutcomeResolved means exactly one canonical asset matched.
	OutcomeResolved Outcome = "resolved"
	// OutcomeAmbiguous means several active assets share the evidence and
	// nothing disambiguates them. The holding stays unresolved.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeUnknown means nothing matched.
	OutcomeUnknown Outcome = "unknown"
)

// Confidence tags which rung of the resolution ladder produced the match.
type Confidence string

const (
	ConfidenceContract   Confidence = "contract"
	ConfidenceExternalID Confidence = "external_id"
	ConfidenceSymbolName Confidence = "symbol_name"
	ConfidenceSymbolOnly Confidence = "symbol_only"
)

// Resolution is the answer for one vendor identifier.
type Resolution struct {
	Outcome    Outcome
	Confidence Confidence
	Asset      *domain.Asset
}

// registrySnapshot is the indexed, immutable view the hot path consults.
type registrySnapshot struct {
	byContract   map[string]*domain.Asset // "chainKey|loweredAddress"
	byExternalID map[string]*domain.Asset
	bySymbolName map[string]*domain.Asset   // "SYMBOL|name"
	bySymbol     map[string][]*domain.Asset // active assets per upper-cased symbol
	chainKeys    map[string]bool
	loadedAt     time.Time
}

// ChainKeyProvider supplies the known chain keys used to split
// chain-suffixed symbols. Implemented by the chains repository.
type ChainKeyProvider interface {
	ChainKeys(ctx context.Context) (map[string]bool, error)
}

// Resolver maps vendor identifiers to canonical assets. The three registry
// tables are small and consulted on every holding, so the resolver keeps an
// indexed snapshot behind a short TTL instead of hitting the database per
// lookup.
type Resolver struct {
	repo      *Repository
	chainKeys ChainKeyProvider
	ttl       time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	snapshot *registrySnapshot
}

// NewResolver creates a resolver refreshing its registry snapshot every ttl.
func NewResolver(repo *Repository, chainKeys ChainKeyProvider, ttl time.Duration, log zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{
		repo:      repo,
		chainKeys: chainKeys,
		ttl:       ttl,
		log:       log.With().Str("component", "asset_resolver").Logger(),
	}
}

// Invalidate drops the cached snapshot so the next lookup reloads. The
// reference-refresh job calls this after writing new assets.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// ResolveBalance resolves one connector balance. Contract evidence wins when
// present; otherwise the (possibly chain-suffixed) symbol is used.
func (r *Resolver) ResolveBalance(ctx context.Context, rb domain.RawBalance) (Resolution, error) {
	if rb.Contract != "" && rb.ChainKey != "" {
		res, err := r.ResolveContract(ctx, rb.ChainKey, rb.Contract)
		if err != nil {
			return Resolution{}, err
		}
		if res.Outcome == OutcomeResolved {
			return res, nil
		}
		// Fall through to symbol evidence when the contract is unregistered.
	}
	return r.ResolveSymbol(ctx, rb.Symbol)
}

// ResolveContract looks up an on-chain deployment.
func (r *Resolver) ResolveContract(ctx context.Context, chainKey, contractAddress string) (Resolution, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if a, ok := snap.byContract[contractKey(chainKey, contractAddress)]; ok {
		return Resolution{Outcome: OutcomeResolved, Confidence: ConfidenceContract, Asset: a}, nil
	}
	return Resolution{Outcome: OutcomeUnknown}, nil
}

// ResolveExternalID looks up a market-data-provider identifier.
func (r *Resolver) ResolveExternalID(ctx context.Context, externalID string) (Resolution, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if a, ok := snap.byExternalID[externalID]; ok {
		return Resolution{Outcome: OutcomeResolved, Confidence: ConfidenceExternalID, Asset: a}, nil
	}
	return Resolution{Outcome: OutcomeUnknown}, nil
}

// ResolveSymbolName looks up the unambiguous (symbol, name) pair.
func (r *Resolver) ResolveSymbolName(ctx context.Context, symbol, name string) (Resolution, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if a, ok := snap.bySymbolName[symbolNameKey(symbol, name)]; ok {
		return Resolution{Outcome: OutcomeResolved, Confidence: ConfidenceSymbolName, Asset: a}, nil
	}
	return Resolution{Outcome: OutcomeUnknown}, nil
}

// ResolveSymbol resolves a bare or chain-suffixed vendor symbol. A suffix
// matching a known chain key ("USDC-ethereum") is stripped as disambiguation
// evidence; the stem is the symbol. Symbol-only matching succeeds only when
// exactly one active asset carries the symbol, otherwise Ambiguous.
func (r *Resolver) ResolveSymbol(ctx context.Context, symbol string) (Resolution, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Resolution{}, err
	}

	stem, chainKey := splitChainSuffix(symbol, snap.chainKeys)

	candidates := snap.bySymbol[strings.ToUpper(stem)]
	switch len(candidates) {
	case 0:
		return Resolution{Outcome: OutcomeUnknown}, nil
	case 1:
		return Resolution{Outcome: OutcomeResolved, Confidence: ConfidenceSymbolOnly, Asset: candidates[0]}, nil
	}

	// Several assets share the symbol. A chain suffix narrows the field to
	// assets actually deployed on that chain.
	if chainKey != "" {
		var onChain []*domain.Asset
		for _, a := range candidates {
			if snap.assetOnChain(a.ID, chainKey) {
				onChain = append(onChain, a)
			}
		}
		if len(onChain) == 1 {
			return Resolution{Outcome: OutcomeResolved, Confidence: ConfidenceSymbolOnly, Asset: onChain[0]}, nil
		}
	}
	return Resolution{Outcome: OutcomeAmbiguous}, nil
}

// assetOnChain reports whether the snapshot has a contract row binding the
// asset to the chain.
func (s *registrySnapshot) assetOnChain(assetID, chainKey string) bool {
	prefix := chainKey + "|"
	for key, a := range s.byContract {
		if a.ID == assetID && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// splitChainSuffix splits "USDC-ethereum" into ("USDC", "ethereum") when the
// suffix is a known chain key. Unknown suffixes stay part of the symbol.
func splitChainSuffix(symbol string, chainKeys map[string]bool) (stem, chainKey string) {
	idx := strings.LastIndex(symbol, "-")
	if idx <= 0 || idx == len(symbol)-1 {
		return symbol, ""
	}
	suffix := strings.ToLower(symbol[idx+1:])
	if chainKeys[suffix] {
		return symbol[:idx], suffix
	}
	return symbol, ""
}

// load returns the current snapshot, reloading it when expired.
func (r *Resolver) load(ctx context.Context) (*registrySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot != nil && time.Since(r.snapshot.loadedAt) < r.ttl {
		return r.snapshot, nil
	}

	assets, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	contracts, err := r.repo.ListContracts(ctx)
	if err != nil {
		return nil, err
	}
	chainKeys, err := r.chainKeys.ChainKeys(ctx)
	if err != nil {
		return nil, err
	}

	snap := &registrySnapshot{
		byContract:   make(map[string]*domain.Asset),
		byExternalID: make(map[string]*domain.Asset),
		bySymbolName: make(map[string]*domain.Asset),
		bySymbol:     make(map[string][]*domain.Asset),
		chainKeys:    chainKeys,
		loadedAt:     time.Now(),
	}

	byID := make(map[string]*domain.Asset, len(assets))
	for i := range assets {
		a := &assets[i]
		byID[a.ID] = a
		snap.bySymbolName[symbolNameKey(a.Symbol, a.Name)] = a
		snap.bySymbol[strings.ToUpper(a.Symbol)] = append(snap.bySymbol[strings.ToUpper(a.Symbol)], a)
		if a.ExternalID != "" {
			snap.byExternalID[a.ExternalID] = a
		}
	}
	for _, c := range contracts {
		if a, ok := byID[c.AssetID]; ok {
			snap.byContract[contractKey(c.ChainKey, c.ContractAddress)] = a
		}
	}

	r.snapshot = snap
	r.log.Debug().
		Int("assets", len(assets)).
		Int("contracts", len(contracts)).
		Msg("Registry snapshot reloaded")
	return snap, nil
}

func contractKey(chainKey, address string) string {
	return strings.ToLower(chainKey) + "|" + strings.ToLower(address)
}

func symbolNameKey(symbol, name string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToLower(name)
}
