package server

import (
	"net/http"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/go-chi/chi/v5"
)

// accountView is the account projection returned to clients. Credentials
// never leave the server.
type accountView struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Kind          string           `json:"kind"`
	ExchangeName  string           `json:"exchange_name,omitempty"`
	WalletAddress string           `json:"wallet_address,omitempty"`
	EnabledChains []string         `json:"enabled_chains,omitempty"`
	Holdings      []domain.Holding `json:"holdings"`
	LastSyncedAt  interface{}      `json:"last_synced_at"`
	SyncError     string           `json:"sync_error,omitempty"`
	IsActive      bool             `json:"is_active"`
}

func toAccountView(a domain.Account) accountView {
	view := accountView{
		ID:            a.ID,
		Name:          a.Name,
		Kind:          string(a.Kind),
		ExchangeName:  a.ExchangeName,
		WalletAddress: a.WalletAddress,
		EnabledChains: a.EnabledChains,
		Holdings:      a.Holdings,
		SyncError:     a.SyncError,
		IsActive:      a.IsActive,
	}
	if a.LastSyncedAt != nil {
		view.LastSyncedAt = a.LastSyncedAt
	}
	return view
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.HealthCheck != nil {
		if err := h.deps.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ===== Accounts =====

func (h *handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	list, err := h.deps.Accounts.Repo().ListByUser(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	views := make([]accountView, 0, len(list))
	for _, a := range list {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

type createAccountRequest struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	ExchangeName  string   `json:"exchange_name"`
	APIKey        string   `json:"api_key"`
	APISecret     string   `json:"api_secret"`
	Passphrase    string   `json:"passphrase"`
	WalletAddress string   `json:"wallet_address"`
	EnabledChains []string `json:"enabled_chains"`
}

func (h *handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	account, err := h.deps.Accounts.Create(r.Context(), user.ID, accounts.CreateInput{
		Name:          req.Name,
		Kind:          domain.AccountKind(req.Kind),
		ExchangeName:  req.ExchangeName,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		Passphrase:    req.Passphrase,
		WalletAddress: req.WalletAddress,
		EnabledChains: req.EnabledChains,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountView(*account))
}

type updateAccountRequest struct {
	Name          *string   `json:"name"`
	EnabledChains *[]string `json:"enabled_chains"`
	IsActive      *bool     `json:"is_active"`
	APIKey        *string   `json:"api_key"`
	APISecret     *string   `json:"api_secret"`
	Passphrase    *string   `json:"passphrase"`
}

func (h *handler) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	account, err := h.deps.Accounts.Update(r.Context(), user.ID, chi.URLParam(r, "accountID"), accounts.UpdateInput{
		Name:          req.Name,
		EnabledChains: req.EnabledChains,
		IsActive:      req.IsActive,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		Passphrase:    req.Passphrase,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(*account))
}

func (h *handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := h.deps.Accounts.Repo().Delete(r.Context(), user.ID, chi.URLParam(r, "accountID")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	report, err := h.deps.Accounts.Sync(r.Context(), user.ID, chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) handleSyncUserAccounts(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	report, err := h.deps.Accounts.SyncUser(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ===== Portfolios =====

type portfolioRequest struct {
	Name             *string             `json:"name"`
	Description      *string             `json:"description"`
	TargetAllocation *map[string]float64 `json:"target_allocation"`
	Guardrails       *domain.Guardrails  `json:"guardrails"`
	IsDefault        *bool               `json:"is_default"`
	AccountIDs       *[]string           `json:"account_ids"`
}

func (h *handler) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	list, err := h.deps.Portfolios.ListByUser(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req portfolioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	spec := portfolios.CreateSpec{}
	if req.Name != nil {
		spec.Name = *req.Name
	}
	if req.Description != nil {
		spec.Description = *req.Description
	}
	if req.TargetAllocation != nil {
		spec.TargetAllocation = *req.TargetAllocation
	}
	if req.Guardrails != nil {
		spec.Guardrails = *req.Guardrails
	}
	if req.IsDefault != nil {
		spec.IsDefault = *req.IsDefault
	}
	if req.AccountIDs != nil {
		spec.AccountIDs = *req.AccountIDs
	}

	portfolio, err := h.deps.Portfolios.Create(r.Context(), user.ID, spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, portfolio)
}

func (h *handler) handleUpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req portfolioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	portfolio, err := h.deps.Portfolios.Update(r.Context(), user.ID, chi.URLParam(r, "portfolioID"), portfolios.Patch{
		Name:             req.Name,
		Description:      req.Description,
		TargetAllocation: req.TargetAllocation,
		Guardrails:       req.Guardrails,
		IsDefault:        req.IsDefault,
		AccountIDs:       req.AccountIDs,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (h *handler) handleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := h.deps.Portfolios.Delete(r.Context(), user.ID, chi.URLParam(r, "portfolioID")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	portfolio, err := h.deps.Portfolios.GetOwned(r.Context(), user.ID, chi.URLParam(r, "portfolioID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	allocation, err := h.deps.Valuator.Value(r.Context(), portfolio)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation)
}

// ===== Snapshots =====

type createSnapshotRequest struct {
	Kind string `json:"kind"`
	Date string `json:"date"`
}

func (h *handler) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	result, err := h.deps.SnapshotWriter.WriteOwned(r.Context(), user.ID,
		chi.URLParam(r, "portfolioID"), req.Date, domain.SnapshotKind(req.Kind))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result.Snapshot)
}

func (h *handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	list, err := h.deps.Snapshots.ListByPortfolio(r.Context(), user.ID, chi.URLParam(r, "portfolioID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ===== Recommendations =====

func (h *handler) handleGenerateRecommendation(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	rec, err := h.deps.Generator.Generate(r.Context(), user.ID, chi.URLParam(r, "portfolioID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	list, err := h.deps.Recommendations.ListByPortfolio(r.Context(), user.ID, chi.URLParam(r, "portfolioID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *handler) handleUpdateRecommendationStatus(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	rec, err := h.deps.Recommendations.UpdateStatus(r.Context(), user.ID,
		chi.URLParam(r, "recommendationID"), domain.RecommendationStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ===== Assets and prices =====

// latestPriceView is the read projection of one latest-price lookup.
type latestPriceView struct {
	AssetID   string    `json:"asset_id"`
	PriceUSD  string    `json:"price_usd"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	IsStale   bool      `json:"is_stale"`
}

func (h *handler) handleListAssets(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Assets.ListActive(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) handleGetLatestPrice(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	if _, err := h.deps.Assets.GetByID(r.Context(), assetID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	staleness := h.deps.PriceStaleness
	if staleness <= 0 {
		staleness = time.Hour
	}
	prices, err := h.deps.Prices.LatestPrices(r.Context(), []string{assetID}, staleness, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	price, ok := prices[assetID]
	if !ok {
		h.writeDomainError(w, domain.NotFoundf("no price recorded for asset %s", assetID))
		return
	}
	writeJSON(w, http.StatusOK, latestPriceView{
		AssetID:   price.AssetID,
		PriceUSD:  price.PriceUSD.String(),
		Timestamp: price.Timestamp,
		Source:    price.Source,
		IsStale:   price.Stale,
	})
}

// ===== Chain registry admin =====

func (h *handler) handleListChains(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Chains.ListActiveChains(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) handleUpsertChain(w http.ResponseWriter, r *http.Request) {
	var chain domain.Chain
	if err := decodeJSON(r, &chain); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.deps.Chains.UpsertChain(r.Context(), chain); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (h *handler) handleUpsertToken(w http.ResponseWriter, r *http.Request) {
	var token domain.Token
	if err := decodeJSON(r, &token); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.deps.Chains.UpsertToken(r.Context(), token); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// ===== Jobs =====

func (h *handler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Runner.RunByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil && report.Name == "" {
		h.writeDomainError(w, err)
		return
	}
	// A job that ran but failed still returns its report.
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.deps.Runner.History(r.Context(), chi.URLParam(r, "name"), 20)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
