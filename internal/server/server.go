// Package server is the thin HTTP adapter over the core: routing, request
// decoding, response encoding, and mapping of error kinds to statuses.
// Identity-provider token validation happens upstream; the verified subject
// arrives in the X-User-Subject header.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/jobs"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/chains"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/recommendations"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/snapshots"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/users"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// subjectHeader carries the verified identity-provider subject.
const subjectHeader = "X-User-Subject"

type contextKey string

const userKey contextKey = "user"

// Server bundles the HTTP surface.
type Server struct {
	router chi.Router
	http   *http.Server
	log    zerolog.Logger
}

// Deps are the core components the handlers call into.
type Deps struct {
	Users           *users.Repository
	Accounts        *accounts.Service
	Portfolios      *portfolios.Repository
	Valuator        *portfolios.Valuator
	SnapshotWriter  *snapshots.Writer
	Snapshots       *snapshots.Repository
	Recommendations *recommendations.Repository
	Generator       *recommendations.Generator
	Assets          *assets.Repository
	Prices          *assets.PriceRepository
	PriceStaleness  time.Duration
	Chains          *chains.Repository
	Runner          *jobs.Runner
	HealthCheck     func(ctx context.Context) error
}

// New builds the router and handlers.
func New(port int, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		log: log.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", subjectHeader},
	}))

	h := &handler{deps: deps, log: s.log}

	r.Get("/health", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(h.withUser)
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.handleListAccounts)
			r.Post("/", h.handleCreateAccount)
			r.Post("/sync", h.handleSyncUserAccounts)
			r.Patch("/{accountID}", h.handleUpdateAccount)
			r.Delete("/{accountID}", h.handleDeleteAccount)
			r.Post("/{accountID}/sync", h.handleSyncAccount)
		})
		r.Route("/portfolios", func(r chi.Router) {
			r.Get("/", h.handleListPortfolios)
			r.Post("/", h.handleCreatePortfolio)
			r.Patch("/{portfolioID}", h.handleUpdatePortfolio)
			r.Delete("/{portfolioID}", h.handleDeletePortfolio)
			r.Get("/{portfolioID}/allocation", h.handleGetAllocation)
			r.Post("/{portfolioID}/snapshots", h.handleCreateSnapshot)
			r.Get("/{portfolioID}/snapshots", h.handleListSnapshots)
			r.Post("/{portfolioID}/recommendations", h.handleGenerateRecommendation)
			r.Get("/{portfolioID}/recommendations", h.handleListRecommendations)
		})
		r.Patch("/recommendations/{recommendationID}/status", h.handleUpdateRecommendationStatus)
		r.Route("/assets", func(r chi.Router) {
			r.Get("/", h.handleListAssets)
			r.Get("/{assetID}/prices/latest", h.handleGetLatestPrice)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Put("/chains", h.handleUpsertChain)
			r.Get("/chains", h.handleListChains)
			r.Put("/tokens", h.handleUpsertToken)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/{name}/run", h.handleRunJob)
			r.Get("/{name}/history", h.handleJobHistory)
		})
	})

	s.router = r
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handler carries the dependencies of every endpoint.
type handler struct {
	deps Deps
	log  zerolog.Logger
}

// withUser upserts the user row for the verified subject and stores it in
// the request context. Requests without a subject are unauthenticated.
func (h *handler) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get(subjectHeader)
		if subject == "" {
			writeError(w, http.StatusUnauthorized, "missing subject")
			return
		}
		user, err := h.deps.Users.GetOrCreateByExternalID(r.Context(), subject)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) *domain.User {
	user, _ := r.Context().Value(userKey).(*domain.User)
	return user
}

// writeDomainError maps error kinds to transport statuses.
func (h *handler) writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindAuthFailure:
		status = http.StatusBadGateway
	case domain.KindRateLimited, domain.KindResourceExhausted:
		status = http.StatusServiceUnavailable
	case domain.KindTransient, domain.KindUpstream:
		status = http.StatusBadGateway
	case domain.KindInternal:
		// Invariant violations log with context and surface generically.
		h.log.Error().Err(err).Msg("Internal error")
		writeJSON(w, status, map[string]string{"kind": string(kind), "message": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"kind": string(kind), "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return domain.Validationf("body", "invalid JSON body: %v", err)
	}
	return nil
}
