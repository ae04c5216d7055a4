// Package main is the entry point for the crypto pocket butler service.
// It aggregates balances from exchange accounts and on-chain wallets,
// values user portfolios against the collected price series, and emits
// rebalancing recommendations.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/evm"
	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/okx"
	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/paprika"
	"github.com/doitsu2014/crypto-pocket-butler/internal/config"
	"github.com/doitsu2014/crypto-pocket-butler/internal/database"
	"github.com/doitsu2014/crypto-pocket-butler/internal/jobs"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/chains"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/recommendations"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/snapshots"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/users"
	"github.com/doitsu2014/crypto-pocket-butler/internal/scheduler"
	"github.com/doitsu2014/crypto-pocket-butler/internal/secrets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/server"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/logger"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ttlcache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	log.Info().Msg("Starting crypto pocket butler")

	// Database, schema, and pool configuration from DB_* keys.
	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Credential sealing. Without a configured key a throwaway one is
	// generated: syncs work until restart, which is fine for development but
	// logged loudly.
	credKey := cfg.CredentialsKey
	if credKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate credentials key")
		}
		credKey = hex.EncodeToString(buf)
		log.Warn().Msg("CREDENTIALS_KEY not set; using an ephemeral key, sealed credentials will not survive a restart")
	}
	box, err := secrets.NewBox(credKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid credentials key")
	}

	// Process-wide limiter set and caches.
	limiters := ratelimit.NewRegistry()
	limiters.Register("paprika", 5, 2000*time.Millisecond)
	limiters.Register("exchange", 3, 100*time.Millisecond)
	limiters.Register("evm", 5, 50*time.Millisecond)

	priceCache := ttlcache.New[string, string](10000, 60*time.Second)
	chainCache := ttlcache.New[string, string](1000, 30*time.Second)

	// Repositories.
	conn := db.Conn()
	userRepo := users.NewRepository(conn, log)
	accountRepo := accounts.NewRepository(conn, log)
	portfolioRepo := portfolios.NewRepository(conn, log)
	chainRepo := chains.NewRepository(conn, log)
	assetRepo := assets.NewRepository(conn, log)
	priceRepo := assets.NewPriceRepository(conn, log)
	snapshotRepo := snapshots.NewRepository(conn, log)
	recommendationRepo := recommendations.NewRepository(conn, log)

	ctx := context.Background()
	if cfg.ChainRegistry != "" {
		if err := chainRepo.SeedFromFile(ctx, cfg.ChainRegistry); err != nil {
			log.Warn().Err(err).Msg("Chain registry seed failed, continuing with stored registry")
		}
	}

	// Connectors and the resolver.
	resolver := assets.NewResolver(assetRepo, chainRepo, time.Minute, log)
	okxClient := okx.NewClient("", limiters.Get("exchange"), log)
	evmClient := evm.NewClient(limiters.Get("evm"), chainCache, log)
	paprikaClient := paprika.NewClient("", limiters.Get("paprika"), log)

	// Services.
	syncService := accounts.NewService(
		accountRepo, chainRepo, resolver,
		map[string]accounts.ExchangeConnector{"okx": okxClient},
		evmClient, box, log,
	)
	aggregator := portfolios.NewAggregator(portfolioRepo, accountRepo, log)
	valuator := portfolios.NewValuator(aggregator, portfolioRepo, assetRepo, priceRepo,
		time.Duration(cfg.PriceStalenessSecs)*time.Second, log)
	snapshotWriter := snapshots.NewWriter(portfolioRepo, valuator, snapshotRepo, log)
	generator := recommendations.NewGenerator(portfolioRepo, valuator, recommendationRepo, log)

	// Jobs and their cron wiring.
	runner := jobs.NewRunner(conn, log)
	sched := scheduler.New(runner, log)
	jobList := []struct {
		cfg config.JobConfig
		job jobs.Job
	}{
		{cfg.ReferenceRefresh, jobs.NewReferenceRefreshJob(paprikaClient, assetRepo, resolver, cfg.ReferenceRefresh.Limit, log)},
		{cfg.PriceCollection, jobs.NewPriceCollectionJob(paprikaClient, assetRepo, priceRepo, resolver, accountRepo, priceCache, cfg.PriceCollection.Limit, log)},
		{cfg.EODSnapshot, jobs.NewEODSnapshotJob(portfolioRepo, snapshotWriter, log)},
	}
	for _, entry := range jobList {
		if err := sched.AddJob(entry.cfg, entry.job); err != nil {
			log.Fatal().Err(err).Msg("Failed to register job")
		}
	}
	sched.Start()
	defer sched.Stop()

	// HTTP surface.
	srv := server.New(cfg.Port, server.Deps{
		Users:           userRepo,
		Accounts:        syncService,
		Portfolios:      portfolioRepo,
		Valuator:        valuator,
		SnapshotWriter:  snapshotWriter,
		Snapshots:       snapshotRepo,
		Recommendations: recommendationRepo,
		Generator:       generator,
		Assets:          assetRepo,
		Prices:          priceRepo,
		PriceStaleness:  time.Duration(cfg.PriceStalenessSecs) * time.Second,
		Chains:          chainRepo,
		Runner:          runner,
		HealthCheck:     db.HealthCheck,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	log.Info().Msg("Stopped")
}
