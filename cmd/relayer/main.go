// Package main runs the market creation relayer: the HTTP API, the creation
// pipeline and its progress stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-relayer/internal/api"
	"market-relayer/internal/chain"
	"market-relayer/internal/config"
	"market-relayer/internal/facets"
	"market-relayer/internal/metatx"
	"market-relayer/internal/pipeline"
	"market-relayer/internal/progress"
	"market-relayer/internal/reconcile"
	"market-relayer/internal/storage"
	chstore "market-relayer/internal/storage/clickhouse"
	"market-relayer/internal/storage/memory"
	"market-relayer/internal/storage/migrations"
	pgstore "market-relayer/internal/storage/postgres"
)

const shutdownTimeout = 30 * time.Second

// stores holds the relayer's storage implementations.
type stores struct {
	markets storage.MarketStore
	journal storage.StepStore
	ready   func(ctx context.Context) error
}

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}

	logger := log.New(os.Stdout, "[relayer] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Relayer error: %v", err)
	}
	logger.Println("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if want := cfg.ChainIDBig(); want != nil && want.Cmp(chainID) != 0 {
		return fmt.Errorf("rpc reports chain id %s, configured %s", chainID, want)
	}
	logger.Printf("Connected to chain %s as %s", chainID, cfg.Relayer().Hex())

	st, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	pipelineLog := log.New(os.Stdout, "[pipeline] ", log.LstdFlags|log.Lshortfile)
	progressLog := log.New(os.Stdout, "[progress] ", log.LstdFlags|log.Lshortfile)

	hub := progress.NewHub(nil, progressLog)
	defer hub.Close()
	transports := progress.MultiTransport{hub}
	if cfg.RedisURL != "" {
		rt, err := progress.NewRedisTransport(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rt.Close()
		transports = append(transports, rt)
		logger.Println("Progress events fan out to Redis")
	}
	broadcaster := progress.NewBroadcaster(transports, progress.Options{Logger: progressLog})

	builder, err := facets.NewBuilder(cfg.Facets, pipelineLog)
	if err != nil {
		return err
	}
	factory := chain.NewFactory(cfg.Factory, client)
	authorizer := metatx.NewAuthorizer(factory, metatx.Config{
		Enabled:       cfg.Gasless,
		DomainName:    cfg.DomainName,
		DomainVersion: cfg.DomainVersion,
		ChainID:       chainID,
		Factory:       cfg.Factory,
	}, pipelineLog)

	reconciler := reconcile.New(st.markets, reconcile.Options{
		Backend:             client,
		Factory:             cfg.Factory,
		ChainID:             chainID.Int64(),
		DefaultFeeRecipient: cfg.DefaultFeeRecipient(),
		Logger:              pipelineLog,
	})

	runner, err := pipeline.New(pipeline.Options{
		Backend:        client,
		Signers:        chain.NewSignerPool(client, chainID, cfg.Fees),
		Key:            cfg.Key,
		Factory:        cfg.Factory,
		Vault:          cfg.Vault,
		Registry:       cfg.Registry,
		Builder:        builder,
		Authorizer:     authorizer,
		Reconciler:     reconciler,
		Journal:        st.journal,
		Broadcaster:    broadcaster,
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.PollInterval,
		Logger:         pipelineLog,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Options{
		Runner:     runner,
		Reconciler: reconciler,
		Markets:    st.markets,
		Journal:    st.journal,
		Hub:        hub,
		Ready:      st.ready,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Starting HTTP server on %s (gasless=%t)", cfg.ListenAddr, cfg.Gasless)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// Stop accepting requests, then let running pipelines reach a terminal
	// outcome before stores and the RPC client close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	go func() {
		if sig, ok := <-sigCh; ok {
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		}
	}()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown timed out: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), runner.DrainBudget())
	defer cancelDrain()
	if err := runner.Drain(drainCtx); err != nil {
		logger.Printf("Abandoning pipelines: %v", err)
	}
	broadcaster.Close()
	return nil
}

// createStores builds the market store and step journal.
func createStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (*stores, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return &stores{
			markets: memory.NewMarketStore(),
			journal: memory.NewStepStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	st := &stores{
		markets: pgstore.NewMarketStore(pool),
		journal: chstore.NewPipelineStepStore(chConn),
		ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := chConn.Ping(ctx); err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			return nil
		},
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return st, cleanup, nil
}
