// Copyright 2025 Certen Protocol
//
// vpb-ledger runs the VPB ledger service for a single account:
// Postgres-backed storage, the VPB Manager lifecycle operations, the
// Validator Pipeline, and the HTTP operation surface over both.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/vpb-ledger/pkg/chaininfo"
	"github.com/certen/vpb-ledger/pkg/checkpoint"
	"github.com/certen/vpb-ledger/pkg/config"
	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/database"
	"github.com/certen/vpb-ledger/pkg/metrics"
	"github.com/certen/vpb-ledger/pkg/proof"
	"github.com/certen/vpb-ledger/pkg/server"
	"github.com/certen/vpb-ledger/pkg/validator"
	"github.com/certen/vpb-ledger/pkg/valuestore"
	"github.com/certen/vpb-ledger/pkg/vpb"
)

func main() {
	logger := log.New(os.Stdout, "[vpb-ledger] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	dbClient, err := database.NewClient(cfg)
	if err != nil {
		logger.Fatalf("connect to database: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(context.Background()); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	repos := database.NewRepositories(dbClient)

	ctx := context.Background()
	values, err := valuestore.New(ctx, cfg.Account, cryptoprovider.Keccak256, repos.Values)
	if err != nil {
		logger.Fatalf("load value collection: %v", err)
	}

	proofMgr := proof.NewManager(cfg.Account, repos.ProofUnits, cfg.BloomExpectedUnitsN, cfg.BloomFalsePositiveP,
		proof.WithLogger(log.New(os.Stdout, "[proof-manager] ", log.LstdFlags)))

	checkpoints := checkpoint.NewStore(repos.Checkpoints,
		checkpoint.WithLogger(log.New(os.Stdout, "[checkpoint-store] ", log.LstdFlags)))

	manager := vpb.NewManager(cfg.Account, cryptoprovider.Keccak256, values, repos.BlockIndex, proofMgr, checkpoints,
		vpb.WithVerifiedTTL(cfg.VerifiedTTL),
		vpb.WithLogger(log.New(os.Stdout, "[vpb-manager] ", log.LstdFlags)))

	snapshot := chaininfo.NewSnapshot(0, 0)
	vd := validator.New(snapshot, checkpoints,
		validator.WithLogger(log.New(os.Stdout, "[validator] ", log.LstdFlags)))

	handlers := server.NewLedgerHandlers(repos, manager, vd, cfg.Account,
		log.New(os.Stdout, "[ledger-api] ", log.LstdFlags))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/values/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/blocks"):
			handlers.HandleGetBlockIndex(w, r)
		case strings.HasSuffix(r.URL.Path, "/proof-units"):
			handlers.HandleGetProofOrder(w, r)
		default:
			handlers.HandleGetValueByNodeID(w, r)
		}
	})
	mux.HandleFunc("/api/v1/values", handlers.HandleListValuesByState)
	mux.HandleFunc("/api/v1/proof-units/", handlers.HandleGetProofUnit)
	mux.HandleFunc("/api/v1/lifecycle/initialize", handlers.HandleInitializeGenesis)
	mux.HandleFunc("/api/v1/lifecycle/transaction-sent", handlers.HandleUpdateAfterTransactionSent)
	mux.HandleFunc("/api/v1/lifecycle/receive", handlers.HandleReceiveVPB)
	mux.HandleFunc("/api/v1/lifecycle/sweep", handlers.HandleSweep)
	mux.HandleFunc("/api/v1/lifecycle/validate-integrity", handlers.HandleValidateIntegrity)
	mux.HandleFunc("/api/v1/validate", handlers.HandleRunValidator)
	mux.HandleFunc("/api/v1/stats", handlers.HandleGetStats)
	mux.HandleFunc("/api/v1/checkpoints/export", handlers.HandleExportCheckpoints)
	mux.HandleFunc("/api/v1/checkpoints", handlers.HandleListCheckpointsByOwner)
	mux.HandleFunc("/api/v1/checkpoints/", handlers.HandleGetCheckpoint)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, err := dbClient.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil || !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.WithRequestID(mux),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go runSweepLoop(sweepCtx, manager, cfg.VerifiedTTL, logger)

	go func() {
		logger.Printf("ledger API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("ledger API server: %v", err)
		}
	}()
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	sweepCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}

// runSweepLoop periodically sweeps Verified Values past their TTL to
// Unspent (spec.md §4.7), independent of the on-demand HTTP endpoint.
func runSweepLoop(ctx context.Context, manager *vpb.Manager, ttl time.Duration, logger *log.Logger) {
	interval := ttl
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := manager.SweepVerifiedToUnspent(ctx)
			if err != nil {
				logger.Printf("sweep: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("swept %d values to unspent", n)
			}
		}
	}
}

