// Copyright 2025 BioPassport Project
//
// BioPassport registry service entrypoint. Wires the registry state machine,
// the verification predicate and the HTTP API together.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xaviwho/biopassport/pkg/artifact"
	"github.com/xaviwho/biopassport/pkg/config"
	"github.com/xaviwho/biopassport/pkg/registry"
	"github.com/xaviwho/biopassport/pkg/server"
	"github.com/xaviwho/biopassport/pkg/verify"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		inMemory = flag.Bool("in-memory", false, "Run with an in-memory state store (no persistence)")
		showHelp = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	log.Printf("[main] starting BioPassport registry service")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid configuration: %v", err)
	}

	// Snapshot store: goleveldb under DataDir, or memdb with -in-memory.
	var snapshots *registry.SnapshotStore
	if *inMemory || cfg.DataDir == "" {
		log.Printf("[main] using in-memory snapshot store (no persistence)")
		snapshots = registry.NewMemSnapshotStore()
	} else {
		var err error
		snapshots, err = registry.OpenSnapshotStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("[main] failed to open snapshot store: %v", err)
		}
		log.Printf("[main] snapshot store open at %s", cfg.DataDir)
	}
	defer snapshots.Close()

	metrics := registry.NewMetrics(prometheus.DefaultRegisterer)
	reg, err := registry.New(registry.Options{
		Admin:      cfg.Admin(),
		KV:         snapshots,
		Metrics:    metrics,
		QueueDepth: cfg.QueueDepth,
	})
	if err != nil {
		log.Fatalf("[main] failed to build registry: %v", err)
	}
	defer reg.Close()
	log.Printf("[main] registry ready at height %d (admin %s)", reg.Height(), cfg.Admin().Hex())

	// The artifact store client is deployment-specific; the built-in memory
	// store serves integrity checks for artifacts uploaded via this process.
	store := artifact.NewMemoryStore()
	checker := artifact.NewChecker(store, cfg.ArtifactTimeout)
	verifier := verify.New(reg, checker, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	server.NewRegistryHandlers(reg).Register(mux)
	server.NewVerifyHandlers(verifier).Register(mux)

	apiSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Printf("[main] metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()
	go func() {
		log.Printf("[main] API listening on %s", cfg.ListenAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] API server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("[main] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] API shutdown error: %v", err)
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] metrics shutdown error: %v", err)
	}
	log.Printf("[main] stopped at height %d", reg.Height())
}

func printHelp() {
	log.Printf(`BioPassport registry service

Environment:
  API_HOST / API_PORT             API listen address (default 0.0.0.0:8080)
  METRICS_PORT                    Prometheus listen port (default 9090)
  BIOPASSPORT_ADMIN_ADDRESS       Registry admin address (required)
  DATA_DIR                        State store directory (default ./data)
  DATABASE_URL                    Optional evaluation archive (Postgres)
  ARTIFACT_FETCH_TIMEOUT          Integrity check fetch deadline (default 10s)

Flags:
  -in-memory    run without persistence
  -help         show this message`)
}
