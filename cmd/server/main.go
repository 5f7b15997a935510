// cmd/server/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "devicelab/internal/api/http"
	"devicelab/internal/catalog"
	"devicelab/internal/config"
	"devicelab/internal/domain"
	"devicelab/internal/engine"
	"devicelab/internal/history"
	"devicelab/internal/infra/devicesim"
	"devicelab/internal/infra/hub"
	"devicelab/internal/scheduler"
	"devicelab/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for the dashboard
// frontend served from another origin during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("devicelab")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 3. Root context and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Build the test catalog
	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		log.Fatalf("Failed to load test catalog: %v", err)
	}
	logger.Info("test catalog loaded", "tests", len(cat.List()))

	// 5. Command channel. The simulator stands in for the device bridge;
	// a real deployment injects its bridge client here.
	var channel domain.CommandChannel
	if cfg.SimulateDevice {
		channel = devicesim.New(devicesim.DefaultOptions(), logger)
		logger.Info("using simulated device channel")
	} else {
		log.Fatalf("no command channel configured: set simulate_device or wire a bridge")
	}

	// 6. Engine wiring
	events := hub.New(logger)
	store := history.NewStore(cfg.HistoryCap, logger)
	executor := engine.NewExecutor(channel, cfg.DefaultCommandTimeout, cfg.PollInterval, logger)
	manager := engine.NewManager(cat, store, events, executor, logger)

	// 7. Scheduled diagnostics
	diagScheduler := scheduler.New(manager, logger)
	for _, sched := range cfg.Schedules {
		if err := diagScheduler.Add(sched); err != nil {
			log.Fatalf("Failed to add schedule: %v", err)
		}
	}
	go func() {
		if err := diagScheduler.Start(rootCtx); err != nil && err != context.Canceled {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	// 8. Routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewTestHandler(manager, logger).RegisterRoutes(mux)

	// 9. HTTP server
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
