// Command kasgated runs the KasGate payment gateway: the HTTP API, the
// Subscription Hub's WebSocket upgrade, and every background worker the
// Engine owns (Ledger Watcher, Confirmation Tracker, Webhook Dispatcher,
// expiry sweep, heartbeat).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kasgate/internal/config"
	"kasgate/internal/engine"
	"kasgate/internal/httpapi"
	"kasgate/internal/logging"
	"kasgate/internal/store"
	"kasgate/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	env := strings.TrimSpace(os.Getenv("ENV"))
	logger := logging.Setup("kasgated", env)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "kasgated",
		Environment: env,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(cfg.OTelHeaders),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	e := engine.New(cfg, st, logger)

	ctx, cancelRun := context.WithCancel(context.Background())

	if err := e.Start(ctx); err != nil {
		log.Fatalf("rehydrate engine state: %v", err)
	}
	go e.Run(ctx)

	router := httpapi.NewRouter(e, cfg, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: httpapi.WithTelemetry(router, "kasgated"),
	}

	go func() {
		logger.Info("kasgated listening", "address", cfg.ListenAddress, "network", cfg.Network)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down kasgated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Shutdown order: HTTP first (stop accepting new work), then background
	// timers, then the Hub and the push backend inside Engine.Shutdown, and
	// the Store last. Queued webhook tasks are not drained.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http graceful shutdown failed: %v\n", err)
	}
	cancelRun()

	e.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "store close failed: %v\n", err)
	}
}
