// Command mockregistry runs the registry simulator as a standalone server for
// local development against the gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"ossgateway/internal/platform/config"
	"ossgateway/internal/platform/httpserver"
	"ossgateway/internal/platform/logger"
	"ossgateway/internal/platform/middleware"
	"ossgateway/internal/registry/simulator"
)

func main() {
	cfg, err := config.MockRegistryFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(
		simulator.WithLogger(log),
		simulator.WithCompletionLag(cfg.CompletionLag),
		simulator.WithProcessingAfter(cfg.ProcessingAt),
		simulator.WithRejectRate(cfg.RejectRate),
		simulator.WithLatency(cfg.LatencyMin, cfg.LatencyMax),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	sim.Register(r)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"success":false,"message":"Endpoint not found"}`, http.StatusNotFound)
	})

	log.Info("mock registry listening", "addr", cfg.Addr, "completion_lag", cfg.CompletionLag, "reject_rate", cfg.RejectRate)
	if err := httpserver.Run(ctx, httpserver.New(cfg.Addr, r), 5*time.Second); err != nil {
		log.Error("mock registry stopped with error", "error", err)
		os.Exit(1)
	}
}
