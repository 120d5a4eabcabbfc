// Package main runs the telemetry client through one full lifecycle:
// start a timespan, initialize, stop it, submit a ping and shut down.
// With HTTP_PORT set it keeps serving /metrics and /lifecycle until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipico/telemetry"
	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/dispatcher"
	"github.com/sipico/telemetry/internal/metrics"
	"github.com/sipico/telemetry/internal/model"
)

const defaultAppID = "telemetry-demo"

var initialization = model.CommonMetricData{
	Name:        "initialization",
	Category:    "sample",
	SendInPings: []string{"validation"},
	Lifetime:    model.LifetimePing,
}

var validation = model.PingDescriptor{
	Name:            "validation",
	IncludeClientID: true,
	SendIfEmpty:     true,
}

// loadConfig reads TELEMETRY_* variables and falls back to a demo app id.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.ApplicationID == "" {
		cfg.ApplicationID = defaultAppID
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
}

// run drives one lifecycle and waits for shutdown to finish.
func run(ctx context.Context, client *telemetry.Client, cfg *config.Config) (dispatcher.Lifecycle, error) {
	span := client.Registry().Timespan(initialization, model.Nanosecond)
	ping := client.Registry().Ping(validation)

	span.Start()
	client.Initialize(cfg)
	span.Stop()
	ping.Submit("")
	client.Shutdown()

	if err := client.Wait(ctx); err != nil {
		return client.Lifecycle(), fmt.Errorf("shutdown did not finish: %w", err)
	}
	return client.Lifecycle(), nil
}

// setupRouter exposes self-diagnostics for the client.
func setupRouter(client *telemetry.Client, reg prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/lifecycle", func(w http.ResponseWriter, _ *http.Request) {
		lc := client.Lifecycle()
		writeJSON(w, map[string]any{
			"init":  lc.Init.String(),
			"phase": lc.Phase.String(),
			"stats": lc.Stats,
		})
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Response write errors are unrecoverable
	json.NewEncoder(w).Encode(v)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	client := telemetry.New(telemetry.WithLogger(logger), telemetry.WithRegisterer(reg))

	var httpServer *http.Server
	if port := os.Getenv("HTTP_PORT"); port != "" {
		httpServer = &http.Server{
			Addr:              ":" + port,
			Handler:           setupRouter(client, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving diagnostics", "port", port)
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	lc, err := run(ctx, client, cfg)
	cancel()
	if err != nil {
		logger.Error("telemetry demo failed", "error", err)
		os.Exit(1)
	}
	logger.Info("telemetry demo finished",
		"init", lc.Init.String(),
		"applied", lc.Stats.Applied,
		"discarded", lc.Stats.Discarded,
		"dropped", lc.Stats.Dropped,
	)

	if httpServer == nil {
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	//nolint:errcheck
	httpServer.Close()
}
