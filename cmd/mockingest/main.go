// Package main runs a standalone mock ingestion server for local testing.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipico/telemetry/internal/testutil/mockingest"
)

// getPort returns the port from the PORT environment variable or the default.
func getPort() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	return port
}

// newLogger logs at debug level when MOCKINGEST_DEBUG is set.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("MOCKINGEST_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func createHTTPServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// setupShutdownHandler closes the server on SIGINT or SIGTERM.
func setupShutdownHandler(logger *slog.Logger, httpServer *http.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down mockingest server")
		//nolint:errcheck
		httpServer.Close()
		close(done)
	}()
	return done
}

// doHealthCheck returns 0 if url answers 200, 1 otherwise.
func doHealthCheck(url string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	//nolint:errcheck // Response body close errors are unrecoverable in health check
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(doHealthCheck("http://localhost:" + getPort() + "/health"))
	}

	logger := newLogger()
	port := getPort()
	server := mockingest.New(logger)
	defer server.Close()

	httpServer := createHTTPServer(port, server.Handler())
	done := setupShutdownHandler(logger, httpServer)

	logger.Info("mockingest listening", "port", port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("mockingest stopped")
}
