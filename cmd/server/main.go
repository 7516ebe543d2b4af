package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ParleSec/casproxy/internal/core"
	"github.com/ParleSec/casproxy/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := core.LoadConfig()
	if err != nil {
		logger.New(0).Fatal("failed to load configuration", "error", err)
	}

	log := logger.New(cfg.Level())
	log.Info("configuration loaded", "env", cfg.Environment, "mock_cas", cfg.MockCASEnabled)

	// Wire the CAS client, session store and TIS clients
	deps := core.Bootstrap(cfg, log)

	// Create and configure server
	server := core.NewServer(deps)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		// A cold login can take a full upstream timeout for each of the
		// token fetch, the login form and the service bridge.
		WriteTimeout: 3*cfg.Upstream.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", cfg.ListenAddr, "api", cfg.BaseURL+"/api")
		if cfg.MockCASEnabled {
			log.Info("mock CAS available", "login", cfg.Upstream.LoginURL)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", "error", err)
	}

	log.Info("server exited gracefully", "accounts", deps.Auth.Accounts())
}
