// Package main is the entry point for the ClickModel.AI server.
//
// main stays minimal. It:
//  1. loads and validates configuration
//  2. builds the logger
//  3. hands both to internal/server and blocks until shutdown
//
// All real work lives in the internal packages.
package main

import (
	"log/slog"
	"os"

	"github.com/sakif/clickmodel/internal/config"
	"github.com/sakif/clickmodel/internal/logger"
	"github.com/sakif/clickmodel/internal/server"
)

func main() {
	// === 1. CONFIGURATION ===
	// Defaults, then configs/settings.yml, then .env, then the environment.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. LOGGING ===
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 3. SERVER ===
	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
