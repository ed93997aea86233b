// netchat gateway server. Bridges browser WebSocket clients to an LLM agent
// that queries NetBox through an MCP tool subprocess.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/netchat/netchat/pkg/api"
	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/registry"
	"github.com/netchat/netchat/pkg/sanitize"
	"github.com/netchat/netchat/pkg/transport"
	"github.com/netchat/netchat/pkg/version"
)

const shutdownTimeout = 20 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	// Load .env before the config file so {{.VAR}} references resolve.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Load(filepath.Join(*configDir, config.ConfigFileName))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting netchat",
		"version", version.Full(),
		"listen_addr", cfg.Server.ListenAddr,
		"default_model", cfg.Chat.DefaultModel)

	reg, err := registry.New(registry.Builtin(), cfg.Chat.DefaultModel)
	if err != nil {
		logger.Error("Invalid model registry", "error", err)
		os.Exit(1)
	}

	san := sanitize.New(cfg.CredentialValues())
	factory := transport.NewFactory()
	server := api.NewServer(cfg, reg, factory, transport.KindDirect, san, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
