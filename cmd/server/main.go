package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bezaspace/finvoice/internal/audio"
	"github.com/bezaspace/finvoice/internal/config"
	"github.com/bezaspace/finvoice/internal/metrics"
	"github.com/bezaspace/finvoice/internal/relay"
	"github.com/bezaspace/finvoice/internal/server"
	"github.com/bezaspace/finvoice/internal/session"
	"github.com/bezaspace/finvoice/internal/store"
	"github.com/bezaspace/finvoice/internal/upstream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "finvoice"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load .env if present; environment overrides are applied by config.Load
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("idle_timeout", cfg.Relay.IdleTimeout),
		slog.Int("output_sample_rate", cfg.Relay.OutputSampleRate),
		slog.String("upstream_endpoint", cfg.Upstream.Endpoint),
		slog.String("upstream_model", cfg.Upstream.Model),
		slog.String("db_path", cfg.Store.DBPath),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the finance store (runs migrations)
	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		logger.Error("Failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Store opened", slog.String("db_path", cfg.Store.DBPath))

	// Initialize upstream client
	upstreamClient, err := upstream.NewClient(upstream.Config{
		Endpoint:       cfg.Upstream.Endpoint,
		APIKey:         cfg.Upstream.APIKey,
		ConnectTimeout: cfg.Upstream.GetConnectTimeout(),
		WriteTimeout:   cfg.Upstream.GetWriteTimeout(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create upstream client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize audio normalization pipeline
	transcoder := audio.NewFFmpegTranscoder(
		cfg.Audio.TranscoderPath,
		cfg.Audio.TempDir,
		cfg.Audio.GetTranscodeTimeout(),
		logger,
	)
	normalizer := audio.NewNormalizer(transcoder, logger)

	// Initialize session registry with idle eviction
	registry := session.NewRegistry(logger, cfg.Relay.GetIdleTimeout(), cfg.Relay.GetSweepInterval())
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Relay.GetIdleTimeout()),
		slog.Duration("sweep_interval", cfg.Relay.GetSweepInterval()),
	)

	// Initialize combined HTTP/WebSocket server
	srv := server.New(&cfg.Server, logger, server.Deps{
		Registry:   registry,
		Store:      db,
		Dialer:     upstreamClient,
		Normalizer: normalizer,
		Metrics:    appMetrics,
		RelayCfg: relay.Config{
			Model:            cfg.Upstream.Model,
			SystemPrompt:     cfg.Upstream.SystemPrompt,
			OutputSampleRate: cfg.Relay.OutputSampleRate,
		},
	})

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Tear down remaining voice sessions
	registry.Stop()

	// Close the store last
	if err := db.Close(); err != nil {
		logger.Error("Error closing store", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
