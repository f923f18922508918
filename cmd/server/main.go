package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/stakewatch/service/config"
	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/engine"
	"github.com/brojonat/stakewatch/service/events"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/brojonat/stakewatch/service/server"
	"github.com/brojonat/stakewatch/service/watch"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Key material is read once from the keygen files and wiped on exit.
	if err := cfg.LoadKeypairs(); err != nil {
		logger.Error("failed to load keypairs", "error", err)
		os.Exit(1)
	}
	defer cfg.Zero()

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize database store
	store := db.NewStore(dbPool, metricsCollector)

	// Initialize NATS event publisher
	publisher, err := events.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create event publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	rpcClient := ledger.NewRPCClient(
		solanarpc.New(cfg.SolanaRPCURL),
		endpointLabel(cfg.SolanaRPCURL),
		metricsCollector,
		logger,
	)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL)

	program := ledger.NewProgram(cfg.StakeProgramID)
	reader := ledger.NewReader(rpcClient, program, logger)

	// Watcher owns the polling sessions that keep position state fresh.
	watcher := watch.NewWatcher(watch.WatcherConfig{
		Reader:   reader,
		Interval: cfg.PollInterval,
		Events:   publisher,
		Metrics:  metricsCollector,
		Logger:   logger,
	})
	defer watcher.StopAll()

	walletSigner := ledger.NewKeypairSigner(cfg.WalletKey)
	wallet := walletSigner.PublicKey()

	var treasurySigner ledger.Signer
	if len(cfg.TreasuryKey) > 0 {
		treasurySigner = ledger.NewKeypairSigner(cfg.TreasuryKey)
	} else {
		logger.Warn("no treasury keypair configured, claims will be rejected")
	}

	// The engine validates against the wallet's session cache and pokes the
	// session after every confirmed operation.
	eng, err := engine.New(engine.Config{
		Client:    rpcClient,
		Program:   program,
		Wallet:    walletSigner,
		Treasury:  treasurySigner,
		Snapshots: watcher.Source(wallet),
		Store:     store,
		Events:    publisher,
		OnConfirmed: func() {
			if sess := watcher.Get(wallet); sess != nil {
				sess.Refresh()
			}
		},
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         logger,
		Metrics:        metricsCollector,
	})
	if err != nil {
		logger.Error("failed to create transaction engine", "error", err)
		os.Exit(1)
	}

	// Watch our own wallet so the engine has cached state from the start.
	// The server stays up if the chain is unreachable at boot; sessions can
	// be started later through the API.
	if _, err := watcher.Start(ctx, wallet); err != nil {
		logger.Warn("could not start initial watch session", "wallet", wallet, "error", err)
	} else {
		logger.Info("watching own wallet", "wallet", wallet, "poll_interval", cfg.PollInterval)
	}

	// SSE publisher bridges JetStream events to streaming HTTP clients
	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create SSE publisher", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, store, watcher, eng, reader, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", cfg.SolanaRPCURL,
		"nats_url", cfg.NATSURL,
		"wallet", wallet,
		"program", cfg.StakeProgramID,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// endpointLabel extracts a short identifier from the Solana RPC URL for
// metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://api.devnet.solana.com" -> "devnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func endpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}

	host := parsed.Hostname()

	// Check for common RPC providers
	for _, provider := range []string{"helius", "quiknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			return provider
		}
	}

	// Check for official Solana endpoints
	for _, cluster := range []string{"mainnet", "devnet", "testnet", "localhost"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}

	// Fallback to hostname
	return host
}
