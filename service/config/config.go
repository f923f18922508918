package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Poll cadence bounds. Out-of-range intervals are clamped rather than
// rejected: polling faster hammers RPC endpoints without improving the local
// estimate, polling slower lets it drift visibly.
const (
	MinPollInterval     = 10 * time.Second
	MaxPollInterval     = 30 * time.Second
	DefaultPollInterval = 15 * time.Second
)

// Config holds all application configuration loaded from environment
// variables. All required fields are validated at startup to ensure
// fail-fast behavior. Key material is never read from the environment
// itself: the env names keygen files, LoadKeypairs reads them once, and
// Zero wipes them on shutdown.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL   string
	StakeProgramID solana.PublicKey

	// Credential file paths. The treasury file is optional; without it the
	// process watches and stakes but refuses claims.
	WalletKeypairFile   string
	TreasuryKeypairFile string

	// Loaded key material, populated by LoadKeypairs.
	WalletKey   solana.PrivateKey
	TreasuryKey solana.PrivateKey

	// Engine / watch configuration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	// Temporal configuration (payout recovery worker)
	TemporalHost       string
	TemporalNamespace  string
	TemporalTaskQueue  string
	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration

	// Worker metrics endpoint
	MetricsAddr string
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is missing
// or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	programID := os.Getenv("STAKE_PROGRAM_ID")
	if programID == "" {
		errs = append(errs, fmt.Errorf("STAKE_PROGRAM_ID is required"))
	} else {
		pk, err := solana.PublicKeyFromBase58(programID)
		if err != nil {
			errs = append(errs, fmt.Errorf("STAKE_PROGRAM_ID: invalid public key %q: %w", programID, err))
		} else {
			cfg.StakeProgramID = pk
		}
	}

	// Credential files
	cfg.WalletKeypairFile = os.Getenv("WALLET_KEYPAIR_FILE")
	if cfg.WalletKeypairFile == "" {
		errs = append(errs, fmt.Errorf("WALLET_KEYPAIR_FILE is required"))
	}
	cfg.TreasuryKeypairFile = os.Getenv("TREASURY_KEYPAIR_FILE")

	// Engine / watch configuration
	pollInterval, err := parseDuration("POLL_INTERVAL", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollInterval = clampPollInterval(pollInterval)
	}

	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = confirmTimeout
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "stakewatch-recovery")

	recoveryInterval, err := parseDuration("RECOVERY_INTERVAL", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RecoveryInterval = recoveryInterval
	}

	staleAfter, err := parseDuration("RECOVERY_STALE_AFTER", "10m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RecoveryStaleAfter = staleAfter
	}

	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// LoadKeypairs reads the wallet keypair, and the treasury keypair when a
// file is configured, from their solana-keygen files. Call once at startup;
// pair with Zero on shutdown.
func (c *Config) LoadKeypairs() error {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(c.WalletKeypairFile)
	if err != nil {
		return fmt.Errorf("load wallet keypair from %s: %w", c.WalletKeypairFile, err)
	}
	c.WalletKey = key

	if c.TreasuryKeypairFile != "" {
		tkey, err := solana.PrivateKeyFromSolanaKeygenFile(c.TreasuryKeypairFile)
		if err != nil {
			return fmt.Errorf("load treasury keypair from %s: %w", c.TreasuryKeypairFile, err)
		}
		c.TreasuryKey = tkey
	}
	return nil
}

// Zero overwrites the loaded key material in place and drops the references.
func (c *Config) Zero() {
	for i := range c.WalletKey {
		c.WalletKey[i] = 0
	}
	c.WalletKey = nil
	for i := range c.TreasuryKey {
		c.TreasuryKey[i] = 0
	}
	c.TreasuryKey = nil
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.StakeProgramID.IsZero() {
		errs = append(errs, fmt.Errorf("StakeProgramID is required"))
	}

	if c.WalletKeypairFile == "" {
		errs = append(errs, fmt.Errorf("WalletKeypairFile is required"))
	}

	if c.PollInterval < MinPollInterval || c.PollInterval > MaxPollInterval {
		errs = append(errs, fmt.Errorf("PollInterval must be between %v and %v", MinPollInterval, MaxPollInterval))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func clampPollInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}
