package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/home-sync/internal/homesync"
)

// Config holds all environment-based configuration for home-sync.
type Config struct {
	// Hub stream endpoint, host[:port]. Required.
	HubHost string `env:"HUB_HOST"`

	// Home whose devices this client mirrors. Required.
	HomeID string `env:"HOME_ID"`

	// Token source. At least one of TokenFile or RefreshToken must be set.
	// TokenFile points at a file holding the current access token (rotated
	// externally, e.g. by an agent on the hub); RefreshToken enables
	// refreshing against the hub API directly.
	TokenFile    string `env:"TOKEN_FILE"`
	RefreshToken string `env:"REFRESH_TOKEN"`

	// Hub REST API base URL for the bootstrap fetch and token refresh.
	// Empty means the built-in default.
	APIBaseURL string `env:"API_BASE_URL"`

	// Path to the local state database. Empty means ~/.home-sync/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Optional YAML catalog mapping vendor/model pairs to device classes,
	// used when the hub does not supply a class.
	ClassCatalogFile string `env:"CLASS_CATALOG_FILE"`

	// Keep-alive cadence for the stream connection.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Reconnect policy: delays double from BackoffBase up to BackoffCap,
	// giving up after MaxReconnectAttempts consecutive failures.
	BackoffBase          time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffCap           time.Duration `env:"BACKOFF_CAP" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve file paths once at startup so the watcher and the state
	// store never depend on the working directory.
	for _, p := range []*string{&cfg.TokenFile, &cfg.StateDBPath, &cfg.ClassCatalogFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %q to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HubHost == "" {
		return fmt.Errorf("HUB_HOST is required")
	}

	if c.HomeID == "" {
		return fmt.Errorf("HOME_ID is required")
	}

	if c.TokenFile == "" && c.RefreshToken == "" {
		return fmt.Errorf("at least one of TOKEN_FILE or REFRESH_TOKEN must be set")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive")
	}

	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("BACKOFF_CAP must be at least BACKOFF_BASE")
	}

	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be positive")
	}

	return nil
}

// Backoff translates the reconnect settings into the policy type used by
// the connection manager.
func (c *Config) Backoff() homesync.Backoff {
	return homesync.Backoff{
		Base:        c.BackoffBase,
		Cap:         c.BackoffCap,
		MaxAttempts: c.MaxReconnectAttempts,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
