package walletd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StoreDriverGorm persists through gorm and supports postgres, mysql, and sqlite.
	StoreDriverGorm = "gorm"
	// StoreDriverPgx persists through a pgx connection pool and supports postgres only.
	StoreDriverPgx = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/creditwallet.db"
	defaultListenAddr       = ":8080"
	defaultHealthAddr       = ":7070"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultRequestTimeout   = 5 * time.Second
	defaultHealthInterval   = 10 * time.Second
	defaultExpiryInterval   = time.Hour
	defaultExpiryInactivity = 365 * 24 * time.Hour
	defaultConflictRetries  = 3
)

// Config aggregates runtime settings for the wallet daemon.
type Config struct {
	DatabaseURL       string
	StoreDriver       string
	ListenAddr        string
	HealthAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
	HealthInterval    time.Duration
	ConflictRetries   int
	ExpiryEnabled     bool
	ExpiryInterval    time.Duration
	ExpiryInactivity  time.Duration
	ExpiryRate        float64
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.HealthAddr = defaultIfEmpty(cfg.HealthAddr, defaultHealthAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries must not be negative")
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.ExpiryRate < 0 {
		return fmt.Errorf("expiry rate must not be negative")
	}
	if cfg.ExpiryInactivity <= 0 {
		cfg.ExpiryInactivity = defaultExpiryInactivity
	}
	switch cfg.StoreDriver {
	case StoreDriverGorm:
	case StoreDriverPgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.ListenAddr == cfg.HealthAddr {
		return fmt.Errorf("listen addr and health addr must differ")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
