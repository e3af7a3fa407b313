// Package config holds the runtime settings of consultd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LedgerDriverGorm = "gorm"
	LedgerDriverPgx  = "pgx"

	defaultHTTPListenAddr       = ":8080"
	defaultGRPCListenAddr       = ":7000"
	defaultDatabaseURL          = "sqlite:///tmp/consult.db"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultPlatformAccountID    = "platform"
	defaultMediaIssuer          = "consult-media"
	defaultMediaTokenTTL        = 2 * time.Hour
	defaultBillingInterval      = time.Minute
	defaultLowBalanceMultiplier = 3
	defaultRequestTimeout       = 5 * time.Second
	defaultRateLimitPerSecond   = 20
	defaultRateLimitBurst       = 40
	defaultRedisPrefix          = "consult"
	defaultAstrologyRate        = 5
	defaultAstrologyBurst       = 10
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates every setting consultd reads from flags and environment.
type Config struct {
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	DatabaseURL  string
	LedgerDriver string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminToken        string

	PlatformAccountID    string
	BillingInterval      time.Duration
	LowBalanceMultiplier int64

	MediaSigningKey string
	MediaIssuer     string
	MediaTokenTTL   time.Duration
	MediaMaxActive  int

	FirebaseCredentialsFile string

	MidtransServerKey  string
	MidtransProduction bool

	AstrologyBaseURL string
	AstrologyAPIKey  string
	AstrologyRPS     float64
	AstrologyBurst   int
}

// ValidateStorage fills and checks the database settings only. Maintenance commands need nothing else.
func (cfg *Config) ValidateStorage() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerDriver = strings.ToLower(defaultIfEmpty(cfg.LedgerDriver, LedgerDriverGorm))
	cfg.PlatformAccountID = defaultIfEmpty(cfg.PlatformAccountID, defaultPlatformAccountID)
	switch cfg.LedgerDriver {
	case LedgerDriverGorm:
	case LedgerDriverPgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: ledger driver %s needs a postgres database url", ErrInvalidConfig, LedgerDriverPgx)
		}
	default:
		return fmt.Errorf("%w: unknown ledger driver %q", ErrInvalidConfig, cfg.LedgerDriver)
	}
	return nil
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.MediaIssuer = defaultIfEmpty(cfg.MediaIssuer, defaultMediaIssuer)
	cfg.RedisPrefix = defaultIfEmpty(cfg.RedisPrefix, defaultRedisPrefix)
	if cfg.MediaSigningKey == "" {
		cfg.MediaSigningKey = cfg.SessionSigningKey
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimitPerSecond
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.BillingInterval <= 0 {
		cfg.BillingInterval = defaultBillingInterval
	}
	if cfg.LowBalanceMultiplier <= 0 {
		cfg.LowBalanceMultiplier = defaultLowBalanceMultiplier
	}
	if cfg.MediaTokenTTL <= 0 {
		cfg.MediaTokenTTL = defaultMediaTokenTTL
	}
	if cfg.AstrologyRPS <= 0 {
		cfg.AstrologyRPS = defaultAstrologyRate
	}
	if cfg.AstrologyBurst <= 0 {
		cfg.AstrologyBurst = defaultAstrologyBurst
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
	}
	if cfg.MediaMaxActive < 0 {
		return fmt.Errorf("%w: media max active must not be negative", ErrInvalidConfig)
	}
	if cfg.AstrologyBaseURL != "" && !strings.HasPrefix(cfg.AstrologyBaseURL, "http://") && !strings.HasPrefix(cfg.AstrologyBaseURL, "https://") {
		return fmt.Errorf("%w: astrology base url must be http(s)", ErrInvalidConfig)
	}
	return nil
}

// PaymentsEnabled reports whether a Midtrans server key is configured.
func (cfg Config) PaymentsEnabled() bool {
	return strings.TrimSpace(cfg.MidtransServerKey) != ""
}

// PredictionsEnabled reports whether an astrology compute service is configured.
func (cfg Config) PredictionsEnabled() bool {
	return strings.TrimSpace(cfg.AstrologyBaseURL) != ""
}

// PushEnabled reports whether FCM credentials are configured.
func (cfg Config) PushEnabled() bool {
	return strings.TrimSpace(cfg.FirebaseCredentialsFile) != ""
}

// IsPostgresURL reports whether a database url names a postgres server.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
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
