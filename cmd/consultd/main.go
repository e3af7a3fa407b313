package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CONSULT"

	flagHTTPListenAddr       = "http-listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagRequestTimeout       = "request-timeout"
	flagRateLimitRPS         = "rate-limit-rps"
	flagRateLimitBurst       = "rate-limit-burst"
	flagDatabaseURL          = "database-url"
	flagLedgerDriver         = "ledger-driver"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagRedisDB              = "redis-db"
	flagRedisPrefix          = "redis-prefix"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagAdminToken           = "admin-token"
	flagPlatformAccountID    = "platform-account-id"
	flagBillingInterval      = "billing-interval"
	flagLowBalanceMultiplier = "low-balance-multiplier"
	flagMediaSigningKey      = "media-signing-key"
	flagMediaIssuer          = "media-issuer"
	flagMediaTokenTTL        = "media-token-ttl"
	flagMediaMaxActive       = "media-max-active"
	flagFirebaseCredentials  = "firebase-credentials-file"
	flagMidtransServerKey    = "midtrans-server-key"
	flagMidtransProduction   = "midtrans-production"
	flagAstrologyBaseURL     = "astrology-base-url"
	flagAstrologyAPIKey      = "astrology-api-key"
	flagAstrologyRPS         = "astrology-rps"
	flagAstrologyBurst       = "astrology-burst"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "consultd",
		Short:         "Consultation marketplace backend: wallets, sessions and per-minute billing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerStorageFlags(cmd.PersistentFlags())
	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newRatesCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC servers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address (default :7000)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS and websocket origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout for HTTP handlers")
	flags.Float64(flagRateLimitRPS, 0, "HTTP requests per second per client IP")
	flags.Int(flagRateLimitBurst, 0, "HTTP burst per client IP")
	flags.String(flagRedisAddr, "", "redis address for the waitlist (in-database waitlist when empty)")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.String(flagRedisPrefix, "", "redis key prefix")
	flags.String(flagJWTSigningKey, "", "HS256 session signing key (required)")
	flags.String(flagJWTIssuer, "", "expected session issuer")
	flags.String(flagJWTCookieName, "", "session cookie name")
	flags.String(flagAdminToken, "", "bearer token required by the gRPC admin service")
	flags.Duration(flagBillingInterval, 0, "billing tick interval")
	flags.Int64(flagLowBalanceMultiplier, 0, "warn when the balance covers fewer minutes than this")
	flags.String(flagMediaSigningKey, "", "media channel token signing key (defaults to the session key)")
	flags.String(flagMediaIssuer, "", "media channel token issuer")
	flags.Duration(flagMediaTokenTTL, 0, "media channel token lifetime")
	flags.Int(flagMediaMaxActive, 0, "maximum open media channels (0 is unlimited)")
	flags.String(flagFirebaseCredentials, "", "FCM service account file (push is logged only when empty)")
	flags.String(flagMidtransServerKey, "", "Midtrans server key (recharges disabled when empty)")
	flags.Bool(flagMidtransProduction, false, "use the Midtrans production environment")
	flags.String(flagAstrologyBaseURL, "", "astrology compute service base url (predictions disabled when empty)")
	flags.String(flagAstrologyAPIKey, "", "astrology compute service api key")
	flags.Float64(flagAstrologyRPS, 0, "astrology requests per second")
	flags.Int(flagAstrologyBurst, 0, "astrology request burst")
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateStorage()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg)
		},
	}
}

func registerStorageFlags(flags *pflag.FlagSet) {
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url (default sqlite:///tmp/consult.db)")
	flags.String(flagLedgerDriver, "", "ledger store: gorm or pgx (pgx needs a postgres url)")
	flags.String(flagPlatformAccountID, "", "platform commission account id")
}

// loadConfig merges flags with CONSULT_* environment variables. Flags not defined on the command are skipped.
func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flags := range []*pflag.FlagSet{cmd.Flags(), cmd.InheritedFlags()} {
		if err := v.BindPFlags(flags); err != nil {
			return err
		}
	}

	cfg.HTTPListenAddr = v.GetString(flagHTTPListenAddr)
	cfg.GRPCListenAddr = v.GetString(flagGRPCListenAddr)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.RateLimitRPS = v.GetFloat64(flagRateLimitRPS)
	cfg.RateLimitBurst = v.GetInt(flagRateLimitBurst)
	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.LedgerDriver = v.GetString(flagLedgerDriver)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.RedisPrefix = v.GetString(flagRedisPrefix)
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = v.GetString(flagJWTIssuer)
	cfg.SessionCookieName = v.GetString(flagJWTCookieName)
	cfg.AdminToken = v.GetString(flagAdminToken)
	cfg.PlatformAccountID = v.GetString(flagPlatformAccountID)
	cfg.BillingInterval = v.GetDuration(flagBillingInterval)
	cfg.LowBalanceMultiplier = v.GetInt64(flagLowBalanceMultiplier)
	cfg.MediaSigningKey = v.GetString(flagMediaSigningKey)
	cfg.MediaIssuer = v.GetString(flagMediaIssuer)
	cfg.MediaTokenTTL = v.GetDuration(flagMediaTokenTTL)
	cfg.MediaMaxActive = v.GetInt(flagMediaMaxActive)
	cfg.FirebaseCredentialsFile = strings.TrimSpace(v.GetString(flagFirebaseCredentials))
	cfg.MidtransServerKey = strings.TrimSpace(v.GetString(flagMidtransServerKey))
	cfg.MidtransProduction = v.GetBool(flagMidtransProduction)
	cfg.AstrologyBaseURL = strings.TrimSpace(v.GetString(flagAstrologyBaseURL))
	cfg.AstrologyAPIKey = v.GetString(flagAstrologyAPIKey)
	cfg.AstrologyRPS = v.GetFloat64(flagAstrologyRPS)
	cfg.AstrologyBurst = v.GetInt(flagAstrologyBurst)
	return nil
}
