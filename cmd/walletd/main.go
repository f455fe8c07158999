package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/walletd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "WALLETD"

	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagListenAddr        = "listen-addr"
	flagHealthAddr        = "health-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagRequestTimeout    = "request-timeout"
	flagHealthInterval    = "health-interval"
	flagConflictRetries   = "conflict-retries"
	flagExpiryEnabled     = "expiry-enabled"
	flagExpiryInterval    = "expiry-interval"
	flagExpiryInactivity  = "expiry-inactivity"
	flagExpiryRate        = "expiry-rate"
	defaultDatabaseURL    = "sqlite:///tmp/creditwallet.db"
	defaultListenAddr     = ":8080"
	defaultHealthAddr     = ":7070"
	defaultAllowedOrigins = "http://localhost:8000"
)

var boundFlags = []string{
	flagDatabaseURL,
	flagStoreDriver,
	flagListenAddr,
	flagHealthAddr,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagRequestTimeout,
	flagHealthInterval,
	flagConflictRetries,
	flagExpiryEnabled,
	flagExpiryInterval,
	flagExpiryInactivity,
	flagExpiryRate,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &walletd.Config{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Studio credit wallet service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return walletd.Run(ctx, *cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "Database url (postgres://, mysql://, sqlite:// or a sqlite path)")
	cmd.Flags().String(flagStoreDriver, walletd.StoreDriverGorm, "Store implementation: gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagHealthAddr, defaultHealthAddr, "gRPC health listen address")
	cmd.Flags().String(flagAllowedOrigins, defaultAllowedOrigins, "Comma-separated CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "Session JWT signing key")
	cmd.Flags().String(flagJWTIssuer, "tauth", "Session JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "Session cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 5*time.Second, "Per-request ledger timeout")
	cmd.Flags().Duration(flagHealthInterval, 10*time.Second, "Database health probe interval")
	cmd.Flags().Int(flagConflictRetries, 3, "Retries after a concurrent wallet update")
	cmd.Flags().Bool(flagExpiryEnabled, false, "Run the inactivity expiry sweeper")
	cmd.Flags().Duration(flagExpiryInterval, time.Hour, "Expiry sweep interval")
	cmd.Flags().Duration(flagExpiryInactivity, 365*24*time.Hour, "Inactivity after which credits expire")
	cmd.Flags().Float64(flagExpiryRate, 0, "Maximum expirations per second during a sweep (0 = unlimited)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *walletd.Config) error {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range boundFlags {
		if err := settings.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.StoreDriver = settings.GetString(flagStoreDriver)
	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.HealthAddr = settings.GetString(flagHealthAddr)
	cfg.AllowedOrigins = walletd.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = settings.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = settings.GetString(flagJWTIssuer)
	cfg.SessionCookieName = settings.GetString(flagJWTCookieName)
	cfg.RequestTimeout = settings.GetDuration(flagRequestTimeout)
	cfg.HealthInterval = settings.GetDuration(flagHealthInterval)
	cfg.ConflictRetries = settings.GetInt(flagConflictRetries)
	cfg.ExpiryEnabled = settings.GetBool(flagExpiryEnabled)
	cfg.ExpiryInterval = settings.GetDuration(flagExpiryInterval)
	cfg.ExpiryInactivity = settings.GetDuration(flagExpiryInactivity)
	cfg.ExpiryRate = settings.GetFloat64(flagExpiryRate)
	return cfg.Validate()
}
