// Package walletd wires the wallet ledger into a long-running daemon.
package walletd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/expiry"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// Run opens the backend and serves HTTP, gRPC health, and the expiry sweeper until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("database close error", zap.Error(closeErr))
		}
	}()
	logger.Info("database ready", zap.String("driver", backend.Driver), zap.String("store", cfg.StoreDriver))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	service, err := ledger.NewService(backend.Store, time.Now,
		ledger.WithOperationLogger(ledger.CombineOperationLoggers(telemetry.NewZapOperationLogger(logger), metrics)),
		ledger.WithConflictRetries(cfg.ConflictRetries),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, service, sessionValidator, registry, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sweeper *expiry.Sweeper
	if cfg.ExpiryEnabled {
		sweeper, err = expiry.NewSweeper(service, expiry.Config{
			Interval:      cfg.ExpiryInterval,
			Inactivity:    cfg.ExpiryInactivity,
			RatePerSecond: cfg.ExpiryRate,
		}, time.Now, logger)
		if err != nil {
			return fmt.Errorf("expiry sweeper: %w", err)
		}
	}

	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	healthServer := grpcserver.NewHealthServer(backend.Pinger, cfg.HealthInterval, logger)
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveHTTP(groupCtx, httpServer, logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, healthListener, logger)
	})
	group.Go(func() error {
		healthServer.Run(groupCtx)
		return nil
	})
	if sweeper != nil {
		group.Go(func() error {
			return sweeper.Run(groupCtx)
		})
	}
	return group.Wait()
}

func serveHTTP(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletd listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
