// Package expiry removes credits from wallets that have been inactive for too long.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	expiryDescription   = "inactivity expiry"
	expiryReferenceType = "expiry_policy"
	expiryReferenceID   = "inactivity"
	defaultBatchSize    = 100
)

var errInvalidSweeperConfig = errors.New("invalid sweeper config")

// Config controls how often the sweeper runs and what counts as inactive.
type Config struct {
	Interval   time.Duration
	Inactivity time.Duration
	BatchSize  int
	// RatePerSecond caps expire operations per second. Zero means unlimited.
	RatePerSecond float64
}

// Report summarizes one sweep.
type Report struct {
	Scanned  int
	Expired  int
	Skipped  int
	Failed   int
	Credits  decimal.Decimal
	Cutoff   time.Time
	Duration time.Duration
}

// Sweeper expires the full balance of wallets untouched since now minus Inactivity.
type Sweeper struct {
	service *ledger.Service
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewSweeper validates cfg and returns a sweeper bound to service.
func NewSweeper(service *ledger.Service, cfg Config, now func() time.Time, logger *zap.Logger) (*Sweeper, error) {
	if service == nil || now == nil {
		return nil, fmt.Errorf("%w: service and clock are required", errInvalidSweeperConfig)
	}
	if cfg.Interval <= 0 || cfg.Inactivity <= 0 {
		return nil, fmt.Errorf("%w: interval and inactivity must be positive", errInvalidSweeperConfig)
	}
	if cfg.RatePerSecond < 0 {
		return nil, fmt.Errorf("%w: rate must not be negative", errInvalidSweeperConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Sweeper{service: service, cfg: cfg, now: now, logger: logger, limiter: limiter}, nil
}

// Run sweeps immediately and then once per interval until ctx ends.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := sweeper.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sweeper.logger.Error("expiry sweep failed", zap.Error(err))
		} else if report.Scanned > 0 {
			sweeper.logger.Info("expiry sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("expired", report.Expired),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
				zap.String("credits", report.Credits.String()),
				zap.Duration("duration", report.Duration),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires every currently eligible wallet, one batch at a time.
// A wallet that changed after it was listed is skipped until the next sweep.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	started := sweeper.now()
	report := Report{Credits: decimal.Zero, Cutoff: started.Add(-sweeper.cfg.Inactivity).UTC()}
	for {
		wallets, err := sweeper.service.ListExpirableWallets(ctx, report.Cutoff, sweeper.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		expiredInBatch := 0
		for _, wallet := range wallets {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := sweeper.limiter.Wait(ctx); err != nil {
				return report, err
			}
			report.Scanned++
			expired, err := sweeper.expireWallet(ctx, wallet, report.Cutoff)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				sweeper.logger.Warn("wallet expiry failed", zap.String("wallet_id", wallet.ID), zap.Error(err))
			case expired.IsZero():
				report.Skipped++
			default:
				report.Expired++
				expiredInBatch++
				report.Credits = report.Credits.Add(expired)
			}
		}
		if len(wallets) < sweeper.cfg.BatchSize || expiredInBatch == 0 {
			break
		}
	}
	report.Duration = sweeper.now().Sub(started)
	return report, nil
}

// expireWallet expires the listed balance only if the wallet still has the listed version
// when the unit of work runs; any change in between makes it a skip.
func (sweeper *Sweeper) expireWallet(ctx context.Context, listed ledger.Wallet, cutoff time.Time) (decimal.Decimal, error) {
	if !listed.UpdatedAt.Before(cutoff) || !listed.CreditsBalance.IsPositive() {
		return decimal.Zero, nil
	}
	walletID, err := ledger.NewWalletID(listed.ID)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := ledger.NewPositiveCredits(listed.CreditsBalance)
	if err != nil {
		return decimal.Zero, err
	}
	reference, err := ledger.NewReference(expiryReferenceType, expiryReferenceID)
	if err != nil {
		return decimal.Zero, err
	}
	key, err := ledger.NewIdempotencyKey("expiry:" + listed.ID + ":" + strconv.FormatInt(listed.Version, 10))
	if err != nil {
		return decimal.Zero, err
	}
	result, err := sweeper.service.Expire(ctx, ledger.OperationRequest{
		WalletID:        walletID,
		Description:     expiryDescription,
		Reference:       reference,
		IdempotencyKey:  key,
		ExpectedVersion: listed.Version,
	}, amount)
	if errors.Is(err, ledger.ErrWalletChanged) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if result.Replayed {
		return decimal.Zero, nil
	}
	return result.Transaction.Amount, nil
}
