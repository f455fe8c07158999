package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// retryOnConflict reruns unit while it fails with ErrConcurrencyConflict, at most conflictRetries extra times.
func (service *Service) retryOnConflict(ctx context.Context, unit func() error) error {
	for attempt := 0; ; attempt++ {
		err := unit()
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) || attempt >= service.conflictRetries {
			return err
		}
		if waitErr := service.waitBeforeRetry(ctx, attempt); waitErr != nil {
			return errors.Join(err, waitErr)
		}
	}
}

func (service *Service) waitBeforeRetry(ctx context.Context, attempt int) error {
	if service.conflictBackoff <= 0 {
		return ctx.Err()
	}
	pause := service.conflictBackoff * time.Duration(attempt+1)
	pause += time.Duration(rand.Int64N(int64(service.conflictBackoff)))
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
