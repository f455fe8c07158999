// Package telemetry adapts ledger operation events to zap and Prometheus.
package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger operation events to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger discards events.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("wallet_id", entry.WalletID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", entry.Status),
	}
	if !entry.CreatedBy.IsZero() {
		fields = append(fields, zap.String("created_by", entry.CreatedBy.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.TransactionID != "" {
		fields = append(fields,
			zap.String("transaction_id", entry.TransactionID),
			zap.String("balance_after", entry.BalanceAfter.String()),
		)
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	switch {
	case entry.Error == nil:
		operationLogger.logger.Info("ledger operation", fields...)
	case ledger.IsRejection(entry.Error):
		operationLogger.logger.Warn("ledger operation rejected", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
}
