package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func walletID(test *testing.T) ledger.WalletID {
	test.Helper()
	id, err := ledger.NewWalletID("wallet-1")
	require.NoError(test, err)
	return id
}

func TestZapOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		err     error
		level   zapcore.Level
		message string
	}{
		{name: "success", level: zapcore.InfoLevel, message: "ledger operation"},
		{name: "rejection", err: ledger.WrapError("debit", "balance", "insufficient", ledger.ErrInsufficientBalance), level: zapcore.WarnLevel, message: "ledger operation rejected"},
		{name: "failure", err: errors.New("connection reset"), level: zapcore.ErrorLevel, message: "ledger operation failed"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, observed := observer.New(zapcore.DebugLevel)
			operationLogger := NewZapOperationLogger(zap.New(core))
			operationLogger.LogOperation(context.Background(), ledger.OperationLog{
				Operation:     "debit",
				WalletID:      walletID(test),
				Amount:        decimal.RequireFromString("1.5"),
				TransactionID: "tx-1",
				BalanceAfter:  decimal.RequireFromString("3"),
				Status:        "ok",
				Error:         testCase.err,
			})
			entries := observed.All()
			require.Len(test, entries, 1)
			require.Equal(test, testCase.level, entries[0].Level)
			require.Equal(test, testCase.message, entries[0].Message)
			fields := entries[0].ContextMap()
			require.Equal(test, "debit", fields["operation"])
			require.Equal(test, "wallet-1", fields["wallet_id"])
			require.Equal(test, "1.5", fields["amount"])
			if testCase.err != nil {
				require.Contains(test, fields, "error")
			}
		})
	}
}

func TestZapOperationLoggerNilLogger(test *testing.T) {
	test.Parallel()
	require.NotPanics(test, func() {
		NewZapOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "credit"})
	})
}

func TestMetricsCountOutcomes(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(test, err)
	ctx := context.Background()

	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "credit", Amount: decimal.NewFromInt(10), TransactionID: "tx-1"})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "credit", Amount: decimal.NewFromInt(10), TransactionID: "tx-1", Replayed: true})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "debit", Amount: decimal.NewFromInt(20), Error: ledger.ErrInsufficientBalance})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "debit", Amount: decimal.NewFromInt(1), Error: errors.New("boom")})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "expire", Amount: decimal.RequireFromString("2.5"), TransactionID: "tx-2"})

	require.Equal(test, 1.0, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("credit", statusOK)))
	require.Equal(test, 1.0, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("credit", statusReplayed)))
	require.Equal(test, 1.0, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("debit", statusRejected)))
	require.Equal(test, 1.0, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("debit", statusError)))
	require.Equal(test, 2.5, testutil.ToFloat64(metrics.expiredCredits))
	require.Equal(test, 2, testutil.CollectAndCount(metrics.operationCredits))
}

func TestMetricsDuplicateRegistration(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	_, err := NewMetrics(registry)
	require.NoError(test, err)
	_, err = NewMetrics(registry)
	require.Error(test, err)
}

func TestCombinedLoggersReceiveServiceEvents(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(test, err)
	combined := ledger.CombineOperationLoggers(NewZapOperationLogger(zap.New(core)), metrics, nil)
	combined.LogOperation(context.Background(), ledger.OperationLog{Operation: "refund", Amount: decimal.NewFromInt(3), TransactionID: "tx-9"})
	require.Equal(test, 1, observed.Len())
	require.Equal(test, 1.0, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("refund", statusOK)))
}
