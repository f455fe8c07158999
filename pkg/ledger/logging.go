package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	WalletID       WalletID
	Amount         decimal.Decimal
	CreatedBy      ActorID
	IdempotencyKey IdempotencyKey
	TransactionID  string
	BalanceAfter   decimal.Decimal
	Replayed       bool
	Status         string
	Error          error
}

type operationLoggers []OperationLogger

func (loggers operationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}

// CombineOperationLoggers fans every operation out to each non-nil logger.
func CombineOperationLoggers(loggers ...OperationLogger) OperationLogger {
	combined := make(operationLoggers, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			combined = append(combined, logger)
		}
	}
	return combined
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides how wallet and transaction ids are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithConflictRetries bounds how many times a concurrency conflict is retried.
func WithConflictRetries(retries int) ServiceOption {
	return func(service *Service) {
		if retries >= 0 {
			service.conflictRetries = retries
		}
	}
}

// WithConflictBackoff sets the base pause between conflict retries.
func WithConflictBackoff(backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if backoff >= 0 {
			service.conflictBackoff = backoff
		}
	}
}
