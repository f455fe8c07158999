package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrNegativeBalanceRejected = errors.New("negative balance rejected")
	ErrMissingActor            = errors.New("missing actor")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrWalletChanged           = errors.New("wallet changed")
	ErrInvalidWalletID         = errors.New("invalid wallet id")
	ErrInvalidStudioID         = errors.New("invalid studio id")
	ErrInvalidClientID         = errors.New("invalid client id")
	ErrInvalidActorID          = errors.New("invalid actor id")
	ErrInvalidCreditsType      = errors.New("invalid credits type")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidReference        = errors.New("invalid reference")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRejection reports whether err is a business-rule rejection rather than an infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrInsufficientBalance,
		ErrNegativeBalanceRejected,
		ErrMissingActor,
		ErrWalletNotFound,
		ErrDuplicateIdempotencyKey,
		ErrWalletChanged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
