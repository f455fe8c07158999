package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() time.Time
	logger          OperationLogger
	newID           func() string
	conflictRetries int
	conflictBackoff time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		newID:           uuid.NewString,
		conflictRetries: defaultConflictRetries,
		conflictBackoff: defaultConflictBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// walletChange is the effect a single operation has on a wallet.
type walletChange struct {
	amount    decimal.Decimal
	delta     decimal.Decimal
	purchased decimal.Decimal
	used      decimal.Decimal
	expired   decimal.Decimal
}

type changePlanner func(wallet Wallet) (walletChange, error)

// Credit adds purchased credits to a wallet.
func (service *Service) Credit(ctx context.Context, request OperationRequest, amount PositiveCredits) (Result, error) {
	return service.apply(ctx, operationCredit, TransactionCredit, request, amount.Decimal(), func(wallet Wallet) (walletChange, error) {
		if !amount.valid() {
			return walletChange{}, WrapError(operationCredit, subjectAmount, codeInvalid, ErrInvalidAmount)
		}
		credits := amount.Decimal()
		return walletChange{amount: credits, delta: credits, purchased: credits}, nil
	})
}

// Debit consumes credits, typically to settle a booking.
// The wallet is left untouched when the balance does not cover the amount.
func (service *Service) Debit(ctx context.Context, request OperationRequest, amount PositiveCredits) (Result, error) {
	return service.apply(ctx, operationDebit, TransactionDebit, request, amount.Decimal(), func(wallet Wallet) (walletChange, error) {
		if !amount.valid() {
			return walletChange{}, WrapError(operationDebit, subjectAmount, codeInvalid, ErrInvalidAmount)
		}
		credits := amount.Decimal()
		if wallet.CreditsBalance.LessThan(credits) {
			return walletChange{}, WrapError(operationDebit, subjectBalance, codeInsufficient,
				fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, wallet.CreditsBalance, credits))
		}
		return walletChange{amount: credits, delta: credits.Neg(), used: credits}, nil
	})
}

// Refund returns credits to a wallet without touching the purchase or usage totals.
func (service *Service) Refund(ctx context.Context, request OperationRequest, amount PositiveCredits) (Result, error) {
	return service.apply(ctx, operationRefund, TransactionRefund, request, amount.Decimal(), func(wallet Wallet) (walletChange, error) {
		if !amount.valid() {
			return walletChange{}, WrapError(operationRefund, subjectAmount, codeInvalid, ErrInvalidAmount)
		}
		credits := amount.Decimal()
		return walletChange{amount: credits, delta: credits}, nil
	})
}

// Adjust applies a manual signed correction. An actor is mandatory.
func (service *Service) Adjust(ctx context.Context, request OperationRequest, delta CreditsDelta) (Result, error) {
	return service.apply(ctx, operationAdjust, TransactionAdjustment, request, delta.Decimal(), func(wallet Wallet) (walletChange, error) {
		if delta.Decimal().IsZero() {
			return walletChange{}, WrapError(operationAdjust, subjectAmount, codeInvalid, ErrInvalidAmount)
		}
		balanceAfter := wallet.CreditsBalance.Add(delta.Decimal())
		if balanceAfter.IsNegative() {
			return walletChange{}, WrapError(operationAdjust, subjectBalance, codeNegative,
				fmt.Errorf("%w: balance %s, delta %s", ErrNegativeBalanceRejected, wallet.CreditsBalance, delta.Decimal()))
		}
		return walletChange{amount: delta.Decimal().Abs(), delta: delta.Decimal()}, nil
	})
}

// Expire removes up to amount credits, clamped to the current balance.
// A zero-balance wallet still records a zero-amount transaction.
func (service *Service) Expire(ctx context.Context, request OperationRequest, amount PositiveCredits) (Result, error) {
	return service.apply(ctx, operationExpire, TransactionExpire, request, amount.Decimal(), func(wallet Wallet) (walletChange, error) {
		if !amount.valid() {
			return walletChange{}, WrapError(operationExpire, subjectAmount, codeInvalid, ErrInvalidAmount)
		}
		actual := decimal.Min(amount.Decimal(), wallet.CreditsBalance)
		if actual.IsNegative() {
			actual = decimal.Zero
		}
		return walletChange{amount: actual, delta: actual.Neg(), expired: actual}, nil
	})
}

func (service *Service) apply(ctx context.Context, operation string, transactionType TransactionType, request OperationRequest, requested decimal.Decimal, plan changePlanner) (Result, error) {
	var result Result
	operationError := service.validateRequest(operation, transactionType, request)
	if operationError == nil {
		operationError = service.retryOnConflict(ctx, func() error {
			result = Result{}
			return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				applied, err := service.applyInTx(ctx, transactionStore, operation, transactionType, request, plan)
				if err != nil {
					return err
				}
				result = applied
				return nil
			})
		})
		operationError = wrapOperationError(operation, operationError)
	}
	if result.Transaction.ID != "" {
		requested = result.Transaction.Amount
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		WalletID:       request.WalletID,
		Amount:         requested,
		CreatedBy:      request.CreatedBy,
		IdempotencyKey: request.IdempotencyKey,
		TransactionID:  result.Transaction.ID,
		BalanceAfter:   result.Wallet.CreditsBalance,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

func (service *Service) validateRequest(operation string, transactionType TransactionType, request OperationRequest) error {
	if request.WalletID.String() == "" {
		return WrapError(operation, subjectWallet, codeMissing, fmt.Errorf("%w: wallet id is required", ErrWalletNotFound))
	}
	if transactionType == TransactionAdjustment && request.CreatedBy.IsZero() {
		return WrapError(operation, subjectActor, codeMissing, ErrMissingActor)
	}
	return nil
}

func (service *Service) applyInTx(ctx context.Context, transactionStore Store, operation string, transactionType TransactionType, request OperationRequest, plan changePlanner) (Result, error) {
	wallet, err := transactionStore.GetWalletForUpdate(ctx, request.WalletID.String())
	if err != nil {
		return Result{}, err
	}
	if !request.IdempotencyKey.IsZero() {
		existing, found, err := transactionStore.FindTransactionByIdempotencyKey(ctx, wallet.ID, request.IdempotencyKey.String())
		if err != nil {
			return Result{}, err
		}
		if found {
			if existing.Type != transactionType {
				return Result{}, WrapError(operation, subjectTransaction, codeDuplicate,
					fmt.Errorf("%w: key %q already used by a %s", ErrDuplicateIdempotencyKey, request.IdempotencyKey, existing.Type))
			}
			return Result{Wallet: wallet, Transaction: existing, Replayed: true}, nil
		}
	}
	if request.ExpectedVersion > 0 && wallet.Version != request.ExpectedVersion {
		return Result{}, WrapError(operation, subjectWallet, codeStale,
			fmt.Errorf("%w: expected version %d, found %d", ErrWalletChanged, request.ExpectedVersion, wallet.Version))
	}
	change, err := plan(wallet)
	if err != nil {
		return Result{}, err
	}
	nowUTC := service.nowFn().UTC()
	updated := wallet
	updated.CreditsBalance = wallet.CreditsBalance.Add(change.delta)
	updated.TotalCreditsPurchased = wallet.TotalCreditsPurchased.Add(change.purchased)
	updated.TotalCreditsUsed = wallet.TotalCreditsUsed.Add(change.used)
	updated.TotalCreditsExpired = wallet.TotalCreditsExpired.Add(change.expired)
	updated.Version = wallet.Version + 1
	updated.UpdatedAt = nowUTC
	if updated.CreditsBalance.IsNegative() {
		return Result{}, WrapError(operation, subjectBalance, codeNegative, ErrNegativeBalanceRejected)
	}
	if err := transactionStore.UpdateWallet(ctx, updated, wallet.Version); err != nil {
		return Result{}, err
	}
	description := request.Description
	if description == "" {
		description = transactionType.String()
	}
	transaction := Transaction{
		ID:             service.newID(),
		StudioID:       wallet.StudioID,
		ClientID:       wallet.ClientID,
		WalletID:       wallet.ID,
		Sequence:       updated.Version,
		Type:           transactionType,
		Amount:         change.amount,
		BalanceBefore:  wallet.CreditsBalance,
		BalanceAfter:   updated.CreditsBalance,
		Description:    description,
		ReferenceType:  request.Reference.Type(),
		ReferenceID:    request.Reference.ID(),
		IdempotencyKey: request.IdempotencyKey.String(),
		CreatedBy:      request.CreatedBy.String(),
		Metadata:       request.Metadata.String(),
		CreatedAt:      nowUTC,
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// A concurrent unit committed the same key first; the retry replays it.
			return Result{}, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return Result{}, err
	}
	return Result{Wallet: updated, Transaction: transaction}, nil
}

func wrapOperationError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var operationError OperationError
	if errors.As(err, &operationError) && operationError.Operation() == operation {
		return err
	}
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		return WrapError(operation, subjectWallet, codeConflict, err)
	case errors.Is(err, ErrWalletNotFound):
		return WrapError(operation, subjectWallet, codeMissing, err)
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return WrapError(operation, subjectTransaction, codeDuplicate, err)
	default:
		return WrapError(operation, subjectWallet, codeFailed, err)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
