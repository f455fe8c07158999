package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/shopspring/decimal"
)

type provisionRequest struct {
	CreditsType string `json:"credits_type"`
}

type operationPayload struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

// toRequest validates the payload. The Idempotency-Key header is used when the body has none.
func (payload operationPayload) toRequest(walletID ledger.WalletID, actor string, headerKey string, defaultReferenceType string) (ledger.OperationRequest, error) {
	request := ledger.OperationRequest{
		WalletID:    walletID,
		Description: strings.TrimSpace(payload.Description),
	}
	if strings.TrimSpace(actor) != "" {
		actorID, err := ledger.NewActorID(actor)
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.CreatedBy = actorID
	}
	referenceType := payload.ReferenceType
	if referenceType == "" {
		referenceType = defaultReferenceType
	}
	if payload.ReferenceID != "" || payload.ReferenceType != "" {
		reference, err := ledger.NewReference(referenceType, payload.ReferenceID)
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.Reference = reference
	}
	rawKey := payload.IdempotencyKey
	if rawKey == "" {
		rawKey = headerKey
	}
	if rawKey != "" {
		key, err := ledger.NewIdempotencyKey(rawKey)
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.IdempotencyKey = key
	}
	if len(payload.Metadata) > 0 && string(payload.Metadata) != "null" {
		metadata, err := ledger.NewMetadataJSON(string(payload.Metadata))
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.Metadata = metadata
	}
	return request, nil
}

type walletPayload struct {
	ID                    string    `json:"id"`
	StudioID              string    `json:"studio_id"`
	ClientID              string    `json:"client_id"`
	CreditsBalance        string    `json:"credits_balance"`
	CreditsType           string    `json:"credits_type"`
	TotalCreditsPurchased string    `json:"total_credits_purchased"`
	TotalCreditsUsed      string    `json:"total_credits_used"`
	TotalCreditsExpired   string    `json:"total_credits_expired"`
	Version               int64     `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func newWalletPayload(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		ID:                    wallet.ID,
		StudioID:              wallet.StudioID,
		ClientID:              wallet.ClientID,
		CreditsBalance:        formatCredits(wallet.CreditsBalance),
		CreditsType:           wallet.CreditsType,
		TotalCreditsPurchased: formatCredits(wallet.TotalCreditsPurchased),
		TotalCreditsUsed:      formatCredits(wallet.TotalCreditsUsed),
		TotalCreditsExpired:   formatCredits(wallet.TotalCreditsExpired),
		Version:               wallet.Version,
		CreatedAt:             wallet.CreatedAt,
		UpdatedAt:             wallet.UpdatedAt,
	}
}

type transactionPayload struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"wallet_id"`
	Sequence       int64           `json:"sequence"`
	Type           string          `json:"type"`
	Amount         string          `json:"amount"`
	BalanceBefore  string          `json:"balance_before"`
	BalanceAfter   string          `json:"balance_after"`
	Description    string          `json:"description"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	metadata := transaction.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		ID:             transaction.ID,
		WalletID:       transaction.WalletID,
		Sequence:       transaction.Sequence,
		Type:           transaction.Type.String(),
		Amount:         formatCredits(transaction.Amount),
		BalanceBefore:  formatCredits(transaction.BalanceBefore),
		BalanceAfter:   formatCredits(transaction.BalanceAfter),
		Description:    transaction.Description,
		ReferenceType:  transaction.ReferenceType,
		ReferenceID:    transaction.ReferenceID,
		IdempotencyKey: transaction.IdempotencyKey,
		CreatedBy:      transaction.CreatedBy,
		Metadata:       json.RawMessage(metadata),
		CreatedAt:      transaction.CreatedAt,
	}
}

type discrepancyPayload struct {
	Kind     string `json:"kind"`
	Sequence int64  `json:"sequence,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

type reconciliationPayload struct {
	WalletID          string               `json:"wallet_id"`
	Consistent        bool                 `json:"consistent"`
	TransactionCount  int                  `json:"transaction_count"`
	StoredBalance     string               `json:"stored_balance"`
	ReplayedBalance   string               `json:"replayed_balance"`
	ReplayedPurchased string               `json:"replayed_purchased"`
	ReplayedUsed      string               `json:"replayed_used"`
	ReplayedExpired   string               `json:"replayed_expired"`
	Discrepancies     []discrepancyPayload `json:"discrepancies"`
}

func newReconciliationPayload(report ledger.ReconciliationReport) reconciliationPayload {
	discrepancies := make([]discrepancyPayload, 0, len(report.Discrepancies))
	for _, discrepancy := range report.Discrepancies {
		discrepancies = append(discrepancies, discrepancyPayload{
			Kind:     string(discrepancy.Kind),
			Sequence: discrepancy.Sequence,
			Expected: formatCredits(discrepancy.Expected),
			Actual:   formatCredits(discrepancy.Actual),
			Detail:   discrepancy.Detail,
		})
	}
	return reconciliationPayload{
		WalletID:          report.Wallet.ID,
		Consistent:        report.Consistent(),
		TransactionCount:  report.TransactionCount,
		StoredBalance:     formatCredits(report.Wallet.CreditsBalance),
		ReplayedBalance:   formatCredits(report.ReplayedBalance),
		ReplayedPurchased: formatCredits(report.ReplayedPurchased),
		ReplayedUsed:      formatCredits(report.ReplayedUsed),
		ReplayedExpired:   formatCredits(report.ReplayedExpired),
		Discrepancies:     discrepancies,
	}
}

func formatCredits(value decimal.Decimal) string {
	return value.StringFixed(ledger.CreditsScale)
}

type mappedError struct {
	status    int
	code      string
	message   string
	retryable bool
}

var invalidInputErrors = []error{
	ledger.ErrInvalidAmount,
	ledger.ErrInvalidWalletID,
	ledger.ErrInvalidStudioID,
	ledger.ErrInvalidClientID,
	ledger.ErrInvalidActorID,
	ledger.ErrInvalidCreditsType,
	ledger.ErrInvalidTransactionType,
	ledger.ErrInvalidReference,
	ledger.ErrInvalidIdempotencyKey,
	ledger.ErrInvalidMetadataJSON,
}

func mapError(err error) mappedError {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return mappedError{status: http.StatusConflict, code: "insufficient_credits", message: "not enough credits"}
	case errors.Is(err, ledger.ErrNegativeBalanceRejected):
		return mappedError{status: http.StatusUnprocessableEntity, code: "negative_balance", message: "adjustment would make the balance negative"}
	case errors.Is(err, ledger.ErrMissingActor):
		return mappedError{status: http.StatusUnauthorized, code: "missing_actor", message: "an authenticated actor is required"}
	case errors.Is(err, ledger.ErrWalletNotFound):
		return mappedError{status: http.StatusNotFound, code: "wallet_not_found", message: "wallet not found"}
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return mappedError{status: http.StatusConflict, code: "idempotency_key_reused", message: "idempotency key already used for a different operation"}
	case errors.Is(err, ledger.ErrWalletChanged):
		return mappedError{status: http.StatusConflict, code: "wallet_changed", message: "wallet changed since it was read"}
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return mappedError{status: http.StatusServiceUnavailable, code: "concurrency_conflict", message: "wallet is busy, retry the request", retryable: true}
	}
	for _, target := range invalidInputErrors {
		if errors.Is(err, target) {
			return mappedError{status: http.StatusBadRequest, code: errorCodeInvalidInput, message: target.Error()}
		}
	}
	return mappedError{status: http.StatusInternalServerError, code: "internal_error", message: "internal error"}
}
