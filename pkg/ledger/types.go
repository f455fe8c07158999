package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalletID identifies a wallet row.
type WalletID struct {
	value string
}

// StudioID identifies the tenant studio a wallet belongs to.
type StudioID struct {
	value string
}

// ClientID identifies the studio client owning a wallet.
type ClientID struct {
	value string
}

// ActorID identifies who requested a mutation.
type ActorID struct {
	value string
}

// IdempotencyKey scopes duplicate detection within one wallet.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// CreditsType names the unit a wallet's credits are measured in.
type CreditsType struct {
	value string
}

// Reference links a transaction to the purchase, booking, or policy that caused it.
type Reference struct {
	referenceType string
	referenceID   string
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// NewStudioID validates and normalizes a studio id.
func NewStudioID(raw string) (StudioID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StudioID{}, fmt.Errorf("%w: empty value", ErrInvalidStudioID)
	}
	return StudioID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id StudioID) String() string {
	return id.value
}

// NewClientID validates and normalizes a client id.
func NewClientID(raw string) (ClientID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ClientID{}, fmt.Errorf("%w: empty value", ErrInvalidClientID)
	}
	return ClientID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ClientID) String() string {
	return id.value
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// IsZero reports whether no actor was supplied.
func (id ActorID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates a metadata object (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCreditsType validates and normalizes a credits unit such as "hours".
func NewCreditsType(raw string) (CreditsType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return CreditsType{}, fmt.Errorf("%w: empty value", ErrInvalidCreditsType)
	}
	return CreditsType{value: normalized}, nil
}

// String returns the unit name, falling back to DefaultCreditsType.
func (creditsType CreditsType) String() string {
	if creditsType.value == "" {
		return DefaultCreditsType
	}
	return creditsType.value
}

// NewReference validates a reference pair such as ("booking", "bk_123").
func NewReference(referenceType string, referenceID string) (Reference, error) {
	trimmedType := strings.ToLower(strings.TrimSpace(referenceType))
	trimmedID := strings.TrimSpace(referenceID)
	if trimmedType == "" || trimmedID == "" {
		return Reference{}, fmt.Errorf("%w: type and id are both required", ErrInvalidReference)
	}
	return Reference{referenceType: trimmedType, referenceID: trimmedID}, nil
}

// Type returns the reference kind.
func (reference Reference) Type() string {
	return reference.referenceType
}

// ID returns the referenced record id.
func (reference Reference) ID() string {
	return reference.referenceID
}

// IsZero reports whether no reference was supplied.
func (reference Reference) IsZero() bool {
	return reference.referenceType == ""
}

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits struct {
	value decimal.Decimal
}

// NewPositiveCredits validates that an amount is greater than zero and fits CreditsScale.
func NewPositiveCredits(raw decimal.Decimal) (PositiveCredits, error) {
	if !raw.IsPositive() {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !fitsScale(raw) {
		return PositiveCredits{}, fmt.Errorf("%w: at most %d fractional digits", ErrInvalidAmount, CreditsScale)
	}
	return PositiveCredits{value: raw}, nil
}

// ParsePositiveCredits parses a decimal string into PositiveCredits.
func ParsePositiveCredits(raw string) (PositiveCredits, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveCredits{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveCredits(parsed)
}

// Decimal returns the underlying amount.
func (amount PositiveCredits) Decimal() decimal.Decimal {
	return amount.value
}

// String returns the amount in canonical decimal form.
func (amount PositiveCredits) String() string {
	return amount.value.String()
}

func (amount PositiveCredits) valid() bool {
	return amount.value.IsPositive()
}

// CreditsDelta is a signed, non-zero balance correction.
type CreditsDelta struct {
	value decimal.Decimal
}

// NewCreditsDelta validates a signed adjustment.
func NewCreditsDelta(raw decimal.Decimal) (CreditsDelta, error) {
	if raw.IsZero() {
		return CreditsDelta{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAmount)
	}
	if !fitsScale(raw) {
		return CreditsDelta{}, fmt.Errorf("%w: at most %d fractional digits", ErrInvalidAmount, CreditsScale)
	}
	return CreditsDelta{value: raw}, nil
}

// ParseCreditsDelta parses a signed decimal string into a CreditsDelta.
func ParseCreditsDelta(raw string) (CreditsDelta, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return CreditsDelta{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewCreditsDelta(parsed)
}

// Decimal returns the signed delta.
func (delta CreditsDelta) Decimal() decimal.Decimal {
	return delta.value
}

func fitsScale(value decimal.Decimal) bool {
	return value.Round(CreditsScale).Equal(value)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionCredit     TransactionType = "credit"
	TransactionDebit      TransactionType = "debit"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionExpire     TransactionType = "expire"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch transactionType := TransactionType(strings.TrimSpace(raw)); transactionType {
	case TransactionCredit, TransactionDebit, TransactionRefund, TransactionAdjustment, TransactionExpire:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Wallet is a client's prepaid credit account within one studio.
type Wallet struct {
	ID                    string
	StudioID              string
	ClientID              string
	CreditsBalance        decimal.Decimal
	CreditsType           string
	TotalCreditsPurchased decimal.Decimal
	TotalCreditsUsed      decimal.Decimal
	TotalCreditsExpired   decimal.Decimal
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Transaction is a single immutable line in a wallet's history.
type Transaction struct {
	ID             string
	StudioID       string
	ClientID       string
	WalletID       string
	Sequence       int64
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	CreatedBy      string
	Metadata       string
	CreatedAt      time.Time
}

// SignedAmount returns the balance effect of the transaction.
// Adjustments store only the magnitude, so their sign follows the recorded balances.
func (transaction Transaction) SignedAmount() decimal.Decimal {
	switch transaction.Type {
	case TransactionDebit, TransactionExpire:
		return transaction.Amount.Neg()
	case TransactionAdjustment:
		if transaction.BalanceAfter.LessThan(transaction.BalanceBefore) {
			return transaction.Amount.Neg()
		}
		return transaction.Amount
	default:
		return transaction.Amount
	}
}

// Result is returned by every balance mutation.
type Result struct {
	Wallet      Wallet
	Transaction Transaction
	// Replayed is set when an idempotency key matched an earlier transaction and nothing was applied.
	Replayed bool
}

// OperationRequest carries the fields shared by every balance mutation.
// Zero values for CreatedBy, Reference, IdempotencyKey, and Metadata mean "not supplied".
type OperationRequest struct {
	WalletID       WalletID
	Description    string
	CreatedBy      ActorID
	Reference      Reference
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	// ExpectedVersion, when positive, must equal the wallet version inside the unit of work
	// or the operation fails with ErrWalletChanged.
	ExpectedVersion int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, walletID string) (Wallet, error)
	GetWalletForUpdate(ctx context.Context, walletID string) (Wallet, error)
	FindWallet(ctx context.Context, studioID string, clientID string) (Wallet, error)
	CreateWalletIfAbsent(ctx context.Context, wallet Wallet) (Wallet, error)
	UpdateWallet(ctx context.Context, wallet Wallet, expectedVersion int64) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, walletID string, idempotencyKey string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, walletID string, beforeSequence int64, limit int) ([]Transaction, error)
	ListWalletsByStudio(ctx context.Context, studioID string) ([]Wallet, error)
	ListExpirableWallets(ctx context.Context, updatedBefore time.Time, limit int) ([]Wallet, error)
}
