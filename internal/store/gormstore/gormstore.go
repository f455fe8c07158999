package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintWalletIdempotencyKey = "idx_wallet_tx_wallet_idempotency"
	defaultMetadataJSON            = "{}"
	idempotencyMarker              = "idempotency"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	mysqlDuplicateEntryCode        = 1062
	errorOperationStore            = "store"
	errorSubjectWallet             = "wallet"
	errorSubjectTransaction        = "transaction"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeMigrate               = "migrate"
	errorCodeUpdate                = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the wallets and wallet_transactions tables.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeMigrate, err)
	}
	return nil
}

// Ping verifies the underlying connection pool is reachable.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).Where("id = ?", walletID))
}

// GetWalletForUpdate takes a row lock where the dialect supports SELECT ... FOR UPDATE.
func (store *Store) GetWalletForUpdate(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID))
}

func (store *Store) FindWallet(ctx context.Context, studioID string, clientID string) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).Where("studio_id = ? AND client_id = ?", studioID, clientID))
}

func (store *Store) takeWallet(query *gorm.DB) (ledger.Wallet, error) {
	var model Wallet
	err := query.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model), nil
}

// CreateWalletIfAbsent inserts the wallet unless (studio_id, client_id) exists, then returns the stored row.
func (store *Store) CreateWalletIfAbsent(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	model := Wallet{
		ID:                    wallet.ID,
		StudioID:              wallet.StudioID,
		ClientID:              wallet.ClientID,
		CreditsBalance:        wallet.CreditsBalance,
		CreditsType:           wallet.CreditsType,
		TotalCreditsPurchased: wallet.TotalCreditsPurchased,
		TotalCreditsUsed:      wallet.TotalCreditsUsed,
		TotalCreditsExpired:   wallet.TotalCreditsExpired,
		Version:               wallet.Version,
		CreatedAt:             wallet.CreatedAt,
		UpdatedAt:             wallet.UpdatedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "studio_id"}, {Name: "client_id"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil && !isUniqueViolation(err) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return store.FindWallet(ctx, wallet.StudioID, wallet.ClientID)
}

// UpdateWallet writes the wallet only if its stored version still equals expectedVersion.
func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, expectedVersion).
		Updates(map[string]any{
			"credits_balance":         wallet.CreditsBalance,
			"total_credits_purchased": wallet.TotalCreditsPurchased,
			"total_credits_used":      wallet.TotalCreditsUsed,
			"total_credits_expired":   wallet.TotalCreditsExpired,
			"version":                 wallet.Version,
			"updated_at":              wallet.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := WalletTransaction{
		ID:             transaction.ID,
		StudioID:       transaction.StudioID,
		ClientID:       transaction.ClientID,
		WalletID:       transaction.WalletID,
		Sequence:       transaction.Sequence,
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount,
		BalanceBefore:  transaction.BalanceBefore,
		BalanceAfter:   transaction.BalanceAfter,
		Description:    transaction.Description,
		ReferenceType:  optionalString(transaction.ReferenceType),
		ReferenceID:    optionalString(transaction.ReferenceID),
		IdempotencyKey: optionalString(transaction.IdempotencyKey),
		CreatedBy:      optionalString(transaction.CreatedBy),
		Metadata:       datatypesJSON(transaction.Metadata),
		CreatedAt:      transaction.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if isIdempotencyConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, walletID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	var rows []WalletTransaction
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID, idempotencyKey).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return ledger.Transaction{}, false, nil
	}
	transaction, err := mapTransaction(rows[0])
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID string, beforeSequence int64, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("wallet_id = ?", walletID)
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	var rows []WalletTransaction
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListWalletsByStudio(ctx context.Context, studioID string) ([]ledger.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Where("studio_id = ?", studioID).
		Order("updated_at DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return mapWallets(rows), nil
}

func (store *Store) ListExpirableWallets(ctx context.Context, updatedBefore time.Time, limit int) ([]ledger.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Where("credits_balance > 0 AND updated_at < ?", updatedBefore.UTC()).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return mapWallets(rows), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) ledger.Wallet {
	return ledger.Wallet{
		ID:                    model.ID,
		StudioID:              model.StudioID,
		ClientID:              model.ClientID,
		CreditsBalance:        model.CreditsBalance,
		CreditsType:           model.CreditsType,
		TotalCreditsPurchased: model.TotalCreditsPurchased,
		TotalCreditsUsed:      model.TotalCreditsUsed,
		TotalCreditsExpired:   model.TotalCreditsExpired,
		Version:               model.Version,
		CreatedAt:             model.CreatedAt.UTC(),
		UpdatedAt:             model.UpdatedAt.UTC(),
	}
}

func mapWallets(rows []Wallet) []ledger.Wallet {
	wallets := make([]ledger.Wallet, 0, len(rows))
	for _, row := range rows {
		wallets = append(wallets, mapWallet(row))
	}
	return wallets
}

func mapTransaction(row WalletTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:             row.ID,
		StudioID:       row.StudioID,
		ClientID:       row.ClientID,
		WalletID:       row.WalletID,
		Sequence:       row.Sequence,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceBefore:  row.BalanceBefore,
		BalanceAfter:   row.BalanceAfter,
		Description:    row.Description,
		ReferenceType:  stringOrEmpty(row.ReferenceType),
		ReferenceID:    stringOrEmpty(row.ReferenceID),
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		CreatedBy:      stringOrEmpty(row.CreatedBy),
		Metadata:       metadata.String(),
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	return false
}

// isIdempotencyConflict tells an idempotency-key collision apart from a sequence collision.
func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == constraintWalletIdempotencyKey
	}
	return strings.Contains(strings.ToLower(err.Error()), idempotencyMarker)
}
