package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintWalletIdempotencyKey = "idx_wallet_tx_wallet_idempotency"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectSchema             = "schema"
	errorSubjectWallet             = "wallet"
	errorSubjectTransaction        = "transaction"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeEnsure                = "ensure"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeUpdate                = "update"

	// Schema matches the tables produced by the gorm store's AutoMigrate.
	Schema = `
		create table if not exists wallets (
			id varchar(36) primary key,
			studio_id varchar(64) not null,
			client_id varchar(64) not null,
			credits_balance numeric(20,4) not null,
			credits_type varchar(32) not null,
			total_credits_purchased numeric(20,4) not null,
			total_credits_used numeric(20,4) not null,
			total_credits_expired numeric(20,4) not null,
			version bigint not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create unique index if not exists idx_wallets_studio_client on wallets(studio_id, client_id);
		create index if not exists idx_wallets_studio_updated on wallets(studio_id, updated_at);
		create index if not exists idx_wallets_updated on wallets(updated_at);
		create table if not exists wallet_transactions (
			id varchar(36) primary key,
			studio_id varchar(64) not null,
			client_id varchar(64) not null,
			wallet_id varchar(36) not null,
			sequence bigint not null,
			type varchar(16) not null,
			amount numeric(20,4) not null,
			balance_before numeric(20,4) not null,
			balance_after numeric(20,4) not null,
			description varchar(255) not null,
			reference_type varchar(32),
			reference_id varchar(128),
			idempotency_key varchar(128),
			created_by varchar(64),
			metadata jsonb not null,
			created_at timestamptz not null
		);
		create unique index if not exists idx_wallet_tx_wallet_sequence on wallet_transactions(wallet_id, sequence);
		create unique index if not exists idx_wallet_tx_wallet_idempotency on wallet_transactions(wallet_id, idempotency_key);
		create index if not exists idx_wallet_tx_studio_created on wallet_transactions(studio_id, created_at);
	`

	walletColumns = `
		id, studio_id, client_id, credits_balance::text, credits_type,
		total_credits_purchased::text, total_credits_used::text, total_credits_expired::text,
		version, created_at, updated_at
	`

	transactionColumns = `
		id, studio_id, client_id, wallet_id, sequence, type,
		amount::text, balance_before::text, balance_after::text, description,
		coalesce(reference_type,''), coalesce(reference_id,''), coalesce(idempotency_key,''), coalesce(created_by,''),
		coalesce(metadata::text,'{}'), created_at
	`

	sqlSelectWallet          = `select ` + walletColumns + ` from wallets where id = $1`
	sqlSelectWalletForUpdate = `select ` + walletColumns + ` from wallets where id = $1 for update`
	sqlFindWallet            = `select ` + walletColumns + ` from wallets where studio_id = $1 and client_id = $2`

	sqlInsertWalletIfAbsent = `
		insert into wallets(
			id, studio_id, client_id, credits_balance, credits_type,
			total_credits_purchased, total_credits_used, total_credits_expired,
			version, created_at, updated_at
		)
		values($1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
		on conflict (studio_id, client_id) do nothing
	`

	sqlUpdateWallet = `
		update wallets
		set credits_balance = $3::numeric,
			total_credits_purchased = $4::numeric,
			total_credits_used = $5::numeric,
			total_credits_expired = $6::numeric,
			version = $7,
			updated_at = $8
		where id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			id, studio_id, client_id, wallet_id, sequence, type,
			amount, balance_before, balance_after, description,
			reference_type, reference_id, idempotency_key, created_by,
			metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10,
			nullif($11,''), nullif($12,''), nullif($13,''), nullif($14,''),
			coalesce(nullif($15,''),'{}')::jsonb, $16
		)
	`

	sqlFindTransactionByKey = `select ` + transactionColumns + ` from wallet_transactions where wallet_id = $1 and idempotency_key = $2`

	sqlListTransactionsBefore = `
		select ` + transactionColumns + `
		from wallet_transactions
		where wallet_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit $3
	`

	sqlListWalletsByStudio = `select ` + walletColumns + ` from wallets where studio_id = $1 order by updated_at desc, id asc`

	sqlListExpirableWallets = `
		select ` + walletColumns + `
		from wallets
		where credits_balance > 0 and updated_at < $1
		order by updated_at asc, id asc
		limit $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// queries holds the statements shared by Store and TxStore.
type queries struct {
	db querier
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the tables and indexes when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return scanWallet(store.db.QueryRow(ctx, sqlSelectWallet, walletID))
}

func (store queries) GetWalletForUpdate(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return scanWallet(store.db.QueryRow(ctx, sqlSelectWalletForUpdate, walletID))
}

func (store queries) FindWallet(ctx context.Context, studioID string, clientID string) (ledger.Wallet, error) {
	return scanWallet(store.db.QueryRow(ctx, sqlFindWallet, studioID, clientID))
}

func (store queries) CreateWalletIfAbsent(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	_, err := store.db.Exec(ctx, sqlInsertWalletIfAbsent,
		wallet.ID,
		wallet.StudioID,
		wallet.ClientID,
		wallet.CreditsBalance.String(),
		wallet.CreditsType,
		wallet.TotalCreditsPurchased.String(),
		wallet.TotalCreditsUsed.String(),
		wallet.TotalCreditsExpired.String(),
		wallet.Version,
		wallet.CreatedAt.UTC(),
		wallet.UpdatedAt.UTC(),
	)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return store.FindWallet(ctx, wallet.StudioID, wallet.ClientID)
}

func (store queries) UpdateWallet(ctx context.Context, wallet ledger.Wallet, expectedVersion int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet,
		wallet.ID,
		expectedVersion,
		wallet.CreditsBalance.String(),
		wallet.TotalCreditsPurchased.String(),
		wallet.TotalCreditsUsed.String(),
		wallet.TotalCreditsExpired.String(),
		wallet.Version,
		wallet.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrConcurrencyConflict)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.StudioID,
		transaction.ClientID,
		transaction.WalletID,
		transaction.Sequence,
		transaction.Type.String(),
		transaction.Amount.String(),
		transaction.BalanceBefore.String(),
		transaction.BalanceAfter.String(),
		transaction.Description,
		transaction.ReferenceType,
		transaction.ReferenceID,
		transaction.IdempotencyKey,
		transaction.CreatedBy,
		transaction.Metadata,
		transaction.CreatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		if pgErr.ConstraintName == constraintWalletIdempotencyKey {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store queries) FindTransactionByIdempotencyKey(ctx context.Context, walletID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlFindTransactionByKey, walletID, idempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store queries) ListTransactions(ctx context.Context, walletID string, beforeSequence int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, walletID, beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store queries) ListWalletsByStudio(ctx context.Context, studioID string) ([]ledger.Wallet, error) {
	return store.listWallets(ctx, sqlListWalletsByStudio, studioID)
}

func (store queries) ListExpirableWallets(ctx context.Context, updatedBefore time.Time, limit int) ([]ledger.Wallet, error) {
	return store.listWallets(ctx, sqlListExpirableWallets, updatedBefore.UTC(), limit)
}

func (store queries) listWallets(ctx context.Context, sql string, arguments ...any) ([]ledger.Wallet, error) {
	rows, err := store.db.Query(ctx, sql, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	var wallets []ledger.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return wallets, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		wallet                            ledger.Wallet
		balance, purchased, used, expired string
	)
	err := row.Scan(
		&wallet.ID,
		&wallet.StudioID,
		&wallet.ClientID,
		&balance,
		&wallet.CreditsType,
		&purchased,
		&used,
		&expired,
		&wallet.Version,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	amounts, err := parseDecimals(balance, purchased, used, expired)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	wallet.CreditsBalance = amounts[0]
	wallet.TotalCreditsPurchased = amounts[1]
	wallet.TotalCreditsUsed = amounts[2]
	wallet.TotalCreditsExpired = amounts[3]
	wallet.CreatedAt = wallet.CreatedAt.UTC()
	wallet.UpdatedAt = wallet.UpdatedAt.UTC()
	return wallet, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transaction           ledger.Transaction
		transactionType       string
		amount, before, after string
	)
	err := row.Scan(
		&transaction.ID,
		&transaction.StudioID,
		&transaction.ClientID,
		&transaction.WalletID,
		&transaction.Sequence,
		&transactionType,
		&amount,
		&before,
		&after,
		&transaction.Description,
		&transaction.ReferenceType,
		&transaction.ReferenceID,
		&transaction.IdempotencyKey,
		&transaction.CreatedBy,
		&transaction.Metadata,
		&transaction.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	parsedType, err := ledger.ParseTransactionType(transactionType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amounts, err := parseDecimals(amount, before, after)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Type = parsedType
	transaction.Amount = amounts[0]
	transaction.BalanceBefore = amounts[1]
	transaction.BalanceAfter = amounts[2]
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	return transaction, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	parsed := make([]decimal.Decimal, 0, len(values))
	for _, value := range values {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, amount)
	}
	return parsed, nil
}
