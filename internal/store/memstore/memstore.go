// Package memstore keeps wallets and transactions in process memory.
// A unit of work holds a store-wide lock and is rolled back from a snapshot on error.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorCodeGet            = "get"
	errorCodeUpdate         = "update"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
)

type walletKey struct {
	studioID string
	clientID string
}

type memoryState struct {
	wallets      map[string]ledger.Wallet
	walletsByKey map[walletKey]string
	transactions map[string][]ledger.Transaction
}

func (state *memoryState) clone() memoryState {
	transactions := make(map[string][]ledger.Transaction, len(state.transactions))
	for walletID, history := range state.transactions {
		transactions[walletID] = slices.Clone(history)
	}
	return memoryState{
		wallets:      maps.Clone(state.wallets),
		walletsByKey: maps.Clone(state.walletsByKey),
		transactions: transactions,
	}
}

// Store implements ledger.Store in memory.
type Store struct {
	mutex *sync.Mutex
	state *memoryState
	inTx  bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		mutex: &sync.Mutex{},
		state: &memoryState{
			wallets:      map[string]ledger.Wallet{},
			walletsByKey: map[walletKey]string{},
			transactions: map[string][]ledger.Transaction{},
		},
	}
}

func (store *Store) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

// WithTx executes fn while holding the store lock; any error restores the prior state.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := store.state.clone()
	txStore := &Store{mutex: store.mutex, state: store.state, inTx: true}
	err := fn(ctx, txStore)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		*store.state = snapshot
		return err
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	unlock := store.lock()
	defer unlock()
	wallet, ok := store.state.wallets[walletID]
	if !ok {
		return ledger.Wallet{}, ledger.WrapError(errorOperationStore, errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	return wallet, nil
}

// GetWalletForUpdate is GetWallet; the unit of work already holds the lock.
func (store *Store) GetWalletForUpdate(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return store.GetWallet(ctx, walletID)
}

func (store *Store) FindWallet(ctx context.Context, studioID string, clientID string) (ledger.Wallet, error) {
	unlock := store.lock()
	defer unlock()
	walletID, ok := store.state.walletsByKey[walletKey{studioID: studioID, clientID: clientID}]
	if !ok {
		return ledger.Wallet{}, ledger.WrapError(errorOperationStore, errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	return store.state.wallets[walletID], nil
}

func (store *Store) CreateWalletIfAbsent(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	unlock := store.lock()
	defer unlock()
	key := walletKey{studioID: wallet.StudioID, clientID: wallet.ClientID}
	if existingID, ok := store.state.walletsByKey[key]; ok {
		return store.state.wallets[existingID], nil
	}
	store.state.wallets[wallet.ID] = wallet
	store.state.walletsByKey[key] = wallet.ID
	return wallet, nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet, expectedVersion int64) error {
	unlock := store.lock()
	defer unlock()
	current, ok := store.state.wallets[wallet.ID]
	if !ok {
		return ledger.WrapError(errorOperationStore, errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	if current.Version != expectedVersion {
		return ledger.WrapError(errorOperationStore, errorSubjectWallet, errorCodeUpdate, ledger.ErrConcurrencyConflict)
	}
	store.state.wallets[wallet.ID] = wallet
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	unlock := store.lock()
	defer unlock()
	history := store.state.transactions[transaction.WalletID]
	for _, existing := range history {
		if transaction.IdempotencyKey != "" && existing.IdempotencyKey == transaction.IdempotencyKey {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if existing.Sequence == transaction.Sequence {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeInsert, ledger.ErrConcurrencyConflict)
		}
	}
	store.state.transactions[transaction.WalletID] = append(history, transaction)
	return nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, walletID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	unlock := store.lock()
	defer unlock()
	for _, existing := range store.state.transactions[walletID] {
		if existing.IdempotencyKey == idempotencyKey {
			return existing, true, nil
		}
	}
	return ledger.Transaction{}, false, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID string, beforeSequence int64, limit int) ([]ledger.Transaction, error) {
	unlock := store.lock()
	defer unlock()
	history := store.state.transactions[walletID]
	transactions := make([]ledger.Transaction, 0, min(limit, len(history)))
	for index := len(history) - 1; index >= 0 && len(transactions) < limit; index-- {
		if beforeSequence > 0 && history[index].Sequence >= beforeSequence {
			continue
		}
		transactions = append(transactions, history[index])
	}
	return transactions, nil
}

func (store *Store) ListWalletsByStudio(ctx context.Context, studioID string) ([]ledger.Wallet, error) {
	unlock := store.lock()
	defer unlock()
	var wallets []ledger.Wallet
	for _, wallet := range store.state.wallets {
		if wallet.StudioID == studioID {
			wallets = append(wallets, wallet)
		}
	}
	slices.SortFunc(wallets, func(left, right ledger.Wallet) int {
		if order := right.UpdatedAt.Compare(left.UpdatedAt); order != 0 {
			return order
		}
		return cmp.Compare(left.ID, right.ID)
	})
	return wallets, nil
}

func (store *Store) ListExpirableWallets(ctx context.Context, updatedBefore time.Time, limit int) ([]ledger.Wallet, error) {
	unlock := store.lock()
	defer unlock()
	var wallets []ledger.Wallet
	for _, wallet := range store.state.wallets {
		if wallet.CreditsBalance.IsPositive() && wallet.UpdatedAt.Before(updatedBefore) {
			wallets = append(wallets, wallet)
		}
	}
	slices.SortFunc(wallets, func(left, right ledger.Wallet) int {
		if order := left.UpdatedAt.Compare(right.UpdatedAt); order != 0 {
			return order
		}
		return cmp.Compare(left.ID, right.ID)
	})
	if len(wallets) > limit {
		wallets = wallets[:limit]
	}
	return wallets, nil
}
