package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	stubWalletID = "wallet-stub"
	stubStudioID = "studio-stub"
	stubClientID = "client-stub"
)

// stubStore holds a single wallet and lets tests inject failures into UpdateWallet.
type stubStore struct {
	mutex          sync.Mutex
	wallet         Wallet
	hasWallet      bool
	transactions   []Transaction
	getErr         error
	updateFailures []error
	updateCalls    int
	txCalls        int
}

func newStubStore(test *testing.T, balance int64) *stubStore {
	test.Helper()
	return &stubStore{
		hasWallet: true,
		wallet: Wallet{
			ID:                    stubWalletID,
			StudioID:              stubStudioID,
			ClientID:              stubClientID,
			CreditsBalance:        decimal.NewFromInt(balance),
			CreditsType:           DefaultCreditsType,
			TotalCreditsPurchased: decimal.NewFromInt(balance),
			TotalCreditsUsed:      decimal.Zero,
			TotalCreditsExpired:   decimal.Zero,
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	store.txCalls++
	store.mutex.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetWallet(_ context.Context, walletID string) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getErr != nil {
		return Wallet{}, store.getErr
	}
	if !store.hasWallet || walletID != store.wallet.ID {
		return Wallet{}, ErrWalletNotFound
	}
	return store.wallet, nil
}

func (store *stubStore) GetWalletForUpdate(ctx context.Context, walletID string) (Wallet, error) {
	return store.GetWallet(ctx, walletID)
}

func (store *stubStore) FindWallet(_ context.Context, studioID string, clientID string) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getErr != nil {
		return Wallet{}, store.getErr
	}
	if !store.hasWallet || store.wallet.StudioID != studioID || store.wallet.ClientID != clientID {
		return Wallet{}, ErrWalletNotFound
	}
	return store.wallet, nil
}

func (store *stubStore) CreateWalletIfAbsent(_ context.Context, wallet Wallet) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if !store.hasWallet {
		store.wallet = wallet
		store.hasWallet = true
	}
	return store.wallet, nil
}

func (store *stubStore) UpdateWallet(_ context.Context, wallet Wallet, expectedVersion int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.updateCalls++
	if len(store.updateFailures) > 0 {
		failure := store.updateFailures[0]
		store.updateFailures = store.updateFailures[1:]
		return failure
	}
	if store.wallet.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	store.wallet = wallet
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) FindTransactionByIdempotencyKey(_ context.Context, walletID string, idempotencyKey string) (Transaction, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, transaction := range store.transactions {
		if transaction.WalletID == walletID && transaction.IdempotencyKey == idempotencyKey {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactions(_ context.Context, walletID string, beforeSequence int64, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var transactions []Transaction
	for index := len(store.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.WalletID != walletID {
			continue
		}
		if beforeSequence > 0 && transaction.Sequence >= beforeSequence {
			continue
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *stubStore) ListWalletsByStudio(_ context.Context, studioID string) ([]Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.hasWallet && store.wallet.StudioID == studioID {
		return []Wallet{store.wallet}, nil
	}
	return nil, nil
}

func (store *stubStore) ListExpirableWallets(_ context.Context, updatedBefore time.Time, _ int) ([]Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.hasWallet && store.wallet.CreditsBalance.IsPositive() && store.wallet.UpdatedAt.Before(updatedBefore) {
		return []Wallet{store.wallet}, nil
	}
	return nil, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func mustWalletID(test *testing.T, raw string) WalletID {
	test.Helper()
	walletID, err := NewWalletID(raw)
	if err != nil {
		test.Fatalf("wallet id: %v", err)
	}
	return walletID
}

func mustActorID(test *testing.T, raw string) ActorID {
	test.Helper()
	actorID, err := NewActorID(raw)
	if err != nil {
		test.Fatalf("actor id: %v", err)
	}
	return actorID
}

func mustCredits(test *testing.T, raw string) PositiveCredits {
	test.Helper()
	amount, err := ParsePositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits %q: %v", raw, err)
	}
	return amount
}

func mustDelta(test *testing.T, raw string) CreditsDelta {
	test.Helper()
	delta, err := ParseCreditsDelta(raw)
	if err != nil {
		test.Fatalf("delta %q: %v", raw, err)
	}
	return delta
}
