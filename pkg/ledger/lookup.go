package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// GetWallet looks up the wallet of a client in a studio without creating it.
func (service *Service) GetWallet(ctx context.Context, clientID ClientID, studioID StudioID) (Wallet, bool, error) {
	if err := validateOwner(operationLookup, clientID, studioID); err != nil {
		return Wallet{}, false, err
	}
	wallet, err := service.store.FindWallet(ctx, studioID.String(), clientID.String())
	if errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, false, nil
	}
	if err != nil {
		return Wallet{}, false, err
	}
	return wallet, true, nil
}

// GetOrCreateWallet returns the client's wallet, provisioning an empty one on first use.
// Concurrent callers for the same (studio, client) pair observe a single row.
func (service *Service) GetOrCreateWallet(ctx context.Context, clientID ClientID, studioID StudioID, creditsType CreditsType) (Wallet, error) {
	if err := validateOwner(operationProvision, clientID, studioID); err != nil {
		return Wallet{}, err
	}
	wallet, found, err := service.GetWallet(ctx, clientID, studioID)
	if err != nil {
		return Wallet{}, WrapError(operationProvision, subjectWallet, codeFailed, err)
	}
	if found {
		return wallet, nil
	}
	nowUTC := service.nowFn().UTC()
	candidate := Wallet{
		ID:                    service.newID(),
		StudioID:              studioID.String(),
		ClientID:              clientID.String(),
		CreditsBalance:        decimal.Zero,
		CreditsType:           creditsType.String(),
		TotalCreditsPurchased: decimal.Zero,
		TotalCreditsUsed:      decimal.Zero,
		TotalCreditsExpired:   decimal.Zero,
		CreatedAt:             nowUTC,
		UpdatedAt:             nowUTC,
	}
	wallet, err = service.store.CreateWalletIfAbsent(ctx, candidate)
	operationError := WrapError(operationProvision, subjectWallet, codeFailed, err)
	walletID, _ := NewWalletID(wallet.ID)
	service.logOperation(ctx, OperationLog{
		Operation: operationProvision,
		WalletID:  walletID,
		Error:     operationError,
	})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// WalletByID loads a wallet by its id.
func (service *Service) WalletByID(ctx context.Context, walletID WalletID) (Wallet, error) {
	wallet, err := service.store.GetWallet(ctx, walletID.String())
	if err != nil {
		return Wallet{}, wrapLookupError(err)
	}
	return wallet, nil
}

// GetBalance returns the client's current balance, provisioning the wallet if needed.
func (service *Service) GetBalance(ctx context.Context, clientID ClientID, studioID StudioID) (decimal.Decimal, error) {
	wallet, err := service.GetOrCreateWallet(ctx, clientID, studioID, CreditsType{})
	if err != nil {
		return decimal.Zero, err
	}
	return wallet.CreditsBalance, nil
}

// ListTransactions pages through a wallet's history newest first.
// beforeSequence of zero starts at the newest transaction; pass the last Sequence seen to continue.
func (service *Service) ListTransactions(ctx context.Context, walletID WalletID, beforeSequence int64, limit int) ([]Transaction, error) {
	if _, err := service.WalletByID(ctx, walletID); err != nil {
		return nil, err
	}
	if beforeSequence < 0 {
		beforeSequence = 0
	}
	transactions, err := service.store.ListTransactions(ctx, walletID.String(), beforeSequence, normalizeListLimit(limit))
	if err != nil {
		return nil, wrapLookupError(err)
	}
	return transactions, nil
}

// ListWalletsByStudio returns every wallet in a studio, most recently updated first.
func (service *Service) ListWalletsByStudio(ctx context.Context, studioID StudioID) ([]Wallet, error) {
	if studioID.String() == "" {
		return nil, WrapError(operationLookup, subjectStudio, codeMissing, ErrInvalidStudioID)
	}
	wallets, err := service.store.ListWalletsByStudio(ctx, studioID.String())
	if err != nil {
		return nil, wrapLookupError(err)
	}
	return wallets, nil
}

// ListExpirableWallets returns wallets holding credits that have not changed since updatedBefore.
func (service *Service) ListExpirableWallets(ctx context.Context, updatedBefore time.Time, limit int) ([]Wallet, error) {
	wallets, err := service.store.ListExpirableWallets(ctx, updatedBefore.UTC(), normalizeListLimit(limit))
	if err != nil {
		return nil, wrapLookupError(err)
	}
	return wallets, nil
}

// validateOwner rejects zero-value ids, which the New* constructors never produce.
func validateOwner(operation string, clientID ClientID, studioID StudioID) error {
	if studioID.String() == "" {
		return WrapError(operation, subjectStudio, codeMissing, ErrInvalidStudioID)
	}
	if clientID.String() == "" {
		return WrapError(operation, subjectClient, codeMissing, ErrInvalidClientID)
	}
	return nil
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func wrapLookupError(err error) error {
	if errors.Is(err, ErrWalletNotFound) {
		return WrapError(operationLookup, subjectWallet, codeMissing, err)
	}
	return WrapError(operationLookup, subjectWallet, codeFailed, err)
}
