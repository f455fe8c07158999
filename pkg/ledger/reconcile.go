package ledger

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// DiscrepancyKind classifies a reconciliation finding.
type DiscrepancyKind string

const (
	DiscrepancyGap             DiscrepancyKind = "gap"
	DiscrepancyStep            DiscrepancyKind = "step"
	DiscrepancySequence        DiscrepancyKind = "sequence"
	DiscrepancyNegativeBalance DiscrepancyKind = "negative_balance"
	DiscrepancyBalance         DiscrepancyKind = "balance"
	DiscrepancyPurchased       DiscrepancyKind = "purchased"
	DiscrepancyUsed            DiscrepancyKind = "used"
	DiscrepancyExpired         DiscrepancyKind = "expired"
)

// Discrepancy is one mismatch between the wallet and its transaction history.
type Discrepancy struct {
	Kind     DiscrepancyKind
	Sequence int64
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Detail   string
}

// ReconciliationReport is the result of replaying a wallet's history.
type ReconciliationReport struct {
	Wallet            Wallet
	TransactionCount  int
	ReplayedBalance   decimal.Decimal
	ReplayedPurchased decimal.Decimal
	ReplayedUsed      decimal.Decimal
	ReplayedExpired   decimal.Decimal
	Discrepancies     []Discrepancy
}

// Consistent reports whether the history fully explains the stored wallet.
func (report ReconciliationReport) Consistent() bool {
	return len(report.Discrepancies) == 0
}

// Reconcile replays every transaction of a wallet from a zero balance and compares
// each step and the final totals against what is stored.
// The wallet row is locked for the read and history past its version is ignored,
// so operations committing meanwhile cannot skew the report.
func (service *Service) Reconcile(ctx context.Context, walletID WalletID) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetWalletForUpdate(ctx, walletID.String())
		if err != nil {
			return wrapLookupError(err)
		}
		history, err := loadHistory(ctx, transactionStore, wallet)
		if err != nil {
			return WrapError(operationReconcile, subjectTransaction, codeFailed, err)
		}
		report = replayHistory(wallet, history)
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	return report, nil
}

// loadHistory returns the transactions up to the wallet's version in ascending sequence order.
func loadHistory(ctx context.Context, transactionStore Store, wallet Wallet) ([]Transaction, error) {
	var history []Transaction
	before := wallet.Version + 1
	for before > 1 {
		page, err := transactionStore.ListTransactions(ctx, wallet.ID, before, maxListLimit)
		if err != nil {
			return nil, err
		}
		history = append(history, page...)
		if len(page) < maxListLimit {
			break
		}
		before = page[len(page)-1].Sequence
	}
	slices.Reverse(history)
	return history, nil
}

func replayHistory(wallet Wallet, history []Transaction) ReconciliationReport {
	report := ReconciliationReport{
		Wallet:            wallet,
		TransactionCount:  len(history),
		ReplayedBalance:   decimal.Zero,
		ReplayedPurchased: decimal.Zero,
		ReplayedUsed:      decimal.Zero,
		ReplayedExpired:   decimal.Zero,
	}
	var previousSequence int64
	for _, transaction := range history {
		if transaction.Sequence != previousSequence+1 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:     DiscrepancySequence,
				Sequence: transaction.Sequence,
				Detail:   fmt.Sprintf("expected sequence %d", previousSequence+1),
			})
		}
		previousSequence = transaction.Sequence
		if !transaction.BalanceBefore.Equal(report.ReplayedBalance) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:     DiscrepancyGap,
				Sequence: transaction.Sequence,
				Expected: report.ReplayedBalance,
				Actual:   transaction.BalanceBefore,
				Detail:   "balance_before does not continue the previous balance_after",
			})
		}
		running := report.ReplayedBalance.Add(transaction.SignedAmount())
		if !transaction.BalanceAfter.Equal(transaction.BalanceBefore.Add(transaction.SignedAmount())) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:     DiscrepancyStep,
				Sequence: transaction.Sequence,
				Expected: transaction.BalanceBefore.Add(transaction.SignedAmount()),
				Actual:   transaction.BalanceAfter,
				Detail:   fmt.Sprintf("%s of %s does not explain the recorded balances", transaction.Type, transaction.Amount),
			})
		}
		if running.IsNegative() {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:     DiscrepancyNegativeBalance,
				Sequence: transaction.Sequence,
				Expected: decimal.Zero,
				Actual:   running,
			})
		}
		report.ReplayedBalance = running
		switch transaction.Type {
		case TransactionCredit:
			report.ReplayedPurchased = report.ReplayedPurchased.Add(transaction.Amount)
		case TransactionDebit:
			report.ReplayedUsed = report.ReplayedUsed.Add(transaction.Amount)
		case TransactionExpire:
			report.ReplayedExpired = report.ReplayedExpired.Add(transaction.Amount)
		}
	}
	report.Discrepancies = appendTotalMismatch(report.Discrepancies, DiscrepancyBalance, report.ReplayedBalance, wallet.CreditsBalance)
	report.Discrepancies = appendTotalMismatch(report.Discrepancies, DiscrepancyPurchased, report.ReplayedPurchased, wallet.TotalCreditsPurchased)
	report.Discrepancies = appendTotalMismatch(report.Discrepancies, DiscrepancyUsed, report.ReplayedUsed, wallet.TotalCreditsUsed)
	report.Discrepancies = appendTotalMismatch(report.Discrepancies, DiscrepancyExpired, report.ReplayedExpired, wallet.TotalCreditsExpired)
	if wallet.Version != previousSequence {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:     DiscrepancySequence,
			Sequence: previousSequence,
			Detail:   fmt.Sprintf("wallet version %d does not match last sequence", wallet.Version),
		})
	}
	return report
}

func appendTotalMismatch(discrepancies []Discrepancy, kind DiscrepancyKind, expected decimal.Decimal, actual decimal.Decimal) []Discrepancy {
	if expected.Equal(actual) {
		return discrepancies
	}
	return append(discrepancies, Discrepancy{Kind: kind, Expected: expected, Actual: actual})
}
