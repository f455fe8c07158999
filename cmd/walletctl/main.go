package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/walletd"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "WALLETD"

	flagDatabaseURL = "database-url"
	flagStoreDriver = "store-driver"
	flagVerbose     = "verbose"
	flagStudio      = "studio"
	flagClient      = "client"
	flagWallet      = "wallet"
	flagAmount      = "amount"
	flagActor       = "actor"
	flagReason      = "reason"
	flagBefore      = "before"
	flagLimit       = "limit"
	flagKey         = "idempotency-key"
	flagAll         = "all"

	defaultDatabaseURL = "sqlite:///tmp/creditwallet.db"
)

type cliContext struct {
	settings *viper.Viper
	service  *ledger.Service
	backend  *walletd.Backend
}

func main() {
	state := newCLIContext()
	if err := execute(state, newRootCommand(state)); err != nil {
		fmt.Fprintf(os.Stderr, "walletctl: %v\n", err)
		os.Exit(1)
	}
}

func newCLIContext() *cliContext {
	return &cliContext{settings: viper.New()}
}

// execute runs cmd and always releases the backend, including when a subcommand fails
// and cobra skips its post-run hooks.
func execute(state *cliContext, cmd *cobra.Command) error {
	runErr := cmd.Execute()
	return errors.Join(runErr, state.close())
}

func newRootCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Administer studio credit wallets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.open(cmd)
		},
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "Database url (postgres://, mysql://, sqlite:// or a sqlite path)")
	cmd.PersistentFlags().String(flagStoreDriver, walletd.StoreDriverGorm, "Store implementation: gorm or pgx")
	cmd.PersistentFlags().Bool(flagVerbose, false, "Log ledger operations to stderr")

	cmd.AddCommand(
		newBalanceCommand(state),
		newHistoryCommand(state),
		newAdjustCommand(state),
		newExpireCommand(state),
		newReconcileCommand(state),
	)
	return cmd
}

func (state *cliContext) open(cmd *cobra.Command) error {
	state.settings.SetEnvPrefix(envPrefix)
	state.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	state.settings.AutomaticEnv()
	for _, name := range []string{flagDatabaseURL, flagStoreDriver, flagVerbose} {
		if err := state.settings.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	logger := zap.NewNop()
	if state.settings.GetBool(flagVerbose) {
		productionLogger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("zap init: %w", err)
		}
		logger = productionLogger
	}

	backend, err := walletd.OpenBackend(cmd.Context(), walletd.Config{
		DatabaseURL: state.settings.GetString(flagDatabaseURL),
		StoreDriver: strings.ToLower(state.settings.GetString(flagStoreDriver)),
	})
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	service, err := ledger.NewService(backend.Store, time.Now, ledger.WithOperationLogger(telemetry.NewZapOperationLogger(logger)))
	if err != nil {
		_ = backend.Close()
		return err
	}
	state.backend = backend
	state.service = service
	return nil
}

func (state *cliContext) close() error {
	if state.backend == nil {
		return nil
	}
	err := state.backend.Close()
	state.backend = nil
	state.service = nil
	return err
}

func newBalanceCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show (and provision) a client's wallet in a studio",
		RunE: func(cmd *cobra.Command, args []string) error {
			studioID, err := ledger.NewStudioID(flagValue(cmd, flagStudio))
			if err != nil {
				return err
			}
			clientID, err := ledger.NewClientID(flagValue(cmd, flagClient))
			if err != nil {
				return err
			}
			wallet, err := state.service.GetOrCreateWallet(cmd.Context(), clientID, studioID, ledger.CreditsType{})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), walletView(wallet))
		},
	}
	cmd.Flags().String(flagStudio, "", "Studio id")
	cmd.Flags().String(flagClient, "", "Client id")
	return cmd
}

func newHistoryCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a wallet's transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID, err := ledger.NewWalletID(flagValue(cmd, flagWallet))
			if err != nil {
				return err
			}
			before, _ := cmd.Flags().GetInt64(flagBefore)
			limit, _ := cmd.Flags().GetInt(flagLimit)
			transactions, err := state.service.ListTransactions(cmd.Context(), walletID, before, limit)
			if err != nil {
				return err
			}
			views := make([]map[string]any, 0, len(transactions))
			for _, transaction := range transactions {
				views = append(views, transactionView(transaction))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().String(flagWallet, "", "Wallet id")
	cmd.Flags().Int64(flagBefore, 0, "Only transactions with a lower sequence")
	cmd.Flags().Int(flagLimit, 50, "Maximum transactions to list")
	return cmd
}

func newAdjustCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed manual correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := operationRequest(cmd)
			if err != nil {
				return err
			}
			delta, err := ledger.ParseCreditsDelta(flagValue(cmd, flagAmount))
			if err != nil {
				return err
			}
			result, err := state.service.Adjust(cmd.Context(), request, delta)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resultView(result))
		},
	}
	cmd.Flags().String(flagWallet, "", "Wallet id")
	cmd.Flags().String(flagAmount, "", "Signed credit delta, e.g. -1.5")
	cmd.Flags().String(flagActor, "", "Staff member performing the correction")
	cmd.Flags().String(flagReason, "", "Reason recorded as the description")
	cmd.Flags().String(flagKey, "", "Idempotency key")
	return cmd
}

func newExpireCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire credits from a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := operationRequest(cmd)
			if err != nil {
				return err
			}
			var amount ledger.PositiveCredits
			if expireAll, _ := cmd.Flags().GetBool(flagAll); expireAll {
				wallet, err := state.service.WalletByID(cmd.Context(), request.WalletID)
				if err != nil {
					return err
				}
				if !wallet.CreditsBalance.IsPositive() {
					return writeJSON(cmd.OutOrStdout(), walletView(wallet))
				}
				amount, err = ledger.NewPositiveCredits(wallet.CreditsBalance)
				if err != nil {
					return err
				}
			} else {
				amount, err = ledger.ParsePositiveCredits(flagValue(cmd, flagAmount))
				if err != nil {
					return err
				}
			}
			result, err := state.service.Expire(cmd.Context(), request, amount)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resultView(result))
		},
	}
	cmd.Flags().String(flagWallet, "", "Wallet id")
	cmd.Flags().String(flagAmount, "", "Credits to expire; clamped to the balance")
	cmd.Flags().Bool(flagAll, false, "Expire the whole balance")
	cmd.Flags().String(flagActor, "", "Staff member triggering the expiry")
	cmd.Flags().String(flagReason, "manual expiry", "Reason recorded as the description")
	cmd.Flags().String(flagKey, "", "Idempotency key")
	return cmd
}

func newReconcileCommand(state *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay a wallet's history and report mismatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID, err := ledger.NewWalletID(flagValue(cmd, flagWallet))
			if err != nil {
				return err
			}
			report, err := state.service.Reconcile(cmd.Context(), walletID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), reportView(report)); err != nil {
				return err
			}
			if !report.Consistent() {
				return fmt.Errorf("wallet %s has %d discrepancies", walletID, len(report.Discrepancies))
			}
			return nil
		},
	}
	cmd.Flags().String(flagWallet, "", "Wallet id")
	return cmd
}

func operationRequest(cmd *cobra.Command) (ledger.OperationRequest, error) {
	walletID, err := ledger.NewWalletID(flagValue(cmd, flagWallet))
	if err != nil {
		return ledger.OperationRequest{}, err
	}
	request := ledger.OperationRequest{WalletID: walletID, Description: flagValue(cmd, flagReason)}
	if actor := flagValue(cmd, flagActor); actor != "" {
		actorID, err := ledger.NewActorID(actor)
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.CreatedBy = actorID
	}
	if rawKey := flagValue(cmd, flagKey); rawKey != "" {
		key, err := ledger.NewIdempotencyKey(rawKey)
		if err != nil {
			return ledger.OperationRequest{}, err
		}
		request.IdempotencyKey = key
	}
	return request, nil
}

// flagValue returns a trimmed string flag; unregistered names yield "".
func flagValue(cmd *cobra.Command, name string) string {
	value, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(value)
}

func writeJSON(output io.Writer, value any) error {
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func walletView(wallet ledger.Wallet) map[string]any {
	return map[string]any{
		"id":                      wallet.ID,
		"studio_id":               wallet.StudioID,
		"client_id":               wallet.ClientID,
		"credits_balance":         wallet.CreditsBalance.StringFixed(ledger.CreditsScale),
		"credits_type":            wallet.CreditsType,
		"total_credits_purchased": wallet.TotalCreditsPurchased.StringFixed(ledger.CreditsScale),
		"total_credits_used":      wallet.TotalCreditsUsed.StringFixed(ledger.CreditsScale),
		"total_credits_expired":   wallet.TotalCreditsExpired.StringFixed(ledger.CreditsScale),
		"version":                 wallet.Version,
		"updated_at":              wallet.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func transactionView(transaction ledger.Transaction) map[string]any {
	return map[string]any{
		"id":             transaction.ID,
		"sequence":       transaction.Sequence,
		"type":           transaction.Type.String(),
		"amount":         transaction.Amount.StringFixed(ledger.CreditsScale),
		"balance_before": transaction.BalanceBefore.StringFixed(ledger.CreditsScale),
		"balance_after":  transaction.BalanceAfter.StringFixed(ledger.CreditsScale),
		"description":    transaction.Description,
		"created_by":     transaction.CreatedBy,
		"created_at":     transaction.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func resultView(result ledger.Result) map[string]any {
	return map[string]any{
		"wallet":      walletView(result.Wallet),
		"transaction": transactionView(result.Transaction),
		"replayed":    result.Replayed,
	}
}

func reportView(report ledger.ReconciliationReport) map[string]any {
	discrepancies := make([]map[string]any, 0, len(report.Discrepancies))
	for _, discrepancy := range report.Discrepancies {
		discrepancies = append(discrepancies, map[string]any{
			"kind":     string(discrepancy.Kind),
			"sequence": discrepancy.Sequence,
			"expected": discrepancy.Expected.String(),
			"actual":   discrepancy.Actual.String(),
			"detail":   discrepancy.Detail,
		})
	}
	return map[string]any{
		"wallet_id":         report.Wallet.ID,
		"consistent":        report.Consistent(),
		"transaction_count": report.TransactionCount,
		"replayed_balance":  report.ReplayedBalance.StringFixed(ledger.CreditsScale),
		"stored_balance":    report.Wallet.CreditsBalance.StringFixed(ledger.CreditsScale),
		"discrepancies":     discrepancies,
	}
}
