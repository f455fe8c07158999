package ledger

import "time"

const (
	operationCredit    = "credit"
	operationDebit     = "debit"
	operationRefund    = "refund"
	operationAdjust    = "adjust"
	operationExpire    = "expire"
	operationProvision = "provision"
	operationReconcile = "reconcile"
	operationLookup    = "lookup"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	subjectAmount      = "amount"
	subjectBalance     = "balance"
	subjectActor       = "actor"
	subjectWallet      = "wallet"
	subjectTransaction = "transaction"
	subjectStudio      = "studio"
	subjectClient      = "client"

	codeInvalid      = "invalid"
	codeInsufficient = "insufficient"
	codeNegative     = "negative"
	codeMissing      = "missing"
	codeDuplicate    = "duplicate"
	codeConflict     = "conflict"
	codeStale        = "stale"
	codeFailed       = "failed"

	// DefaultCreditsType is the unit assigned to wallets provisioned without an explicit type.
	DefaultCreditsType = "hours"

	// CreditsScale is the number of fractional digits a credit amount may carry.
	CreditsScale int32 = 4

	defaultListLimit = 50
	maxListLimit     = 200

	defaultConflictRetries = 3
	defaultConflictBackoff = 5 * time.Millisecond
)
