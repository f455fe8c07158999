package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestIdentifierConstructorsTrimAndReject(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		construct func(string) (string, error)
		expected  error
	}{
		{name: "wallet", construct: func(raw string) (string, error) { value, err := NewWalletID(raw); return value.String(), err }, expected: ErrInvalidWalletID},
		{name: "studio", construct: func(raw string) (string, error) { value, err := NewStudioID(raw); return value.String(), err }, expected: ErrInvalidStudioID},
		{name: "client", construct: func(raw string) (string, error) { value, err := NewClientID(raw); return value.String(), err }, expected: ErrInvalidClientID},
		{name: "actor", construct: func(raw string) (string, error) { value, err := NewActorID(raw); return value.String(), err }, expected: ErrInvalidActorID},
		{name: "idempotency", construct: func(raw string) (string, error) { value, err := NewIdempotencyKey(raw); return value.String(), err }, expected: ErrInvalidIdempotencyKey},
	}
	for _, testCase := range testCases {
		value, err := testCase.construct("  abc  ")
		if err != nil || value != "abc" {
			test.Fatalf("%s: expected trimmed value, got %q (%v)", testCase.name, value, err)
		}
		if _, err := testCase.construct("   "); !errors.Is(err, testCase.expected) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestPositiveCreditsValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw   string
		valid bool
	}{
		{raw: "1", valid: true},
		{raw: "0.25", valid: true},
		{raw: "1.0001", valid: true},
		{raw: "1.00001", valid: false},
		{raw: "0", valid: false},
		{raw: "-3", valid: false},
		{raw: "abc", valid: false},
	}
	for _, testCase := range testCases {
		amount, err := ParsePositiveCredits(testCase.raw)
		if testCase.valid {
			if err != nil {
				test.Fatalf("%q: unexpected error %v", testCase.raw, err)
			}
			if !amount.Decimal().Equal(decimal.RequireFromString(testCase.raw)) {
				test.Fatalf("%q: unexpected value %s", testCase.raw, amount)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("%q: expected invalid amount, got %v", testCase.raw, err)
		}
	}
}

func TestCreditsDeltaRejectsZero(test *testing.T) {
	test.Parallel()
	if _, err := ParseCreditsDelta("0"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected invalid amount for zero delta, got %v", err)
	}
	delta, err := ParseCreditsDelta("-1.5")
	if err != nil {
		test.Fatalf("negative delta: %v", err)
	}
	if !delta.Decimal().Equal(decimal.RequireFromString("-1.5")) {
		test.Fatalf("unexpected delta %s", delta.Decimal())
	}
}

func TestMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	empty, err := NewMetadataJSON("  ")
	if err != nil || empty.String() != "{}" {
		test.Fatalf("expected default object, got %q (%v)", empty.String(), err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("expected zero metadata to render as an empty object")
	}
	for _, raw := range []string{"[1,2]", "not json", `"text"`} {
		if _, err := NewMetadataJSON(raw); !errors.Is(err, ErrInvalidMetadataJSON) {
			test.Fatalf("%q: expected invalid metadata, got %v", raw, err)
		}
	}
}

func TestReferenceRequiresBothParts(test *testing.T) {
	test.Parallel()
	reference, err := NewReference(" Booking ", "bk_1")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	if reference.Type() != "booking" || reference.ID() != "bk_1" {
		test.Fatalf("unexpected reference %+v", reference)
	}
	if _, err := NewReference("booking", ""); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected invalid reference, got %v", err)
	}
	if !(Reference{}).IsZero() {
		test.Fatalf("expected zero reference")
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"credit", "debit", "refund", "adjustment", "expire"} {
		parsed, err := ParseTransactionType(raw)
		if err != nil || parsed.String() != raw {
			test.Fatalf("%q: got %q (%v)", raw, parsed, err)
		}
	}
	if _, err := ParseTransactionType("hold"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected invalid transaction type, got %v", err)
	}
}

func TestSignedAmount(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		transaction Transaction
		expected    string
	}{
		{transaction: Transaction{Type: TransactionCredit, Amount: decimal.NewFromInt(5)}, expected: "5"},
		{transaction: Transaction{Type: TransactionRefund, Amount: decimal.NewFromInt(2)}, expected: "2"},
		{transaction: Transaction{Type: TransactionDebit, Amount: decimal.NewFromInt(3)}, expected: "-3"},
		{transaction: Transaction{Type: TransactionExpire, Amount: decimal.NewFromInt(4)}, expected: "-4"},
		{transaction: Transaction{Type: TransactionAdjustment, Amount: decimal.NewFromInt(2), BalanceBefore: decimal.NewFromInt(5), BalanceAfter: decimal.NewFromInt(3)}, expected: "-2"},
		{transaction: Transaction{Type: TransactionAdjustment, Amount: decimal.NewFromInt(2), BalanceBefore: decimal.NewFromInt(3), BalanceAfter: decimal.NewFromInt(5)}, expected: "2"},
	}
	for _, testCase := range testCases {
		if actual := testCase.transaction.SignedAmount().String(); actual != testCase.expected {
			test.Fatalf("%s: expected %s, got %s", testCase.transaction.Type, testCase.expected, actual)
		}
	}
}

func TestCreditsTypeDefaultsToHours(test *testing.T) {
	test.Parallel()
	if (CreditsType{}).String() != DefaultCreditsType {
		test.Fatalf("expected default credits type")
	}
	creditsType, err := NewCreditsType(" Sessions ")
	if err != nil || creditsType.String() != "sessions" {
		test.Fatalf("unexpected credits type %q (%v)", creditsType.String(), err)
	}
}
