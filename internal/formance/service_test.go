package formance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"pos-payments-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTC", "BTC/8"},
		{"TBTC", "TBTC/8"},
		{"DASH", "DASH/8"},
		{"UNKNOWN", "UNKNOWN/8"},
	}
	for _, tt := range tests {
		if got := asset(tt.symbol); got != tt.want {
			t.Errorf("asset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestSmallestUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"0.0005", "50000"},
		{"-0.0005", "50000"},
		{"1", "100000000"},
		{"0.00000001", "1"},
	}
	for _, tt := range tests {
		if got := smallestUnits("BTC", decimal.RequireFromString(tt.amount)); got != tt.want {
			t.Errorf("smallestUnits(%s) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestPostTransactionCredit(t *testing.T) {
	accountId, depositId := "acc-1", "dep-1"
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bc := models.BalanceChange{
		Id:        "bc-1",
		AccountId: &accountId,
		AddressId: "addr-1",
		Amount:    decimal.RequireFromString("0.0005"),
		DepositId: &depositId,
		CreatedAt: createdAt,
	}

	tx := postTransaction("BTC", bc)
	if tx.Reference == nil || *tx.Reference != "bc-1" {
		t.Fatalf("expected reference bc-1, got %v", tx.Reference)
	}
	if tx.Timestamp == nil || !tx.Timestamp.Equal(createdAt) {
		t.Errorf("expected timestamp %v, got %v", createdAt, tx.Timestamp)
	}
	vars := tx.Script.Vars
	if vars["owner"] != "merchants:accounts:acc-1" {
		t.Errorf("unexpected owner %q", vars["owner"])
	}
	if vars["chain"] != "chain:BTC" || vars["asset"] != "BTC/8" || vars["amount"] != "50000" {
		t.Errorf("unexpected vars %v", vars)
	}
	if vars["operation_type"] != "deposit" || vars["operation_id"] != "dep-1" {
		t.Errorf("unexpected operation vars %v", vars)
	}
	if !strings.Contains(tx.Script.Plain, "source = $chain") {
		t.Error("credit should draw from the chain account")
	}
}

func TestPostTransactionFeeDebit(t *testing.T) {
	withdrawalId := "wd-1"
	bc := models.BalanceChange{
		Id:           "bc-2",
		AddressId:    "addr-2",
		Amount:       decimal.RequireFromString("-0.00005"),
		WithdrawalId: &withdrawalId,
	}

	tx := postTransaction("TBTC", bc)
	if tx.Timestamp != nil {
		t.Error("zero creation time should leave the timestamp to the ledger")
	}
	vars := tx.Script.Vars
	if vars["owner"] != "fees:TBTC" {
		t.Errorf("unexpected owner %q", vars["owner"])
	}
	if vars["amount"] != "5000" {
		t.Errorf("unexpected amount %q", vars["amount"])
	}
	if vars["operation_type"] != "withdrawal" || vars["operation_id"] != "wd-1" {
		t.Errorf("unexpected operation vars %v", vars)
	}
	if !strings.Contains(tx.Script.Plain, "source = $owner") {
		t.Error("debit should draw from the owner account")
	}
}

func TestVolumeBalance(t *testing.T) {
	vols := map[string]shared.V2Volume{
		"BTC/8":  {Input: big.NewInt(150000), Output: big.NewInt(50000)},
		"DASH/8": {Input: big.NewInt(1), Output: big.NewInt(0), Balance: big.NewInt(7)},
	}
	if got := volumeBalance(vols, "BTC/8"); got.Int64() != 100000 {
		t.Errorf("expected 100000, got %s", got)
	}
	if got := volumeBalance(vols, "DASH/8"); got.Int64() != 7 {
		t.Errorf("expected explicit balance 7, got %s", got)
	}
	if got := volumeBalance(vols, "TBTC/8"); got != nil {
		t.Errorf("expected nil for missing asset, got %s", got)
	}
}

func TestBigIntToDecimal(t *testing.T) {
	result := bigIntToDecimal(big.NewInt(100_000_000), "BTC")
	if !result.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1, got %s", result.String())
	}

	result = bigIntToDecimal(nil, "BTC")
	if !result.IsZero() {
		t.Errorf("expected 0, got %s", result.String())
	}
}

func TestErrorCodes(t *testing.T) {
	if isConflictError(nil) || isNotFoundError(nil) {
		t.Error("nil is neither a conflict nor a not found error")
	}

	conflict := fmt.Errorf("post: %w", &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumConflict})
	if !isConflictError(conflict) {
		t.Error("wrapped CONFLICT should be a conflict error")
	}
	if isNotFoundError(conflict) {
		t.Error("CONFLICT is not a not found error")
	}

	exists := &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumLedgerAlreadyExists}
	if !hasCode(exists, shared.V2ErrorsEnumLedgerAlreadyExists) {
		t.Error("expected LEDGER_ALREADY_EXISTS")
	}
	if hasCode(errors.New("connection refused"), shared.V2ErrorsEnumNotFound) {
		t.Error("transport errors carry no code")
	}
}

func TestNewServiceChecksConfig(t *testing.T) {
	_, err := NewService(context.Background(), models.FormanceConfig{StackURL: "https://stack.example.com"})
	if err == nil {
		t.Fatal("expected an error for missing credentials")
	}
	if !strings.Contains(err.Error(), "client id, client secret") {
		t.Errorf("unexpected error %q", err)
	}
}

func TestLedgerMetadata(t *testing.T) {
	meta := ledgerMetadata()
	if meta["application"] != "pos-payments" || meta["source"] != "balance_changes" {
		t.Errorf("unexpected metadata %v", meta)
	}
	for _, prefix := range []string{"chain:", "merchants:accounts:", "fees:"} {
		if !strings.Contains(meta["accounts"], prefix) {
			t.Errorf("account layout misses %s", prefix)
		}
	}
}
