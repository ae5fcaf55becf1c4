package database

import (
	"context"
	"fmt"
	"time"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateBalanceChange appends a ledger entry. Entries are never updated.
func (q *queries) CreateBalanceChange(ctx context.Context, bc *models.BalanceChange) error {
	if bc.Id == "" {
		bc.Id = uuid.New().String()
	}
	if bc.CreatedAt.IsZero() {
		bc.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertBalanceChange, bc); err != nil {
		return fmt.Errorf("unable to insert balance change: %w", err)
	}

	account := "fee"
	if bc.AccountId != nil {
		account = *bc.AccountId
	}
	zap.L().Debug("Balance change recorded",
		zap.String("id", bc.Id),
		zap.String("account", account),
		zap.String("address_id", bc.AddressId),
		zap.String("amount", bc.Amount.String()))
	return nil
}

func (q *queries) ListDepositBalanceChanges(ctx context.Context, depositId string) ([]models.BalanceChange, error) {
	var changes []models.BalanceChange
	if err := q.selectAll(ctx, &changes, querySelectBalanceChange+" WHERE deposit_id = ? ORDER BY created_at, id", depositId); err != nil {
		return nil, fmt.Errorf("unable to list deposit balance changes: %w", err)
	}
	return changes, nil
}

func (q *queries) ListWithdrawalBalanceChanges(ctx context.Context, withdrawalId string) ([]models.BalanceChange, error) {
	var changes []models.BalanceChange
	if err := q.selectAll(ctx, &changes, querySelectBalanceChange+" WHERE withdrawal_id = ? ORDER BY created_at, id", withdrawalId); err != nil {
		return nil, fmt.Errorf("unable to list withdrawal balance changes: %w", err)
	}
	return changes, nil
}

func (q *queries) ListAccountEntries(ctx context.Context, accountId string) ([]models.BalanceEntry, error) {
	var entries []models.BalanceEntry
	if err := q.selectAll(ctx, &entries, querySelectBalanceEntry+" WHERE bc.account_id = ?", accountId); err != nil {
		return nil, fmt.Errorf("unable to list account entries: %w", err)
	}
	return entries, nil
}

// ListFeeEntries returns fee-account entries on addresses of the coin's wallet.
func (q *queries) ListFeeEntries(ctx context.Context, coinType uint32) ([]models.BalanceEntry, error) {
	var entries []models.BalanceEntry
	query := querySelectBalanceEntry + " WHERE bc.account_id IS NULL AND wk.coin_type = ?"
	if err := q.selectAll(ctx, &entries, query, coinType); err != nil {
		return nil, fmt.Errorf("unable to list fee entries: %w", err)
	}
	return entries, nil
}

func (q *queries) ListAddressEntries(ctx context.Context, addressId string) ([]models.BalanceEntry, error) {
	var entries []models.BalanceEntry
	if err := q.selectAll(ctx, &entries, querySelectBalanceEntry+" WHERE bc.address_id = ?", addressId); err != nil {
		return nil, fmt.Errorf("unable to list address entries: %w", err)
	}
	return entries, nil
}
