package database

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
)

func (q *queries) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	if w.Id == "" {
		w.Id = uuid.New().String()
	}
	if _, err := q.namedExec(ctx, queryInsertWithdrawal, w); err != nil {
		return fmt.Errorf("unable to insert withdrawal: %w", err)
	}
	return nil
}

func (q *queries) GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := q.get(ctx, &w, querySelectWithdrawal+" WHERE w.uid = ?", uid); err != nil {
		return nil, fmt.Errorf("unable to get withdrawal %s: %w", uid, err)
	}
	return &w, nil
}

func (q *queries) LockWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := q.get(ctx, &w, querySelectWithdrawal+" WHERE w.uid = ?"+q.forUpdate("w"), uid); err != nil {
		return nil, fmt.Errorf("unable to lock withdrawal %s: %w", uid, err)
	}
	return &w, nil
}

func (q *queries) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	res, err := q.namedExec(ctx, queryUpdateWithdrawal, w)
	if err != nil {
		return fmt.Errorf("unable to update withdrawal %s: %w", w.Uid, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unable to update withdrawal %s: no rows affected", w.Uid)
	}
	return nil
}

func (q *queries) ListActiveWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	err := q.selectAll(ctx, &withdrawals,
		querySelectWithdrawal+" WHERE w.status IN ('NEW', 'PREPARED', 'SENT') ORDER BY w.time_created")
	if err != nil {
		return nil, fmt.Errorf("unable to list active withdrawals: %w", err)
	}
	return withdrawals, nil
}

// ListReservedOutpoints returns txid:vout of outputs selected by prepared or
// sent withdrawals other than excludeWithdrawalId.
func (q *queries) ListReservedOutpoints(ctx context.Context, excludeWithdrawalId string) ([]string, error) {
	var lists []models.StringList
	if err := q.selectAll(ctx, &lists, queryReservedOutputs, excludeWithdrawalId); err != nil {
		return nil, fmt.Errorf("unable to list reserved outputs: %w", err)
	}
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out, nil
}
