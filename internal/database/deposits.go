package database

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
)

func (q *queries) CreateDeposit(ctx context.Context, d *models.Deposit) error {
	if d.Id == "" {
		d.Id = uuid.New().String()
	}
	if _, err := q.namedExec(ctx, queryInsertDeposit, d); err != nil {
		return fmt.Errorf("unable to insert deposit: %w", err)
	}
	return nil
}

func (q *queries) GetDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	var d models.Deposit
	if err := q.get(ctx, &d, querySelectDeposit+" WHERE d.uid = ?", uid); err != nil {
		return nil, fmt.Errorf("unable to get deposit %s: %w", uid, err)
	}
	return &d, nil
}

func (q *queries) LockDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	var d models.Deposit
	if err := q.get(ctx, &d, querySelectDeposit+" WHERE d.uid = ?"+q.forUpdate("d"), uid); err != nil {
		return nil, fmt.Errorf("unable to lock deposit %s: %w", uid, err)
	}
	return &d, nil
}

func (q *queries) UpdateDeposit(ctx context.Context, d *models.Deposit) error {
	res, err := q.namedExec(ctx, queryUpdateDeposit, d)
	if err != nil {
		return fmt.Errorf("unable to update deposit %s: %w", d.Uid, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unable to update deposit %s: no rows affected", d.Uid)
	}
	return nil
}

// ListActiveDeposits returns deposits a task still has to drive.
func (q *queries) ListActiveDeposits(ctx context.Context) ([]models.Deposit, error) {
	var deposits []models.Deposit
	err := q.selectAll(ctx, &deposits,
		querySelectDeposit+" WHERE d.status IN ('NEW', 'RECEIVED', 'NOTIFIED') ORDER BY d.time_created")
	if err != nil {
		return nil, fmt.Errorf("unable to list active deposits: %w", err)
	}
	return deposits, nil
}
