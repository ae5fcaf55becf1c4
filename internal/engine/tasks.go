package engine

import (
	"context"
	"errors"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

const (
	TaskCheckPayment      = "check_payment"
	TaskCheckConfidence   = "check_confidence"
	TaskWatchDeposit      = "watch_deposit_confirmation"
	TaskWithdrawalTimeout = "cancel_withdrawal_on_timeout"
	TaskCheckWithdrawal   = "check_withdrawal_confirmation"
	TaskWatchWithdrawal   = "watch_withdrawal_confirmation"
)

// Register installs the task bodies on the scheduler. It must run before
// anything is scheduled.
func (e *Engine) Register() {
	e.Scheduler.Register(TaskCheckPayment, e.task(TaskCheckPayment, e.Deposits.CheckPayment))
	e.Scheduler.Register(TaskCheckConfidence, e.task(TaskCheckConfidence, e.Deposits.CheckConfidence))
	e.Scheduler.Register(TaskWatchDeposit, e.task(TaskWatchDeposit, e.Deposits.WatchConfirmation))
	e.Scheduler.Register(TaskWithdrawalTimeout, e.task(TaskWithdrawalTimeout, e.Withdrawals.CancelOnTimeout))
	e.Scheduler.Register(TaskCheckWithdrawal, e.task(TaskCheckWithdrawal, e.Withdrawals.CheckConfirmation))
	e.Scheduler.Register(TaskWatchWithdrawal, e.task(TaskWatchWithdrawal, e.Withdrawals.WatchConfirmation))
}

// task drops jobs whose operation no longer exists.
func (e *Engine) task(name string, body func(ctx context.Context, uid string) error) func(ctx context.Context, uid string) error {
	return func(ctx context.Context, uid string) error {
		err := body(ctx, uid)
		if errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("Task operation not found, cancelling",
				zap.String("task", name),
				zap.String("uid", uid))
			e.cancelTask(ctx, name, uid)
			return nil
		}
		return err
	}
}

// Recover reschedules the tasks of every operation still in flight, for
// example after a restart with an in-memory job store.
func (e *Engine) Recover(ctx context.Context) error {
	deposits, err := e.Store.ListActiveDeposits(ctx)
	if err != nil {
		return err
	}
	for i := range deposits {
		d := &deposits[i]
		switch d.Status {
		case models.DepositNew, models.DepositReceived:
			err = e.Deposits.schedulePayment(ctx, d)
		case models.DepositNotified:
			err = e.Deposits.scheduleConfidence(ctx, d)
		}
		if err != nil {
			return err
		}
	}

	withdrawals, err := e.Store.ListActiveWithdrawals(ctx)
	if err != nil {
		return err
	}
	for i := range withdrawals {
		wd := &withdrawals[i]
		switch wd.Status {
		case models.WithdrawalNew, models.WithdrawalPrepared:
			err = e.Withdrawals.scheduleTimeout(ctx, wd)
		case models.WithdrawalSent:
			err = e.Withdrawals.scheduleCheck(ctx, wd)
		}
		if err != nil {
			return err
		}
	}

	zap.L().Info("Recovered operations",
		zap.Int("deposits", len(deposits)),
		zap.Int("withdrawals", len(withdrawals)))
	return nil
}
