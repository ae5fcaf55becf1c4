package ledger

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Mirror receives every recorded balance change after commit. Posting the
// same change twice must be a no-op.
type Mirror interface {
	Post(ctx context.Context, coin string, bc models.BalanceChange) error
}

// Service records balance changes and computes balances from them.
type Service struct {
	mirror Mirror
}

// NewService returns a ledger. mirror may be nil.
func NewService(mirror Mirror) *Service {
	return &Service{mirror: mirror}
}

// Record appends a balance change inside tx.
func (s *Service) Record(ctx context.Context, tx store.Tx, bc *models.BalanceChange) error {
	if bc.Amount.IsZero() {
		return fmt.Errorf("balance change amount cannot be zero")
	}
	if bc.AddressId == "" {
		return fmt.Errorf("balance change needs an address")
	}
	if (bc.DepositId == nil) == (bc.WithdrawalId == nil) {
		return fmt.Errorf("balance change must reference exactly one deposit or withdrawal")
	}
	bc.Amount = models.QuantizeCoin(bc.Amount)
	if err := tx.CreateBalanceChange(ctx, bc); err != nil {
		return fmt.Errorf("unable to record balance change: %w", err)
	}
	return nil
}

// Publish forwards committed changes to the mirror. Failures are logged;
// the database stays the source of truth.
func (s *Service) Publish(ctx context.Context, coin string, changes []models.BalanceChange) {
	if s.mirror == nil {
		return
	}
	for _, bc := range changes {
		if err := s.mirror.Post(ctx, coin, bc); err != nil {
			zap.L().Error("Failed to mirror balance change",
				zap.String("balance_change_id", bc.Id),
				zap.String("amount", bc.Amount.String()),
				zap.Error(err))
		}
	}
}

func (s *Service) AccountBalance(ctx context.Context, q store.Tx, accountId string, flags models.BalanceFlags) (decimal.Decimal, error) {
	entries, err := q.ListAccountEntries(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	return models.SumEntries(entries, flags), nil
}

// FeeBalance sums the fee-account entries held on a coin's addresses.
func (s *Service) FeeBalance(ctx context.Context, q store.Tx, coinType uint32, flags models.BalanceFlags) (decimal.Decimal, error) {
	entries, err := q.ListFeeEntries(ctx, coinType)
	if err != nil {
		return decimal.Zero, err
	}
	return models.SumEntries(entries, flags), nil
}

func (s *Service) AddressBalance(ctx context.Context, q store.Tx, addressId string, flags models.BalanceFlags) (decimal.Decimal, error) {
	entries, err := q.ListAddressEntries(ctx, addressId)
	if err != nil {
		return decimal.Zero, err
	}
	return models.SumEntries(entries, flags), nil
}

// AvailableBalance is what an account can pay out: confirmed deposits plus
// every withdrawal that was not cancelled, whether sent or not.
func (s *Service) AvailableBalance(ctx context.Context, q store.Tx, accountId string) (decimal.Decimal, error) {
	entries, err := q.ListAccountEntries(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.WithdrawalId != nil {
			if e.WithdrawalCancelled == nil {
				total = total.Add(e.Amount)
			}
			continue
		}
		if e.DepositId == nil || e.DepositConfirmed != nil {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}
