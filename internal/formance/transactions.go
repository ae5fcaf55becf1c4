package formance

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Numscript templates. Every balance change becomes one posting between the
// coin's chain account and its owner: a merchant account or the fee account.
// ---------------------------------------------------------------------------

const numscriptCredit = `vars {
  asset $asset
  number $amount
  account $chain
  account $owner
  string $address_id
  string $operation_type
  string $operation_id
}

send [$asset $amount] (
  source = $chain allowing unbounded overdraft
  destination = $owner
)

set_tx_meta("event_type", "credit")
set_tx_meta("address_id", $address_id)
set_tx_meta("operation_type", $operation_type)
set_tx_meta("operation_id", $operation_id)
`

const numscriptDebit = `vars {
  asset $asset
  number $amount
  account $chain
  account $owner
  string $address_id
  string $operation_type
  string $operation_id
}

send [$asset $amount] (
  source = $owner allowing unbounded overdraft
  destination = $chain
)

set_tx_meta("event_type", "debit")
set_tx_meta("address_id", $address_id)
set_tx_meta("operation_type", $operation_type)
set_tx_meta("operation_id", $operation_id)
`

// chainAccount holds the opposite side of every posting of one coin.
func chainAccount(coin string) string {
	return "chain:" + coin
}

// ownerAccount is the ledger account a balance change belongs to.
func ownerAccount(coin string, bc models.BalanceChange) string {
	if bc.AccountId == nil {
		return "fees:" + coin
	}
	return "merchants:accounts:" + *bc.AccountId
}

// smallestUnits converts a coin amount to the asset's integer representation.
func smallestUnits(coin string, amount decimal.Decimal) string {
	return amount.Abs().Shift(int32(models.CoinDecimalPlaces)).BigInt().String()
}

// postTransaction builds the Formance transaction for one balance change.
// The change id is the reference, so replays are rejected as conflicts.
func postTransaction(coin string, bc models.BalanceChange) shared.V2PostTransaction {
	script := numscriptCredit
	if bc.Amount.IsNegative() {
		script = numscriptDebit
	}

	operationType, operationId := "deposit", ""
	if bc.DepositId != nil {
		operationId = *bc.DepositId
	} else if bc.WithdrawalId != nil {
		operationType, operationId = "withdrawal", *bc.WithdrawalId
	}

	postTx := shared.V2PostTransaction{
		Reference: strPtr(bc.Id),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars: map[string]string{
				"asset":          asset(coin),
				"amount":         smallestUnits(coin, bc.Amount),
				"chain":          chainAccount(coin),
				"owner":          ownerAccount(coin, bc),
				"address_id":     bc.AddressId,
				"operation_type": operationType,
				"operation_id":   operationId,
			},
		},
	}
	if !bc.CreatedAt.IsZero() {
		createdAt := bc.CreatedAt
		postTx.Timestamp = &createdAt
	}
	return postTx
}

// Post mirrors one balance change. A change already mirrored is a no-op.
func (s *Service) Post(ctx context.Context, coin string, bc models.BalanceChange) error {
	if bc.Amount.IsZero() {
		return nil
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTransaction(coin, bc),
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Balance change already mirrored", zap.String("balance_change_id", bc.Id))
			return nil
		}
		return fmt.Errorf("error mirroring balance change %s: %w", bc.Id, err)
	}

	zap.L().Debug("Balance change mirrored to Formance",
		zap.String("balance_change_id", bc.Id),
		zap.String("coin", coin),
		zap.String("amount", bc.Amount.String()))
	return nil
}
