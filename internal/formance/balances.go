package formance

import (
	"context"
	"fmt"
	"math/big"

	"pos-payments-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountBalance returns the mirrored balance of a merchant account.
func (s *Service) AccountBalance(ctx context.Context, coin, accountId string) (decimal.Decimal, error) {
	return s.balance(ctx, coin, "merchants:accounts:"+accountId)
}

// FeeBalance returns the mirrored balance of the fee account of a coin.
func (s *Service) FeeBalance(ctx context.Context, coin string) (decimal.Decimal, error) {
	return s.balance(ctx, coin, "fees:"+coin)
}

func (s *Service) balance(ctx context.Context, coin, address string) (decimal.Decimal, error) {
	zap.L().Debug("Getting mirrored balance from Formance",
		zap.String("account", address), zap.String("coin", coin))

	vols, err := s.getAccountVolumes(ctx, address)
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	return bigIntToDecimal(volumeBalance(vols, asset(coin)), coin), nil
}

// getAccountVolumes fetches volumes for a single account.
func (s *Service) getAccountVolumes(ctx context.Context, address string) (map[string]shared.V2Volume, error) {
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		return nil, err
	}
	return resp.V2AccountResponse.Data.Volumes, nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a coin amount.
func bigIntToDecimal(raw *big.Int, symbol string) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(models.CoinDecimalPlaces))
}
