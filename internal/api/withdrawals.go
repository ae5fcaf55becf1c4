package api

import (
	"context"
	"fmt"

	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WithdrawalRequest always names a device; only that device may confirm or
// cancel the withdrawal later.
type WithdrawalRequest struct {
	Device string          `json:"device"`
	Amount decimal.Decimal `json:"amount"`
}

type WithdrawalResult struct {
	Uid          string `json:"uid"`
	FiatAmount   string `json:"fiat_amount"`
	BtcAmount    string `json:"btc_amount"`
	TxFee        string `json:"tx_fee_btc_amount"`
	ExchangeRate string `json:"exchange_rate"`
	Address      string `json:"address,omitempty"`
	TxId         string `json:"tx_id,omitempty"`
	Status       string `json:"status"`
}

func withdrawalResult(wd *models.Withdrawal) *WithdrawalResult {
	result := &WithdrawalResult{
		Uid:          wd.Uid,
		FiatAmount:   wd.FiatAmount.StringFixed(2),
		BtcAmount:    wd.CoinAmount.StringFixed(8),
		TxFee:        wd.TxFeeCoinAmount.StringFixed(8),
		ExchangeRate: wd.EffectiveExchangeRate.StringFixed(8),
		Status:       string(wd.Status),
	}
	if wd.CustomerAddress != nil {
		result.Address = *wd.CustomerAddress
	}
	if wd.OutgoingTxId != nil {
		result.TxId = *wd.OutgoingTxId
	}
	return result
}

func (s *DeviceService) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	if !req.Amount.GreaterThanOrEqual(decimal.New(1, -2)) {
		return nil, fmt.Errorf("amount %s: %w", req.Amount.String(), engine.ErrInvalidAmount)
	}
	device, err := s.activeDevice(ctx, req.Device)
	if err != nil {
		return nil, err
	}
	accountId := device.AccountId

	zap.L().Info("Creating withdrawal",
		zap.String("account_id", accountId),
		zap.String("fiat_amount", req.Amount.String()))

	wd, err := s.engine.Withdrawals.Create(ctx, engine.CreateWithdrawalRequest{
		AccountId:  accountId,
		DeviceId:   &device.Id,
		FiatAmount: req.Amount,
	})
	if err != nil {
		zap.L().Error("Withdrawal creation failed",
			zap.String("account_id", accountId),
			zap.String("fiat_amount", req.Amount.String()),
			zap.Error(err))
		return nil, err
	}
	return withdrawalResult(wd), nil
}

func (s *DeviceService) GetWithdrawal(ctx context.Context, uid string) (*WithdrawalResult, error) {
	wd, err := s.engine.Withdrawals.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	return withdrawalResult(wd), nil
}

// ConfirmWithdrawal pays the withdrawal out to the customer's address
func (s *DeviceService) ConfirmWithdrawal(ctx context.Context, deviceKey, uid, address string) (*WithdrawalResult, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required: %w", ErrInvalidRequest)
	}
	if _, err := s.ownWithdrawal(ctx, deviceKey, uid); err != nil {
		return nil, err
	}
	wd, err := s.engine.Withdrawals.Confirm(ctx, uid, address)
	if err != nil {
		zap.L().Error("Withdrawal confirmation failed",
			zap.String("uid", uid),
			zap.String("address", address),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Withdrawal sent",
		zap.String("uid", wd.Uid),
		zap.String("address", address),
		zap.String("coin_amount", wd.CoinAmount.String()),
		zap.String("status", string(wd.Status)))
	return withdrawalResult(wd), nil
}

func (s *DeviceService) CancelWithdrawal(ctx context.Context, deviceKey, uid string) (*WithdrawalResult, error) {
	if _, err := s.ownWithdrawal(ctx, deviceKey, uid); err != nil {
		return nil, err
	}
	wd, err := s.engine.Withdrawals.Cancel(ctx, uid)
	if err != nil {
		return nil, err
	}
	return withdrawalResult(wd), nil
}
