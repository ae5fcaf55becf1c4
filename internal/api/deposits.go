/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"fmt"
	"strings"

	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type DepositRequest struct {
	Device        string          `json:"device"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentType   string          `json:"payment_type"`
	RefundAddress string          `json:"refund_address"`
}

type DepositResult struct {
	Uid               string `json:"uid"`
	FiatAmount        string `json:"fiat_amount"`
	BtcAmount         string `json:"btc_amount"`
	PaidBtcAmount     string `json:"paid_btc_amount"`
	ExchangeRate      string `json:"exchange_rate"`
	Status            string `json:"status"`
	PaymentUri        string `json:"payment_uri,omitempty"`
	PaymentRequestUrl string `json:"payment_request,omitempty"`
}

func depositResult(d *models.Deposit) *DepositResult {
	return &DepositResult{
		Uid:           d.Uid,
		FiatAmount:    d.FiatAmount.StringFixed(2),
		BtcAmount:     d.TotalCoinAmount().StringFixed(8),
		PaidBtcAmount: d.PaidCoinAmount.StringFixed(8),
		ExchangeRate:  d.EffectiveExchangeRate.StringFixed(8),
		Status:        string(d.Status),
	}
}

func parsePaymentType(s string) (models.PaymentType, error) {
	switch strings.ToUpper(s) {
	case "", string(models.PaymentTypeBip21):
		return models.PaymentTypeBip21, nil
	case string(models.PaymentTypeBip70):
		return models.PaymentTypeBip70, nil
	}
	return "", fmt.Errorf("payment type %q: %w", s, ErrInvalidRequest)
}

// CreateDeposit starts a sale and returns what the device shows the customer
func (s *DeviceService) CreateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if !req.Amount.GreaterThanOrEqual(decimal.New(1, -2)) {
		return nil, fmt.Errorf("amount %s: %w", req.Amount.String(), engine.ErrInvalidAmount)
	}
	paymentType, err := parsePaymentType(req.PaymentType)
	if err != nil {
		return nil, err
	}
	accountId, deviceId, err := s.resolveAccount(ctx, req.Device, req.Account)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Creating deposit",
		zap.String("account_id", accountId),
		zap.String("fiat_amount", req.Amount.String()),
		zap.String("payment_type", string(paymentType)))

	d, err := s.engine.Deposits.Create(ctx, engine.CreateDepositRequest{
		AccountId:     accountId,
		DeviceId:      deviceId,
		FiatAmount:    req.Amount,
		PaymentType:   paymentType,
		RefundAddress: req.RefundAddress,
	})
	if err != nil {
		zap.L().Error("Deposit creation failed",
			zap.String("account_id", accountId),
			zap.String("fiat_amount", req.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	result := depositResult(d)
	if result.PaymentUri, err = s.engine.Deposits.PaymentURI(ctx, d); err != nil {
		return nil, err
	}
	result.PaymentRequestUrl = s.engine.Deposits.PaymentRequestURL(d.Uid)
	return result, nil
}

func (s *DeviceService) GetDeposit(ctx context.Context, uid string) (*DepositResult, error) {
	d, err := s.engine.Deposits.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	return depositResult(d), nil
}

func (s *DeviceService) CancelDeposit(ctx context.Context, uid string) (*DepositResult, error) {
	d, err := s.engine.Deposits.Cancel(ctx, uid)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Deposit cancelled by device",
		zap.String("uid", uid),
		zap.String("status", string(d.Status)))
	return depositResult(d), nil
}

func (s *DeviceService) RefundDeposit(ctx context.Context, uid, address string) (*DepositResult, error) {
	if address == "" {
		return nil, fmt.Errorf("refund address is required: %w", ErrInvalidRequest)
	}
	d, err := s.engine.Deposits.Refund(ctx, uid, address)
	if err != nil {
		return nil, err
	}
	return depositResult(d), nil
}

// PaymentRequest returns the serialized BIP70 PaymentRequest of a deposit
func (s *DeviceService) PaymentRequest(ctx context.Context, uid string) ([]byte, error) {
	return s.engine.Deposits.PaymentRequest(ctx, uid)
}

// PaymentResponse handles a BIP70 Payment message and returns the PaymentACK
func (s *DeviceService) PaymentResponse(ctx context.Context, uid string, message []byte) ([]byte, error) {
	ack, err := s.engine.Deposits.HandlePayment(ctx, uid, message)
	if err != nil {
		zap.L().Warn("Payment message rejected",
			zap.String("uid", uid),
			zap.Int("size", len(message)),
			zap.Error(err))
		return nil, err
	}
	return ack, nil
}
