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

package database

import (
	"context"
	"fmt"
	"time"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (q *queries) CreateMerchant(ctx context.Context, m *models.Merchant) error {
	if m.Id == "" {
		m.Id = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertMerchant, m); err != nil {
		return fmt.Errorf("unable to insert merchant: %w", err)
	}
	zap.L().Info("Merchant created", zap.String("id", m.Id), zap.String("company", m.CompanyName))
	return nil
}

func (q *queries) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	var m models.Merchant
	if err := q.get(ctx, &m, querySelectMerchant+" WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("unable to get merchant %s: %w", id, err)
	}
	return &m, nil
}

func (q *queries) ListMerchants(ctx context.Context) ([]models.Merchant, error) {
	var merchants []models.Merchant
	if err := q.selectAll(ctx, &merchants, querySelectMerchant+" ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("unable to list merchants: %w", err)
	}
	return merchants, nil
}

func (q *queries) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertAccount, a); err != nil {
		return fmt.Errorf("unable to insert account: %w", err)
	}
	zap.L().Info("Account created",
		zap.String("id", a.Id),
		zap.String("merchant_id", a.MerchantId),
		zap.String("currency", a.Currency),
		zap.Bool("instantfiat", a.IsInstantFiat))
	return nil
}

func (q *queries) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := q.get(ctx, &a, querySelectAccount+" WHERE a.id = ?", id); err != nil {
		return nil, fmt.Errorf("unable to get account %s: %w", id, err)
	}
	return &a, nil
}

func (q *queries) LockAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := q.get(ctx, &a, querySelectAccount+" WHERE a.id = ?"+q.forUpdate("a"), id); err != nil {
		return nil, fmt.Errorf("unable to lock account %s: %w", id, err)
	}
	return &a, nil
}

// ListAccounts returns the merchant's accounts, or every account when
// merchantId is empty.
func (q *queries) ListAccounts(ctx context.Context, merchantId string) ([]models.Account, error) {
	var accounts []models.Account
	var err error
	if merchantId == "" {
		err = q.selectAll(ctx, &accounts, querySelectAccount+" ORDER BY a.created_at, a.id")
	} else {
		err = q.selectAll(ctx, &accounts, querySelectAccount+" WHERE a.merchant_id = ? ORDER BY a.created_at, a.id", merchantId)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to list accounts: %w", err)
	}
	return accounts, nil
}

func (q *queries) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.Id == "" {
		d.Id = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertDevice, d); err != nil {
		return fmt.Errorf("unable to insert device: %w", err)
	}
	return nil
}

func (q *queries) GetDeviceByKey(ctx context.Context, key string) (*models.Device, error) {
	var d models.Device
	if err := q.get(ctx, &d, querySelectDevice+" WHERE device_key = ?", key); err != nil {
		return nil, fmt.Errorf("unable to get device: %w", err)
	}
	return &d, nil
}
