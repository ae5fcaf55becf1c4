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

	"pos-payments-go/internal/models"

	"go.uber.org/zap"
)

type BalanceResult struct {
	AccountId   string `json:"account_id"`
	Currency    string `json:"currency"`
	Confirmed   string `json:"confirmed"`
	Unconfirmed string `json:"unconfirmed"`
	Available   string `json:"available"`
}

// EntryRecord is one ledger entry of an account
type EntryRecord struct {
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
	Confirmed bool   `json:"confirmed"`
}

// AccountBalance returns the balances of the account a device is bound to
func (s *DeviceService) AccountBalance(ctx context.Context, deviceKey string) (*BalanceResult, error) {
	accountId, _, err := s.resolveAccount(ctx, deviceKey, "")
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetAccount(ctx, accountId)
	if err != nil {
		return nil, err
	}

	ledger := s.engine.Ledger
	confirmed, err := ledger.AccountBalance(ctx, s.store, accountId, models.BalanceFlags{})
	if err != nil {
		zap.L().Error("Failed to get account balance",
			zap.String("account_id", accountId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve balance: %w", err)
	}
	unconfirmed, err := ledger.AccountBalance(ctx, s.store, accountId, models.BalanceFlags{IncludeUnconfirmed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve balance: %w", err)
	}
	available, err := ledger.AvailableBalance(ctx, s.store, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve balance: %w", err)
	}

	return &BalanceResult{
		AccountId:   accountId,
		Currency:    account.Currency,
		Confirmed:   confirmed.StringFixed(8),
		Unconfirmed: unconfirmed.StringFixed(8),
		Available:   available.StringFixed(8),
	}, nil
}

// AccountHistory returns the ledger entries of a device's account, newest
// last, paginated like the CLI listings
func (s *DeviceService) AccountHistory(ctx context.Context, deviceKey string, limit, offset int) ([]EntryRecord, error) {
	accountId, _, err := s.resolveAccount(ctx, deviceKey, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.store.ListAccountEntries(ctx, accountId)
	if err != nil {
		zap.L().Error("Failed to get account entries",
			zap.String("account_id", accountId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve history: %w", err)
	}
	if offset >= len(entries) {
		return []EntryRecord{}, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}

	confirmed := models.BalanceFlags{}
	result := make([]EntryRecord, len(entries))
	for i, e := range entries {
		result[i] = EntryRecord{
			Amount:    e.Amount.StringFixed(8),
			Kind:      "adjustment",
			Confirmed: confirmed.Includes(e),
		}
		switch {
		case e.DepositId != nil:
			result[i].Kind = "deposit"
		case e.WithdrawalId != nil:
			result[i].Kind = "withdrawal"
		}
	}
	return result, nil
}
