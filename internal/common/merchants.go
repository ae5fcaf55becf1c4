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

package common

import (
	"context"
	"fmt"
	"strings"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

// MerchantInfo represents a merchant and its accounts for command-line utilities
type MerchantInfo struct {
	Id       string
	Name     string
	Email    string
	Currency string
	Accounts []models.Account
}

// InitializeMerchants retrieves merchants based on an optional email filter.
// If emailFilter is provided, returns the merchant with that contact email.
// If emailFilter is empty, returns all merchants.
func InitializeMerchants(ctx context.Context, st store.Tx, emailFilter string, logger *zap.Logger) ([]MerchantInfo, error) {
	merchants, err := st.ListMerchants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get merchants: %w", err)
	}

	var result []MerchantInfo
	for _, m := range merchants {
		if emailFilter != "" && !strings.EqualFold(m.ContactEmail, emailFilter) {
			continue
		}
		accounts, err := st.ListAccounts(ctx, m.Id)
		if err != nil {
			return nil, fmt.Errorf("failed to get accounts of %s: %w", m.Id, err)
		}
		result = append(result, MerchantInfo{
			Id:       m.Id,
			Name:     m.CompanyName,
			Email:    m.ContactEmail,
			Currency: m.Currency,
			Accounts: accounts,
		})
	}

	if emailFilter != "" && len(result) == 0 {
		logger.Info("Looking up merchant by email", zap.String("email", emailFilter))
		return nil, fmt.Errorf("merchant not found: %s: %w", emailFilter, store.ErrNotFound)
	}

	logger.Info("Retrieved merchants", zap.Int("count", len(result)))
	return result, nil
}
