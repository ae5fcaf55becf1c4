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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Merchant owns accounts and devices
type Merchant struct {
	Id                    string           `db:"id" json:"id"`
	CompanyName           string           `db:"company_name" json:"company_name"`
	ContactEmail          string           `db:"contact_email" json:"contact_email"`
	Currency              string           `db:"currency" json:"currency"`
	FeeRate               decimal.Decimal  `db:"fee_rate" json:"fee_rate"`
	TxConfidenceThreshold *decimal.Decimal `db:"tx_confidence_threshold" json:"tx_confidence_threshold,omitempty"`
	InstantFiatProvider   *string          `db:"instantfiat_provider" json:"instantfiat_provider,omitempty"`
	InstantFiatMerchantId *string          `db:"instantfiat_merchant_id" json:"-"`
	InstantFiatApiKey     *string          `db:"instantfiat_api_key" json:"-"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
}

// ConfidenceThreshold returns the merchant's threshold, or fallback when unset.
func (m *Merchant) ConfidenceThreshold(fallback decimal.Decimal) decimal.Decimal {
	if m.TxConfidenceThreshold != nil {
		return *m.TxConfidenceThreshold
	}
	return fallback
}

// Account is a per-(merchant, currency, instantfiat) ledger container.
// Currency is a coin symbol for wallet-backed accounts and a fiat code for
// instantfiat accounts.
type Account struct {
	Id             string          `db:"id" json:"id"`
	MerchantId     string          `db:"merchant_id" json:"merchant_id"`
	Currency       string          `db:"currency" json:"currency"`
	IsInstantFiat  bool            `db:"is_instantfiat" json:"is_instantfiat"`
	ForwardAddress *string         `db:"forward_address" json:"forward_address,omitempty"`
	MaxPayout      decimal.Decimal `db:"max_payout" json:"max_payout"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

type DeviceStatus string

const (
	DeviceRegistered           DeviceStatus = "registered"
	DeviceActivationInProgress DeviceStatus = "activation_in_progress"
	DeviceActivationError      DeviceStatus = "activation_error"
	DeviceActive               DeviceStatus = "active"
	DeviceSuspended            DeviceStatus = "suspended"
)

// Device is a merchant terminal
type Device struct {
	Id             string       `db:"id" json:"id"`
	MerchantId     string       `db:"merchant_id" json:"merchant_id"`
	AccountId      string       `db:"account_id" json:"account_id"`
	Key            string       `db:"device_key" json:"key"`
	ActivationCode string       `db:"activation_code" json:"activation_code"`
	Status         DeviceStatus `db:"status" json:"status"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}
