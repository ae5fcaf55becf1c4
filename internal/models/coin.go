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
	"github.com/shopspring/decimal"
)

// Coin is the static description of a supported cryptocurrency.
type Coin struct {
	Symbol          string          `yaml:"symbol" json:"symbol"`
	Name            string          `yaml:"name" json:"name"`
	Bip44Type       uint32          `yaml:"bip44_type" json:"bip44_type"`
	IsTestnet       bool            `yaml:"is_testnet" json:"is_testnet"`
	UriPrefix       string          `yaml:"uri_prefix" json:"uri_prefix"`
	DustThreshold   decimal.Decimal `yaml:"-" json:"dust_threshold"`
	MinFee          decimal.Decimal `yaml:"-" json:"min_fee"`
	DefaultFeePerKb decimal.Decimal `yaml:"-" json:"default_fee_per_kb"`
}

// IsFiat is always false for coins.
func (c Coin) IsFiat() bool { return false }

// Bip70Network returns the network name used in BIP70 payment details.
func (c Coin) Bip70Network() string {
	if c.IsTestnet {
		return "test"
	}
	return "main"
}

// FiatCurrency describes a fiat currency a merchant can price sales in
type FiatCurrency struct {
	Code           string            `json:"code"`
	Prefix         string            `json:"prefix"`
	DefaultAmounts []decimal.Decimal `json:"default_amounts"`
	AmountShift    int32             `json:"amount_shift"`
	MaxPayout      decimal.Decimal   `json:"max_payout"`
}

// IsFiat is always true for fiat currencies.
func (f FiatCurrency) IsFiat() bool { return true }

const (
	// CoinDecimalPlaces is the precision of every coin amount.
	CoinDecimalPlaces = 8
)

// QuantizeCoin rounds a coin amount to CoinDecimalPlaces.
func QuantizeCoin(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(CoinDecimalPlaces)
}
