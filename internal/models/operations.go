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

type PaymentType string

const (
	PaymentTypeBip21 PaymentType = "BIP21"
	PaymentTypeBip70 PaymentType = "BIP70"
)

type DepositStatus string

const (
	DepositNew           DepositStatus = "NEW"
	DepositReceived      DepositStatus = "RECEIVED"
	DepositNotified      DepositStatus = "NOTIFIED"
	DepositConfirmed     DepositStatus = "CONFIRMED"
	DepositUnconfirmed   DepositStatus = "UNCONFIRMED"
	DepositTimeoutUnpaid DepositStatus = "TIMEOUT_UNPAID"
	DepositCancelled     DepositStatus = "CANCELLED"
	DepositRefunded      DepositStatus = "REFUNDED"
)

// Deposit is a request to receive crypto for a fiat-denominated sale.
// DepositAddress is joined from the addresses table when read.
type Deposit struct {
	Id                    string          `db:"id" json:"-"`
	Uid                   string          `db:"uid" json:"uid"`
	AccountId             string          `db:"account_id" json:"account_id"`
	DeviceId              *string         `db:"device_id" json:"device_id,omitempty"`
	Currency              string          `db:"currency" json:"currency"`
	Coin                  string          `db:"coin" json:"coin"`
	DepositAddressId      string          `db:"deposit_address_id" json:"-"`
	DepositAddress        string          `db:"deposit_address" json:"deposit_address"`
	FiatAmount            decimal.Decimal `db:"fiat_amount" json:"fiat_amount"`
	MerchantCoinAmount    decimal.Decimal `db:"merchant_coin_amount" json:"merchant_coin_amount"`
	FeeCoinAmount         decimal.Decimal `db:"fee_coin_amount" json:"fee_coin_amount"`
	PaidCoinAmount        decimal.Decimal `db:"paid_coin_amount" json:"paid_coin_amount"`
	EffectiveExchangeRate decimal.Decimal `db:"effective_exchange_rate" json:"exchange_rate"`
	IncomingTxIds         StringList      `db:"incoming_tx_ids" json:"incoming_tx_ids"`
	RefundTxId            *string         `db:"refund_tx_id" json:"refund_tx_id,omitempty"`
	RefundAddress         *string         `db:"refund_address" json:"refund_address,omitempty"`
	PaymentType           PaymentType     `db:"payment_type" json:"payment_type"`
	Status                DepositStatus   `db:"status" json:"status"`
	InstantFiatInvoiceId  *string         `db:"instantfiat_invoice_id" json:"-"`
	NeedsReconciliation   bool            `db:"needs_reconciliation" json:"-"`
	TimeCreated           time.Time       `db:"time_created" json:"time_created"`
	TimeReceived          *time.Time      `db:"time_received" json:"time_received,omitempty"`
	TimeNotified          *time.Time      `db:"time_notified" json:"time_notified,omitempty"`
	TimeConfirmed         *time.Time      `db:"time_confirmed" json:"time_confirmed,omitempty"`
	TimeRefunded          *time.Time      `db:"time_refunded" json:"time_refunded,omitempty"`
	TimeCancelled         *time.Time      `db:"time_cancelled" json:"time_cancelled,omitempty"`
}

// TotalCoinAmount is the amount the customer has to pay.
func (d *Deposit) TotalCoinAmount() decimal.Decimal {
	return d.MerchantCoinAmount.Add(d.FeeCoinAmount)
}

// IsTerminal reports whether no task drives the deposit anymore.
func (d *Deposit) IsTerminal() bool {
	switch d.Status {
	case DepositConfirmed, DepositUnconfirmed, DepositTimeoutUnpaid, DepositCancelled, DepositRefunded:
		return true
	}
	return false
}

// IsCredited reports whether balance changes were recorded for the payment.
func (d *Deposit) IsCredited() bool {
	return d.TimeReceived != nil && d.Status != DepositNew &&
		d.Status != DepositCancelled && d.Status != DepositTimeoutUnpaid
}

type WithdrawalStatus string

const (
	WithdrawalNew       WithdrawalStatus = "NEW"
	WithdrawalPrepared  WithdrawalStatus = "PREPARED"
	WithdrawalSent      WithdrawalStatus = "SENT"
	WithdrawalConfirmed WithdrawalStatus = "CONFIRMED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

// Withdrawal is a request to pay crypto out to a customer.
type Withdrawal struct {
	Id                    string           `db:"id" json:"-"`
	Uid                   string           `db:"uid" json:"uid"`
	AccountId             string           `db:"account_id" json:"account_id"`
	DeviceId              *string          `db:"device_id" json:"device_id,omitempty"`
	Currency              string           `db:"currency" json:"currency"`
	Coin                  string           `db:"coin" json:"coin"`
	CustomerAddress       *string          `db:"customer_address" json:"customer_address,omitempty"`
	FiatAmount            decimal.Decimal  `db:"fiat_amount" json:"fiat_amount"`
	CoinAmount            decimal.Decimal  `db:"coin_amount" json:"coin_amount"`
	TxFeeCoinAmount       decimal.Decimal  `db:"tx_fee_coin_amount" json:"tx_fee_coin_amount"`
	EffectiveExchangeRate decimal.Decimal  `db:"effective_exchange_rate" json:"exchange_rate"`
	ChangeAddressId       *string          `db:"change_address_id" json:"-"`
	SignedTx              *string          `db:"signed_tx" json:"-"`
	ReservedOutputs       StringList       `db:"reserved_outputs" json:"-"`
	OutgoingTxId          *string          `db:"outgoing_tx_id" json:"outgoing_tx_id,omitempty"`
	InstantFiatTransferId *string          `db:"instantfiat_transfer_id" json:"instantfiat_transfer_id,omitempty"`
	InstantFiatReference  *string          `db:"instantfiat_reference" json:"instantfiat_reference,omitempty"`
	Status                WithdrawalStatus `db:"status" json:"status"`
	TimeCreated           time.Time        `db:"time_created" json:"time_created"`
	TimeSent              *time.Time       `db:"time_sent" json:"time_sent,omitempty"`
	TimeBroadcasted       *time.Time       `db:"time_broadcasted" json:"time_broadcasted,omitempty"`
	TimeConfirmed         *time.Time       `db:"time_confirmed" json:"time_confirmed,omitempty"`
	TimeCancelled         *time.Time       `db:"time_cancelled" json:"time_cancelled,omitempty"`
}

// IsTerminal reports whether no task drives the withdrawal anymore.
func (w *Withdrawal) IsTerminal() bool {
	return w.Status == WithdrawalConfirmed || w.Status == WithdrawalCancelled
}

// CanCancel reports whether the withdrawal has not left the wallet.
func (w *Withdrawal) CanCancel() bool {
	return w.Status == WithdrawalNew || w.Status == WithdrawalPrepared
}
