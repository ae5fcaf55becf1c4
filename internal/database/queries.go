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

const (
	// Merchant queries
	queryInsertMerchant = `
		INSERT INTO merchants (id, company_name, contact_email, currency, fee_rate, tx_confidence_threshold,
			instantfiat_provider, instantfiat_merchant_id, instantfiat_api_key, created_at)
		VALUES (:id, :company_name, :contact_email, :currency, :fee_rate, :tx_confidence_threshold,
			:instantfiat_provider, :instantfiat_merchant_id, :instantfiat_api_key, :created_at)`

	querySelectMerchant = `
		SELECT id, company_name, contact_email, currency, fee_rate, tx_confidence_threshold,
			instantfiat_provider, instantfiat_merchant_id, instantfiat_api_key, created_at
		FROM merchants`

	// Account queries
	queryInsertAccount = `
		INSERT INTO accounts (id, merchant_id, currency, is_instantfiat, forward_address, max_payout, created_at)
		VALUES (:id, :merchant_id, :currency, :is_instantfiat, :forward_address, :max_payout, :created_at)`

	querySelectAccount = `
		SELECT a.id, a.merchant_id, a.currency, a.is_instantfiat, a.forward_address, a.max_payout, a.created_at
		FROM accounts a`

	// Device queries
	queryInsertDevice = `
		INSERT INTO devices (id, merchant_id, account_id, device_key, activation_code, status, created_at)
		VALUES (:id, :merchant_id, :account_id, :device_key, :activation_code, :status, :created_at)`

	querySelectDevice = `
		SELECT id, merchant_id, account_id, device_key, activation_code, status, created_at
		FROM devices`

	// Wallet queries
	queryInsertWalletKey = `
		INSERT INTO wallet_keys (id, coin_type, xpriv, path, created_at)
		VALUES (:id, :coin_type, :xpriv, :path, :created_at)`

	querySelectWalletKey = `
		SELECT wk.id, wk.coin_type, wk.xpriv, wk.path, wk.created_at
		FROM wallet_keys wk`

	queryInsertWalletAccount = `
		INSERT INTO wallet_accounts (id, wallet_key_id, idx, created_at)
		VALUES (:id, :wallet_key_id, :idx, :created_at)`

	querySelectWalletAccounts = `
		SELECT id, wallet_key_id, idx, created_at
		FROM wallet_accounts
		WHERE wallet_key_id = ?
		ORDER BY idx`

	queryCountAddresses = `
		SELECT COUNT(*) FROM addresses WHERE wallet_account_id = ? AND is_change = ?`

	queryInsertAddress = `
		INSERT INTO addresses (id, wallet_account_id, is_change, idx, address, created_at)
		VALUES (:id, :wallet_account_id, :is_change, :idx, :address, :created_at)`

	querySelectAddress = `
		SELECT ad.id, ad.wallet_account_id, ad.is_change, ad.idx, ad.address, ad.created_at,
			wk.coin_type, wa.idx AS account_idx
		FROM addresses ad
		JOIN wallet_accounts wa ON wa.id = ad.wallet_account_id
		JOIN wallet_keys wk ON wk.id = wa.wallet_key_id`

	// Deposit queries
	queryInsertDeposit = `
		INSERT INTO deposits (id, uid, account_id, device_id, currency, coin, deposit_address_id,
			fiat_amount, merchant_coin_amount, fee_coin_amount, paid_coin_amount, effective_exchange_rate,
			incoming_tx_ids, refund_tx_id, refund_address, payment_type, status, instantfiat_invoice_id,
			needs_reconciliation, time_created)
		VALUES (:id, :uid, :account_id, :device_id, :currency, :coin, :deposit_address_id,
			:fiat_amount, :merchant_coin_amount, :fee_coin_amount, :paid_coin_amount, :effective_exchange_rate,
			:incoming_tx_ids, :refund_tx_id, :refund_address, :payment_type, :status, :instantfiat_invoice_id,
			:needs_reconciliation, :time_created)`

	querySelectDeposit = `
		SELECT d.id, d.uid, d.account_id, d.device_id, d.currency, d.coin, d.deposit_address_id,
			ad.address AS deposit_address, d.fiat_amount, d.merchant_coin_amount, d.fee_coin_amount,
			d.paid_coin_amount, d.effective_exchange_rate, d.incoming_tx_ids, d.refund_tx_id,
			d.refund_address, d.payment_type, d.status, d.instantfiat_invoice_id, d.needs_reconciliation,
			d.time_created, d.time_received, d.time_notified, d.time_confirmed, d.time_refunded,
			d.time_cancelled
		FROM deposits d
		JOIN addresses ad ON ad.id = d.deposit_address_id`

	// Timestamps are written once; COALESCE keeps the first value.
	queryUpdateDeposit = `
		UPDATE deposits SET
			merchant_coin_amount = :merchant_coin_amount,
			fee_coin_amount = :fee_coin_amount,
			paid_coin_amount = :paid_coin_amount,
			incoming_tx_ids = :incoming_tx_ids,
			refund_tx_id = :refund_tx_id,
			refund_address = :refund_address,
			payment_type = :payment_type,
			status = :status,
			instantfiat_invoice_id = :instantfiat_invoice_id,
			needs_reconciliation = :needs_reconciliation,
			time_received = COALESCE(time_received, :time_received),
			time_notified = COALESCE(time_notified, :time_notified),
			time_confirmed = COALESCE(time_confirmed, :time_confirmed),
			time_refunded = COALESCE(time_refunded, :time_refunded),
			time_cancelled = COALESCE(time_cancelled, :time_cancelled)
		WHERE id = :id`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (id, uid, account_id, device_id, currency, coin, customer_address,
			fiat_amount, coin_amount, tx_fee_coin_amount, effective_exchange_rate, change_address_id,
			signed_tx, reserved_outputs, outgoing_tx_id, instantfiat_transfer_id, instantfiat_reference,
			status, time_created)
		VALUES (:id, :uid, :account_id, :device_id, :currency, :coin, :customer_address,
			:fiat_amount, :coin_amount, :tx_fee_coin_amount, :effective_exchange_rate, :change_address_id,
			:signed_tx, :reserved_outputs, :outgoing_tx_id, :instantfiat_transfer_id, :instantfiat_reference,
			:status, :time_created)`

	querySelectWithdrawal = `
		SELECT w.id, w.uid, w.account_id, w.device_id, w.currency, w.coin, w.customer_address,
			w.fiat_amount, w.coin_amount, w.tx_fee_coin_amount, w.effective_exchange_rate,
			w.change_address_id, w.signed_tx, w.reserved_outputs, w.outgoing_tx_id,
			w.instantfiat_transfer_id, w.instantfiat_reference, w.status, w.time_created,
			w.time_sent, w.time_broadcasted, w.time_confirmed, w.time_cancelled
		FROM withdrawals w`

	queryUpdateWithdrawal = `
		UPDATE withdrawals SET
			customer_address = :customer_address,
			coin_amount = :coin_amount,
			tx_fee_coin_amount = :tx_fee_coin_amount,
			change_address_id = :change_address_id,
			signed_tx = :signed_tx,
			reserved_outputs = :reserved_outputs,
			outgoing_tx_id = :outgoing_tx_id,
			instantfiat_transfer_id = :instantfiat_transfer_id,
			instantfiat_reference = :instantfiat_reference,
			status = :status,
			time_sent = COALESCE(time_sent, :time_sent),
			time_broadcasted = COALESCE(time_broadcasted, :time_broadcasted),
			time_confirmed = COALESCE(time_confirmed, :time_confirmed),
			time_cancelled = COALESCE(time_cancelled, :time_cancelled)
		WHERE id = :id`

	queryReservedOutputs = `
		SELECT reserved_outputs FROM withdrawals
		WHERE status IN ('PREPARED', 'SENT') AND id <> ?`

	// Ledger queries
	queryInsertBalanceChange = `
		INSERT INTO balance_changes (id, account_id, address_id, amount, deposit_id, withdrawal_id,
			instantfiat_tx_id, created_at)
		VALUES (:id, :account_id, :address_id, :amount, :deposit_id, :withdrawal_id,
			:instantfiat_tx_id, :created_at)`

	querySelectBalanceChange = `
		SELECT id, account_id, address_id, amount, deposit_id, withdrawal_id, instantfiat_tx_id, created_at
		FROM balance_changes`

	querySelectBalanceEntry = `
		SELECT bc.account_id, bc.amount, bc.deposit_id, d.time_confirmed AS deposit_time_confirmed,
			bc.withdrawal_id, w.time_sent AS withdrawal_time_sent,
			w.time_confirmed AS withdrawal_time_confirmed, w.time_cancelled AS withdrawal_time_cancelled,
			wk.coin_type
		FROM balance_changes bc
		LEFT JOIN deposits d ON d.id = bc.deposit_id
		LEFT JOIN withdrawals w ON w.id = bc.withdrawal_id
		JOIN addresses ad ON ad.id = bc.address_id
		JOIN wallet_accounts wa ON wa.id = ad.wallet_account_id
		JOIN wallet_keys wk ON wk.id = wa.wallet_key_id`

	// Audit queries
	queryInsertAuditEntry = `
		INSERT INTO audit_log (id, operation_type, operation_uid, event, from_status, to_status, detail, created_at)
		VALUES (:id, :operation_type, :operation_uid, :event, :from_status, :to_status, :detail, :created_at)`

	querySelectAuditEntries = `
		SELECT id, operation_type, operation_uid, event, from_status, to_status, detail, created_at
		FROM audit_log
		WHERE operation_uid = ?
		ORDER BY created_at, id`
)
