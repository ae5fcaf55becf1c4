package database

// schema is shared by SQLite and Postgres; {{amount}} and {{timestamp}} are
// replaced with dialect column types.
const schema = `
CREATE TABLE IF NOT EXISTS merchants (
	id TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	contact_email TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL,
	fee_rate {{amount}} NOT NULL,
	tx_confidence_threshold {{amount}},
	instantfiat_provider TEXT,
	instantfiat_merchant_id TEXT,
	instantfiat_api_key TEXT,
	created_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL REFERENCES merchants(id),
	currency TEXT NOT NULL,
	is_instantfiat BOOLEAN NOT NULL,
	forward_address TEXT,
	max_payout {{amount}} NOT NULL,
	created_at {{timestamp}} NOT NULL,
	UNIQUE(merchant_id, currency, is_instantfiat)
);

CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL REFERENCES merchants(id),
	account_id TEXT NOT NULL REFERENCES accounts(id),
	device_key TEXT NOT NULL UNIQUE,
	activation_code TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_keys (
	id TEXT PRIMARY KEY,
	coin_type INTEGER NOT NULL UNIQUE,
	xpriv TEXT NOT NULL,
	path TEXT NOT NULL,
	created_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_accounts (
	id TEXT PRIMARY KEY,
	wallet_key_id TEXT NOT NULL REFERENCES wallet_keys(id),
	idx INTEGER NOT NULL,
	created_at {{timestamp}} NOT NULL,
	UNIQUE(wallet_key_id, idx)
);

CREATE TABLE IF NOT EXISTS addresses (
	id TEXT PRIMARY KEY,
	wallet_account_id TEXT NOT NULL REFERENCES wallet_accounts(id),
	is_change BOOLEAN NOT NULL,
	idx INTEGER NOT NULL,
	address TEXT NOT NULL UNIQUE,
	created_at {{timestamp}} NOT NULL,
	UNIQUE(wallet_account_id, is_change, idx)
);

CREATE TABLE IF NOT EXISTS deposits (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	device_id TEXT REFERENCES devices(id),
	currency TEXT NOT NULL,
	coin TEXT NOT NULL,
	deposit_address_id TEXT NOT NULL UNIQUE REFERENCES addresses(id),
	fiat_amount {{amount}} NOT NULL,
	merchant_coin_amount {{amount}} NOT NULL,
	fee_coin_amount {{amount}} NOT NULL,
	paid_coin_amount {{amount}} NOT NULL,
	effective_exchange_rate {{amount}} NOT NULL,
	incoming_tx_ids TEXT NOT NULL DEFAULT '',
	refund_tx_id TEXT,
	refund_address TEXT,
	payment_type TEXT NOT NULL,
	status TEXT NOT NULL,
	instantfiat_invoice_id TEXT,
	needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
	time_created {{timestamp}} NOT NULL,
	time_received {{timestamp}},
	time_notified {{timestamp}},
	time_confirmed {{timestamp}},
	time_refunded {{timestamp}},
	time_cancelled {{timestamp}}
);

CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposits(status);
CREATE INDEX IF NOT EXISTS idx_deposits_account ON deposits(account_id);

CREATE TABLE IF NOT EXISTS withdrawals (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	device_id TEXT REFERENCES devices(id),
	currency TEXT NOT NULL,
	coin TEXT NOT NULL,
	customer_address TEXT,
	fiat_amount {{amount}} NOT NULL,
	coin_amount {{amount}} NOT NULL,
	tx_fee_coin_amount {{amount}} NOT NULL,
	effective_exchange_rate {{amount}} NOT NULL,
	change_address_id TEXT REFERENCES addresses(id),
	signed_tx TEXT,
	reserved_outputs TEXT NOT NULL DEFAULT '',
	outgoing_tx_id TEXT,
	instantfiat_transfer_id TEXT,
	instantfiat_reference TEXT,
	status TEXT NOT NULL,
	time_created {{timestamp}} NOT NULL,
	time_sent {{timestamp}},
	time_broadcasted {{timestamp}},
	time_confirmed {{timestamp}},
	time_cancelled {{timestamp}}
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);
CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals(account_id);

CREATE TABLE IF NOT EXISTS balance_changes (
	id TEXT PRIMARY KEY,
	account_id TEXT REFERENCES accounts(id),
	address_id TEXT NOT NULL REFERENCES addresses(id),
	amount {{amount}} NOT NULL,
	deposit_id TEXT REFERENCES deposits(id),
	withdrawal_id TEXT REFERENCES withdrawals(id),
	instantfiat_tx_id TEXT,
	created_at {{timestamp}} NOT NULL,
	UNIQUE(account_id, instantfiat_tx_id)
);

CREATE INDEX IF NOT EXISTS idx_balance_changes_account ON balance_changes(account_id);
CREATE INDEX IF NOT EXISTS idx_balance_changes_address ON balance_changes(address_id);
CREATE INDEX IF NOT EXISTS idx_balance_changes_deposit ON balance_changes(deposit_id);
CREATE INDEX IF NOT EXISTS idx_balance_changes_withdrawal ON balance_changes(withdrawal_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	operation_uid TEXT NOT NULL,
	event TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at {{timestamp}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_operation ON audit_log(operation_uid)
`
