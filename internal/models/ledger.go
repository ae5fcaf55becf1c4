package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceChange is the append-only atom of the ledger. A nil AccountId marks
// a fee-account entry.
type BalanceChange struct {
	Id              string          `db:"id"`
	AccountId       *string         `db:"account_id"`
	AddressId       string          `db:"address_id"`
	Amount          decimal.Decimal `db:"amount"`
	DepositId       *string         `db:"deposit_id"`
	WithdrawalId    *string         `db:"withdrawal_id"`
	InstantFiatTxId *string         `db:"instantfiat_tx_id"`
	CreatedAt       time.Time       `db:"created_at"`
}

// BalanceEntry is a balance change joined with the state of the operation
// it belongs to, enough to apply balance flags.
type BalanceEntry struct {
	AccountId           *string         `db:"account_id"`
	Amount              decimal.Decimal `db:"amount"`
	DepositId           *string         `db:"deposit_id"`
	DepositConfirmed    *time.Time      `db:"deposit_time_confirmed"`
	WithdrawalId        *string         `db:"withdrawal_id"`
	WithdrawalSent      *time.Time      `db:"withdrawal_time_sent"`
	WithdrawalConfirmed *time.Time      `db:"withdrawal_time_confirmed"`
	WithdrawalCancelled *time.Time      `db:"withdrawal_time_cancelled"`
	CoinType            uint32          `db:"coin_type"`
}

// BalanceFlags select which entries take part in a balance.
type BalanceFlags struct {
	IncludeUnconfirmed bool
	IncludeOffchain    bool
}

// Includes applies the flags to a single entry.
func (f BalanceFlags) Includes(e BalanceEntry) bool {
	if e.WithdrawalId != nil {
		if e.WithdrawalSent == nil {
			if !f.IncludeOffchain || e.WithdrawalCancelled != nil {
				return false
			}
		}
		if !f.IncludeUnconfirmed && e.WithdrawalConfirmed == nil {
			return false
		}
	}
	if e.DepositId != nil && !f.IncludeUnconfirmed && e.DepositConfirmed == nil {
		return false
	}
	return true
}

// SumCoinEntries adds up the entries of one coin selected by flags.
func SumCoinEntries(entries []BalanceEntry, coinType uint32, flags BalanceFlags) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.CoinType == coinType && flags.Includes(e) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// SumEntries adds up the entries selected by flags.
func SumEntries(entries []BalanceEntry, flags BalanceFlags) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if flags.Includes(e) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// AuditEntry is a structured record of a state transition or refusal.
type AuditEntry struct {
	Id            string    `db:"id" json:"id"`
	OperationType string    `db:"operation_type" json:"operation_type"`
	OperationUid  string    `db:"operation_uid" json:"operation_uid"`
	Event         string    `db:"event" json:"event"`
	FromStatus    string    `db:"from_status" json:"from_status"`
	ToStatus      string    `db:"to_status" json:"to_status"`
	Detail        string    `db:"detail" json:"detail"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
