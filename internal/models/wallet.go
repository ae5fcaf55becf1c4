package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletKey holds the extended private key of one coin at purpose'/coin'
type WalletKey struct {
	Id        string    `db:"id"`
	CoinType  uint32    `db:"coin_type"`
	Xpriv     string    `db:"xpriv"`
	Path      string    `db:"path"`
	CreatedAt time.Time `db:"created_at"`
}

// WalletAccount is a BIP44 account under a WalletKey
type WalletAccount struct {
	Id          string    `db:"id"`
	WalletKeyId string    `db:"wallet_key_id"`
	Index       uint32    `db:"idx"`
	CreatedAt   time.Time `db:"created_at"`
}

// Address is a derived wallet address. CoinType and AccountIndex are
// denormalized from the owning wallet account when read.
type Address struct {
	Id              string    `db:"id"`
	WalletAccountId string    `db:"wallet_account_id"`
	IsChange        bool      `db:"is_change"`
	Index           uint32    `db:"idx"`
	Address         string    `db:"address"`
	CreatedAt       time.Time `db:"created_at"`
	CoinType        uint32    `db:"coin_type"`
	AccountIndex    uint32    `db:"account_idx"`
}

// RelativePath returns account/change/index below the wallet key.
func (a *Address) RelativePath() [3]uint32 {
	var change uint32
	if a.IsChange {
		change = 1
	}
	return [3]uint32{a.AccountIndex, change, a.Index}
}

// UnspentOutput is a spendable output reported by a node
type UnspentOutput struct {
	TxId          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	ScriptPubKey  string          `json:"script_pub_key"`
	Confirmations int64           `json:"confirmations"`
}

// Outpoint renders the output as txid:vout.
func (u UnspentOutput) Outpoint() string {
	return OutpointString(u.TxId, u.Vout)
}
