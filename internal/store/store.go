package store

import (
	"context"
	"errors"

	"pos-payments-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Tx is the set of persistence operations available both inside and outside
// a transaction. Lock* methods take a row lock when called inside InTx.
type Tx interface {
	// --- Merchants ---
	CreateMerchant(ctx context.Context, m *models.Merchant) error
	GetMerchant(ctx context.Context, id string) (*models.Merchant, error)
	ListMerchants(ctx context.Context) ([]models.Merchant, error)
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	LockAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context, merchantId string) ([]models.Account, error)
	CreateDevice(ctx context.Context, d *models.Device) error
	GetDeviceByKey(ctx context.Context, key string) (*models.Device, error)

	// --- Wallet ---
	CreateWalletKey(ctx context.Context, k *models.WalletKey) error
	GetWalletKey(ctx context.Context, coinType uint32) (*models.WalletKey, error)
	LockWalletKey(ctx context.Context, coinType uint32) (*models.WalletKey, error)
	ListWalletKeys(ctx context.Context) ([]models.WalletKey, error)
	ListWalletAccounts(ctx context.Context, walletKeyId string) ([]models.WalletAccount, error)
	CreateWalletAccount(ctx context.Context, a *models.WalletAccount) error
	CountAddresses(ctx context.Context, walletAccountId string, isChange bool) (uint32, error)
	CreateAddress(ctx context.Context, a *models.Address) error
	GetAddress(ctx context.Context, id string) (*models.Address, error)
	FindAddress(ctx context.Context, address string) (*models.Address, error)
	ListAccountAddresses(ctx context.Context, accountId string) ([]models.Address, error)
	ListSpendableAddresses(ctx context.Context, accountId string) ([]models.Address, error)
	ListWalletAddresses(ctx context.Context, coinType uint32) ([]models.Address, error)

	// --- Deposits ---
	CreateDeposit(ctx context.Context, d *models.Deposit) error
	GetDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	LockDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	UpdateDeposit(ctx context.Context, d *models.Deposit) error
	ListActiveDeposits(ctx context.Context) ([]models.Deposit, error)

	// --- Withdrawals ---
	CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	LockWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	ListActiveWithdrawals(ctx context.Context) ([]models.Withdrawal, error)
	ListReservedOutpoints(ctx context.Context, excludeWithdrawalId string) ([]string, error)

	// --- Ledger ---
	CreateBalanceChange(ctx context.Context, bc *models.BalanceChange) error
	ListDepositBalanceChanges(ctx context.Context, depositId string) ([]models.BalanceChange, error)
	ListWithdrawalBalanceChanges(ctx context.Context, withdrawalId string) ([]models.BalanceChange, error)
	ListAccountEntries(ctx context.Context, accountId string) ([]models.BalanceEntry, error)
	ListFeeEntries(ctx context.Context, coinType uint32) ([]models.BalanceEntry, error)
	ListAddressEntries(ctx context.Context, addressId string) ([]models.BalanceEntry, error)

	// --- Audit ---
	CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, operationUid string) ([]models.AuditEntry, error)
}

// Store is a Tx that can also open transactions.
type Store interface {
	Tx
	// InTx runs fn inside a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
