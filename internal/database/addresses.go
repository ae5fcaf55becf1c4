package database

import (
	"context"
	"fmt"
	"time"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (q *queries) CreateWalletKey(ctx context.Context, k *models.WalletKey) error {
	if k.Id == "" {
		k.Id = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertWalletKey, k); err != nil {
		return fmt.Errorf("unable to insert wallet key: %w", err)
	}
	zap.L().Info("Wallet key stored", zap.Uint32("coin_type", k.CoinType), zap.String("path", k.Path))
	return nil
}

func (q *queries) GetWalletKey(ctx context.Context, coinType uint32) (*models.WalletKey, error) {
	var k models.WalletKey
	if err := q.get(ctx, &k, querySelectWalletKey+" WHERE wk.coin_type = ?", coinType); err != nil {
		return nil, fmt.Errorf("unable to get wallet key for coin type %d: %w", coinType, err)
	}
	return &k, nil
}

// LockWalletKey serializes address allocation for one coin.
func (q *queries) LockWalletKey(ctx context.Context, coinType uint32) (*models.WalletKey, error) {
	var k models.WalletKey
	if err := q.get(ctx, &k, querySelectWalletKey+" WHERE wk.coin_type = ?"+q.forUpdate("wk"), coinType); err != nil {
		return nil, fmt.Errorf("unable to lock wallet key for coin type %d: %w", coinType, err)
	}
	return &k, nil
}

func (q *queries) ListWalletKeys(ctx context.Context) ([]models.WalletKey, error) {
	var keys []models.WalletKey
	if err := q.selectAll(ctx, &keys, querySelectWalletKey+" ORDER BY wk.coin_type"); err != nil {
		return nil, fmt.Errorf("unable to list wallet keys: %w", err)
	}
	return keys, nil
}

func (q *queries) ListWalletAccounts(ctx context.Context, walletKeyId string) ([]models.WalletAccount, error) {
	var accounts []models.WalletAccount
	if err := q.selectAll(ctx, &accounts, querySelectWalletAccounts, walletKeyId); err != nil {
		return nil, fmt.Errorf("unable to list wallet accounts: %w", err)
	}
	return accounts, nil
}

func (q *queries) CreateWalletAccount(ctx context.Context, a *models.WalletAccount) error {
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertWalletAccount, a); err != nil {
		return fmt.Errorf("unable to insert wallet account: %w", err)
	}
	return nil
}

func (q *queries) CountAddresses(ctx context.Context, walletAccountId string, isChange bool) (uint32, error) {
	var count uint32
	if err := q.get(ctx, &count, queryCountAddresses, walletAccountId, isChange); err != nil {
		return 0, fmt.Errorf("unable to count addresses: %w", err)
	}
	return count, nil
}

func (q *queries) CreateAddress(ctx context.Context, a *models.Address) error {
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertAddress, a); err != nil {
		zap.L().Error("Failed to insert address", zap.String("address", a.Address), zap.Error(err))
		return fmt.Errorf("unable to insert address: %w", err)
	}
	return nil
}

func (q *queries) GetAddress(ctx context.Context, id string) (*models.Address, error) {
	var a models.Address
	if err := q.get(ctx, &a, querySelectAddress+" WHERE ad.id = ?", id); err != nil {
		return nil, fmt.Errorf("unable to get address %s: %w", id, err)
	}
	return &a, nil
}

func (q *queries) FindAddress(ctx context.Context, address string) (*models.Address, error) {
	var a models.Address
	if err := q.get(ctx, &a, querySelectAddress+" WHERE ad.address = ?", address); err != nil {
		return nil, fmt.Errorf("unable to find address %s: %w", address, err)
	}
	return &a, nil
}

// ListAccountAddresses returns every address that carries ledger entries of
// the account.
func (q *queries) ListAccountAddresses(ctx context.Context, accountId string) ([]models.Address, error) {
	var addresses []models.Address
	err := q.selectAll(ctx, &addresses,
		querySelectAddress+" WHERE ad.id IN (SELECT address_id FROM balance_changes WHERE account_id = ?) ORDER BY ad.created_at, ad.id",
		accountId)
	if err != nil {
		return nil, fmt.Errorf("unable to list account addresses: %w", err)
	}
	return addresses, nil
}

// ListSpendableAddresses returns the account's addresses whose coins may be
// spent: change addresses and addresses of confirmed deposits.
func (q *queries) ListSpendableAddresses(ctx context.Context, accountId string) ([]models.Address, error) {
	var addresses []models.Address
	err := q.selectAll(ctx, &addresses,
		querySelectAddress+` WHERE ad.id IN (SELECT address_id FROM balance_changes WHERE account_id = ?)
			AND NOT EXISTS (SELECT 1 FROM deposits d WHERE d.deposit_address_id = ad.id AND d.status <> ?)
			ORDER BY ad.created_at, ad.id`,
		accountId, string(models.DepositConfirmed))
	if err != nil {
		return nil, fmt.Errorf("unable to list spendable addresses: %w", err)
	}
	return addresses, nil
}

func (q *queries) ListWalletAddresses(ctx context.Context, coinType uint32) ([]models.Address, error) {
	var addresses []models.Address
	err := q.selectAll(ctx, &addresses, querySelectAddress+" WHERE wk.coin_type = ? ORDER BY wa.idx, ad.is_change, ad.idx", coinType)
	if err != nil {
		return nil, fmt.Errorf("unable to list wallet addresses: %w", err)
	}
	return addresses, nil
}
