package wallet

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

// AllocateDepositAddress derives and stores the next receiving address.
// Call it inside a transaction: the wallet key row is locked so concurrent
// allocations get distinct indexes.
func (w *Wallet) AllocateDepositAddress(ctx context.Context, tx store.Tx) (*models.Address, error) {
	return w.allocate(ctx, tx, false)
}

// AllocateChangeAddress derives and stores the next change address.
func (w *Wallet) AllocateChangeAddress(ctx context.Context, tx store.Tx) (*models.Address, error) {
	return w.allocate(ctx, tx, true)
}

func (w *Wallet) allocate(ctx context.Context, tx store.Tx, isChange bool) (*models.Address, error) {
	key, err := tx.LockWalletKey(ctx, w.coin.Bip44Type)
	if err != nil {
		return nil, fmt.Errorf("unable to lock %s wallet key: %w", w.coin.Symbol, err)
	}

	account, index, err := w.nextSlot(ctx, tx, key, isChange)
	if err != nil {
		return nil, err
	}

	address := &models.Address{
		WalletAccountId: account.Id,
		IsChange:        isChange,
		Index:           index,
		CoinType:        w.coin.Bip44Type,
		AccountIndex:    account.Index,
	}
	if address.Address, err = w.DeriveAddress(address.RelativePath()); err != nil {
		return nil, err
	}
	if err := tx.CreateAddress(ctx, address); err != nil {
		return nil, fmt.Errorf("unable to store address: %w", err)
	}

	zap.L().Debug("Address allocated",
		zap.String("coin", w.coin.Symbol),
		zap.String("address", address.Address),
		zap.Uint32("account", account.Index),
		zap.Bool("change", isChange),
		zap.Uint32("index", index))
	return address, nil
}

// nextSlot picks the newest wallet account with room left on the chain,
// opening a new account when it is full.
func (w *Wallet) nextSlot(ctx context.Context, tx store.Tx, key *models.WalletKey, isChange bool) (*models.WalletAccount, uint32, error) {
	accounts, err := tx.ListWalletAccounts(ctx, key.Id)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to list wallet accounts: %w", err)
	}

	if len(accounts) > 0 {
		latest := &accounts[len(accounts)-1]
		count, err := tx.CountAddresses(ctx, latest.Id, isChange)
		if err != nil {
			return nil, 0, fmt.Errorf("unable to count addresses: %w", err)
		}
		if count < w.maxIndex {
			return latest, count, nil
		}
	}

	if uint32(len(accounts)) >= w.maxIndex {
		return nil, 0, fmt.Errorf("%s: %w", w.coin.Symbol, ErrWalletCapacityExhausted)
	}

	account := &models.WalletAccount{WalletKeyId: key.Id, Index: uint32(len(accounts))}
	if err := tx.CreateWalletAccount(ctx, account); err != nil {
		return nil, 0, fmt.Errorf("unable to create wallet account: %w", err)
	}
	zap.L().Info("Wallet account created",
		zap.String("coin", w.coin.Symbol),
		zap.Uint32("account", account.Index))
	return account, 0, nil
}
