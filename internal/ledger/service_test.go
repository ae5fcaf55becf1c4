package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pos-payments-go/internal/database"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	posted []string
	fail   bool
}

func (m *recordingMirror) Post(_ context.Context, coin string, bc models.BalanceChange) error {
	if m.fail {
		return errors.New("mirror down")
	}
	m.posted = append(m.posted, coin+":"+bc.Amount.String())
	return nil
}

type staticNode map[string]decimal.Decimal

func (n staticNode) GetAddressBalance(_ context.Context, address string) (decimal.Decimal, error) {
	if b, ok := n[address]; ok {
		return b, nil
	}
	return decimal.Zero, nil
}

type ledgerFixture struct {
	db      *database.Service
	account *models.Account
	address *models.Address
	change  *models.Address
	deposit *models.Deposit
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupLedger(t *testing.T) ledgerFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver:       database.DriverSqlite,
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	merchant := &models.Merchant{CompanyName: "Cafe", Currency: "GBP", FeeRate: decimal.Zero}
	require.NoError(t, db.CreateMerchant(ctx, merchant))
	account := &models.Account{MerchantId: merchant.Id, Currency: "BTC", MaxPayout: d("100")}
	require.NoError(t, db.CreateAccount(ctx, account))
	key := &models.WalletKey{CoinType: 0, Xpriv: "xprv", Path: "0'/0'"}
	require.NoError(t, db.CreateWalletKey(ctx, key))
	walletAccount := &models.WalletAccount{WalletKeyId: key.Id}
	require.NoError(t, db.CreateWalletAccount(ctx, walletAccount))
	address := &models.Address{WalletAccountId: walletAccount.Id, Address: "1Deposit"}
	require.NoError(t, db.CreateAddress(ctx, address))
	change := &models.Address{WalletAccountId: walletAccount.Id, IsChange: true, Address: "1Change"}
	require.NoError(t, db.CreateAddress(ctx, change))

	now := time.Now().UTC()
	deposit := &models.Deposit{
		Uid: "dep001", AccountId: account.Id, Currency: "GBP", Coin: "BTC", DepositAddressId: address.Id,
		FiatAmount: d("10"), MerchantCoinAmount: d("0.0005"), FeeCoinAmount: d("0.0001"),
		PaidCoinAmount: d("0.0006"), EffectiveExchangeRate: d("20000"), PaymentType: models.PaymentTypeBip21,
		Status: models.DepositConfirmed, TimeCreated: now, TimeReceived: &now, TimeConfirmed: &now,
	}
	require.NoError(t, db.CreateDeposit(ctx, deposit))
	require.NoError(t, db.UpdateDeposit(ctx, deposit))

	return ledgerFixture{db: db, account: account, address: address, change: change, deposit: deposit}
}

func TestRecordValidation(t *testing.T) {
	f := setupLedger(t)
	svc := NewService(nil)
	ctx := context.Background()

	err := svc.Record(ctx, f.db, &models.BalanceChange{AddressId: f.address.Id, Amount: decimal.Zero, DepositId: &f.deposit.Id})
	assert.Error(t, err)

	err = svc.Record(ctx, f.db, &models.BalanceChange{AddressId: f.address.Id, Amount: d("1")})
	assert.Error(t, err, "needs an operation")

	err = svc.Record(ctx, f.db, &models.BalanceChange{Amount: d("1"), DepositId: &f.deposit.Id})
	assert.Error(t, err, "needs an address")
}

func TestBalancesAndConsistency(t *testing.T) {
	f := setupLedger(t)
	mirror := &recordingMirror{}
	svc := NewService(mirror)
	ctx := context.Background()

	changes := []models.BalanceChange{
		{AccountId: &f.account.Id, AddressId: f.address.Id, Amount: d("0.0005"), DepositId: &f.deposit.Id},
		{AddressId: f.address.Id, Amount: d("0.0001"), DepositId: &f.deposit.Id},
	}
	err := f.db.InTx(ctx, func(tx store.Tx) error {
		for i := range changes {
			if err := svc.Record(ctx, tx, &changes[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	svc.Publish(ctx, "BTC", changes)
	assert.Equal(t, []string{"BTC:0.0005", "BTC:0.0001"}, mirror.posted)

	confirmed := models.BalanceFlags{}
	balance, err := svc.AccountBalance(ctx, f.db, f.account.Id, confirmed)
	require.NoError(t, err)
	assert.Equal(t, "0.0005", balance.String())

	fee, err := svc.FeeBalance(ctx, f.db, 0, confirmed)
	require.NoError(t, err)
	assert.Equal(t, "0.0001", fee.String())

	onAddress, err := svc.AddressBalance(ctx, f.db, f.address.Id, confirmed)
	require.NoError(t, err)
	assert.Equal(t, "0.0006", onAddress.String())

	coin := models.Coin{Symbol: "BTC", Bip44Type: 0}
	report, err := svc.CheckWallet(ctx, f.db, coin, staticNode{"1Deposit": d("0.0006")})
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Addresses)
	require.Len(t, report.Accounts, 1)
	assert.Equal(t, "0.0005", report.Accounts[0].Balance.String())

	report, err = svc.CheckWallet(ctx, f.db, coin, staticNode{"1Deposit": d("0.0006"), "1Change": d("0.001")})
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "1Change", report.Mismatches[0].Address)
}

func TestPublishIgnoresMirrorFailures(t *testing.T) {
	mirror := &recordingMirror{fail: true}
	svc := NewService(mirror)
	svc.Publish(context.Background(), "BTC", []models.BalanceChange{{Amount: d("1")}})
	assert.Empty(t, mirror.posted)

	NewService(nil).Publish(context.Background(), "BTC", []models.BalanceChange{{Amount: d("1")}})
}

func TestAvailableBalance(t *testing.T) {
	f := setupLedger(t)
	svc := NewService(nil)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, f.db, &models.BalanceChange{
		AccountId: &f.account.Id, AddressId: f.address.Id, Amount: d("0.01"), DepositId: &f.deposit.Id,
	}))

	withdrawal := &models.Withdrawal{
		Uid: "wd0001", AccountId: f.account.Id, Currency: "GBP", Coin: "BTC",
		FiatAmount: d("5"), CoinAmount: d("0.0002"), TxFeeCoinAmount: d("0.00005"),
		EffectiveExchangeRate: d("25000"), Status: models.WithdrawalPrepared, TimeCreated: time.Now().UTC(),
	}
	require.NoError(t, f.db.CreateWithdrawal(ctx, withdrawal))
	require.NoError(t, svc.Record(ctx, f.db, &models.BalanceChange{
		AccountId: &f.account.Id, AddressId: f.address.Id, Amount: d("-0.01"), WithdrawalId: &withdrawal.Id,
	}))
	require.NoError(t, svc.Record(ctx, f.db, &models.BalanceChange{
		AccountId: &f.account.Id, AddressId: f.change.Id, Amount: d("0.00975"), WithdrawalId: &withdrawal.Id,
	}))

	available, err := svc.AvailableBalance(ctx, f.db, f.account.Id)
	require.NoError(t, err)
	assert.Equal(t, "0.00975", available.String())

	confirmed, err := svc.AccountBalance(ctx, f.db, f.account.Id, models.BalanceFlags{})
	require.NoError(t, err)
	assert.Equal(t, "0.01", confirmed.String(), "unconfirmed withdrawals stay out of the confirmed balance")

	now := time.Now().UTC()
	withdrawal.Status = models.WithdrawalCancelled
	withdrawal.TimeCancelled = &now
	require.NoError(t, f.db.UpdateWithdrawal(ctx, withdrawal))

	available, err = svc.AvailableBalance(ctx, f.db, f.account.Id)
	require.NoError(t, err)
	assert.Equal(t, "0.01", available.String())
}
