package wallet

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedFeeAdapter struct {
	fee decimal.Decimal
}

func (a *fixedFeeAdapter) ValidateAddress(string) bool                           { return true }
func (a *fixedFeeAdapter) ImportAddress(context.Context, string) error           { return nil }
func (a *fixedFeeAdapter) GetRawTx(context.Context, string) (*wire.MsgTx, error) { return nil, nil }
func (a *fixedFeeAdapter) GetUnspent(context.Context, string) ([]models.UnspentOutput, error) {
	return nil, nil
}
func (a *fixedFeeAdapter) GetAddressBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (a *fixedFeeAdapter) SendRawTx(_ context.Context, tx *wire.MsgTx) (string, error) {
	return tx.TxHash().String(), nil
}
func (a *fixedFeeAdapter) GetTxFee(context.Context, int, int) (decimal.Decimal, error) {
	return a.fee, nil
}
func (a *fixedFeeAdapter) EstimateConfirmations(context.Context, string) (int64, error) {
	return 0, nil
}

var testSeed = bytes.Repeat([]byte{0x01}, 32)

func setupWallet(t *testing.T) (*Manager, *Wallet, store.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver:       database.DriverSqlite,
		Path:         filepath.Join(t.TempDir(), "wallet.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	manager := NewManager(db, coins.NewRegistry(), map[string]blockchain.Adapter{
		"TBTC": &fixedFeeAdapter{fee: decimal.RequireFromString("0.00005")},
	})
	_, err = manager.CreateWalletKey(ctx, "TBTC", testSeed)
	require.NoError(t, err)

	w, err := manager.Wallet(ctx, "TBTC")
	require.NoError(t, err)
	return manager, w, db
}

func allocate(t *testing.T, db store.Store, w *Wallet, isChange bool) *models.Address {
	t.Helper()
	var address *models.Address
	err := db.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		if isChange {
			address, err = w.AllocateChangeAddress(context.Background(), tx)
		} else {
			address, err = w.AllocateDepositAddress(context.Background(), tx)
		}
		return err
	})
	require.NoError(t, err)
	return address
}

func externalAddress(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{9}, 20), &chaincfg.TestNet3Params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestWalletLoadedOnce(t *testing.T) {
	manager, w, _ := setupWallet(t)
	ctx := context.Background()

	again, err := manager.Wallet(ctx, "TBTC")
	require.NoError(t, err)
	assert.Same(t, w, again)

	_, err = manager.CreateWalletKey(ctx, "TBTC", testSeed)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	_, err = manager.Wallet(ctx, "BTC")
	assert.Error(t, err)
}

func TestWalletNotInitialized(t *testing.T) {
	manager, _, _ := setupWallet(t)
	manager.adapters["DASH"] = &fixedFeeAdapter{}
	_, err := manager.Wallet(context.Background(), "DASH")
	assert.True(t, errors.Is(err, ErrWalletNotInitialized))
}

func TestAllocateAddresses(t *testing.T) {
	_, w, db := setupWallet(t)

	first := allocate(t, db, w, false)
	second := allocate(t, db, w, false)
	change := allocate(t, db, w, true)

	assert.Equal(t, uint32(0), first.Index)
	assert.Equal(t, uint32(1), second.Index)
	assert.Equal(t, uint32(0), change.Index)
	assert.True(t, change.IsChange)
	assert.NotEqual(t, first.Address, second.Address)
	assert.NotEqual(t, first.Address, change.Address)
	assert.Equal(t, first.WalletAccountId, change.WalletAccountId)

	stored, err := db.FindAddress(context.Background(), second.Address)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{0, 0, 1}, stored.RelativePath())

	key, err := w.DerivePrivateKey(stored)
	require.NoError(t, err)
	pkh, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), w.Params())
	require.NoError(t, err)
	assert.Equal(t, second.Address, pkh.EncodeAddress())

	tampered := *stored
	tampered.Index = 5
	_, err = w.DerivePrivateKey(&tampered)
	assert.Error(t, err)
}

func TestAllocateRollsOverWalletAccount(t *testing.T) {
	manager, _, db := setupWallet(t)
	ctx := context.Background()

	// a fresh manager so the lowered limit applies to the loaded wallet
	small := NewManager(db, manager.registry, manager.adapters)
	small.SetMaxIndex(2)
	w, err := small.Wallet(ctx, "TBTC")
	require.NoError(t, err)

	a := allocate(t, db, w, false)
	b := allocate(t, db, w, false)
	c := allocate(t, db, w, false)

	assert.Equal(t, uint32(0), a.AccountIndex)
	assert.Equal(t, uint32(0), b.AccountIndex)
	assert.Equal(t, uint32(1), c.AccountIndex)
	assert.Equal(t, uint32(0), c.Index)

	allocate(t, db, w, false)
	err = db.InTx(ctx, func(tx store.Tx) error {
		_, err := w.AllocateDepositAddress(ctx, tx)
		return err
	})
	assert.True(t, errors.Is(err, ErrWalletCapacityExhausted))
}

func TestBuildSignedTxWithChange(t *testing.T) {
	_, w, db := setupWallet(t)
	ctx := context.Background()

	source := allocate(t, db, w, false)
	change := allocate(t, db, w, true)
	inputs := []Input{{
		Output:  models.UnspentOutput{TxId: "1111111111111111111111111111111111111111111111111111111111111111", Vout: 0, Amount: decimal.RequireFromString("0.01")},
		Address: source,
	}}

	signed, err := w.BuildSignedTx(ctx, inputs, []Output{{Address: externalAddress(t), Amount: decimal.RequireFromString("0.0002")}}, change)
	require.NoError(t, err)

	require.Len(t, signed.Tx.TxOut, 2)
	assert.Equal(t, int64(20000), signed.Tx.TxOut[0].Value)
	assert.Equal(t, int64(975000), signed.Tx.TxOut[1].Value)
	assert.Equal(t, "0.00005", signed.Fee.String())
	assert.Equal(t, "0.00975", signed.Change.String())
	assert.Equal(t, []string{"1111111111111111111111111111111111111111111111111111111111111111:0"}, signed.Outpoints())

	decoded, err := DecodeTx(signed.RawHex)
	require.NoError(t, err)
	assert.Equal(t, signed.TxId, decoded.TxHash().String())

	txId, err := w.Broadcast(ctx, decoded)
	require.NoError(t, err)
	assert.Equal(t, signed.TxId, txId)
}

func TestBuildSignedTxAbsorbsDustChange(t *testing.T) {
	_, w, db := setupWallet(t)
	ctx := context.Background()

	source := allocate(t, db, w, false)
	change := allocate(t, db, w, true)
	inputs := []Input{{
		Output:  models.UnspentOutput{TxId: "2222222222222222222222222222222222222222222222222222222222222222", Vout: 1, Amount: decimal.RequireFromString("0.0003")},
		Address: source,
	}}

	signed, err := w.BuildSignedTx(ctx, inputs, []Output{{Address: externalAddress(t), Amount: decimal.RequireFromString("0.0002")}}, change)
	require.NoError(t, err)
	require.Len(t, signed.Tx.TxOut, 1)
	assert.Equal(t, "0.0001", signed.Fee.String())
	assert.True(t, signed.Change.IsZero())
}

func TestBuildSignedTxErrors(t *testing.T) {
	_, w, db := setupWallet(t)
	ctx := context.Background()

	source := allocate(t, db, w, false)
	inputs := []Input{{
		Output:  models.UnspentOutput{TxId: "3333333333333333333333333333333333333333333333333333333333333333", Amount: decimal.RequireFromString("0.0003")},
		Address: source,
	}}

	_, err := w.BuildSignedTx(ctx, inputs, []Output{{Address: externalAddress(t), Amount: decimal.RequireFromString("0.00001")}}, nil)
	assert.True(t, errors.Is(err, ErrDustOutput))

	_, err = w.BuildSignedTx(ctx, inputs, []Output{{Address: externalAddress(t), Amount: decimal.RequireFromString("0.0003")}}, nil)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	_, err = w.BuildSignedTx(ctx, inputs, []Output{{Address: "not-an-address", Amount: decimal.RequireFromString("0.0001")}}, nil)
	assert.Error(t, err)
}

func TestBuildSweepTx(t *testing.T) {
	_, w, db := setupWallet(t)
	ctx := context.Background()

	source := allocate(t, db, w, false)
	inputs := []Input{
		{Output: models.UnspentOutput{TxId: "4444444444444444444444444444444444444444444444444444444444444444", Amount: decimal.RequireFromString("0.0004")}, Address: source},
		{Output: models.UnspentOutput{TxId: "5555555555555555555555555555555555555555555555555555555555555555", Vout: 2, Amount: decimal.RequireFromString("0.0002")}, Address: source},
	}

	signed, err := w.BuildSweepTx(ctx, inputs, externalAddress(t))
	require.NoError(t, err)
	require.Len(t, signed.Tx.TxOut, 1)
	assert.Equal(t, int64(55000), signed.Tx.TxOut[0].Value)

	_, err = w.BuildSweepTx(ctx, inputs[1:2], externalAddress(t))
	assert.NoError(t, err)

	tiny := []Input{{Output: models.UnspentOutput{TxId: inputs[0].Output.TxId, Amount: decimal.RequireFromString("0.00008")}, Address: source}}
	_, err = w.BuildSweepTx(ctx, tiny, externalAddress(t))
	assert.True(t, errors.Is(err, ErrDustOutput))
}

func TestSelectInputsDeterministic(t *testing.T) {
	_, w, _ := setupWallet(t)
	ctx := context.Background()

	candidates := []Input{
		{Output: models.UnspentOutput{TxId: "b", Vout: 0, Amount: decimal.RequireFromString("0.001")}},
		{Output: models.UnspentOutput{TxId: "a", Vout: 1, Amount: decimal.RequireFromString("0.001")}},
		{Output: models.UnspentOutput{TxId: "a", Vout: 0, Amount: decimal.RequireFromString("0.001")}},
		{Output: models.UnspentOutput{TxId: "c", Vout: 0, Amount: decimal.RequireFromString("0.005")}},
	}

	selected, fee, err := w.SelectInputs(ctx, candidates, decimal.RequireFromString("0.0055"))
	require.NoError(t, err)
	assert.Equal(t, "0.00005", fee.String())
	require.Len(t, selected, 2)
	assert.Equal(t, "c", selected[0].Output.TxId)
	assert.Equal(t, "a:0", selected[1].Output.Outpoint())

	_, _, err = w.SelectInputs(ctx, candidates, decimal.RequireFromString("0.008"))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	outputs := []models.UnspentOutput{candidates[0].Output, candidates[1].Output, candidates[3].Output}
	SortUnspent(outputs)
	assert.Equal(t, []string{"c:0", "a:1", "b:0"}, []string{outputs[0].Outpoint(), outputs[1].Outpoint(), outputs[2].Outpoint()})
}
