package blockchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxConfirmations = 9999999
	// feeConfirmTarget is the number of blocks the fee estimate aims for.
	feeConfirmTarget = 6
)

// Bitcoind talks JSON-RPC to a bitcoind or dashd node with a watch-only
// wallet holding every address we allocate.
type Bitcoind struct {
	client *rpcclient.Client
	coin   models.Coin
	params *chaincfg.Params
}

func NewBitcoind(cfg models.NodeConfig, coin models.Coin, params *chaincfg.Params) (*Bitcoind, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("node host for %s cannot be empty", coin.Symbol)
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client for %s: %w", coin.Symbol, err)
	}

	zap.L().Info("Node client initialized",
		zap.String("coin", coin.Symbol),
		zap.String("host", cfg.Host))

	return &Bitcoind{client: client, coin: coin, params: params}, nil
}

func (b *Bitcoind) Close() {
	b.client.Shutdown()
}

// call runs a blocking rpc call, giving up when ctx is done. Errors that
// are not node-side rpc errors are reported as NetworkError.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, &NetworkError{Op: op, Err: err}
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, &NetworkError{Op: op, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(r.err, &rpcErr) {
				return zero, fmt.Errorf("%s: %w", op, r.err)
			}
			return zero, &NetworkError{Op: op, Err: r.err}
		}
		return r.value, nil
	}
}

func isUnknownTx(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey
}

func (b *Bitcoind) decodeAddress(address string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %s: %w", b.coin.Symbol, address, err)
	}
	if !addr.IsForNet(b.params) {
		return nil, fmt.Errorf("address %s is not a %s address", address, b.coin.Symbol)
	}
	return addr, nil
}

func (b *Bitcoind) ValidateAddress(address string) bool {
	addr, err := b.decodeAddress(address)
	if err != nil {
		return false
	}
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
		return true
	}
	return false
}

func (b *Bitcoind) ImportAddress(ctx context.Context, address string) error {
	_, err := call(ctx, "importaddress", func() (struct{}, error) {
		return struct{}{}, b.client.ImportAddressRescan(address, "", false)
	})
	return err
}

func (b *Bitcoind) GetUnspent(ctx context.Context, address string) ([]models.UnspentOutput, error) {
	addr, err := b.decodeAddress(address)
	if err != nil {
		return nil, err
	}

	results, err := call(ctx, "listunspent", func() ([]btcjson.ListUnspentResult, error) {
		return b.client.ListUnspentMinMaxAddresses(0, maxConfirmations, []btcutil.Address{addr})
	})
	if err != nil {
		return nil, err
	}

	outputs := make([]models.UnspentOutput, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, models.UnspentOutput{
			TxId:          r.TxID,
			Vout:          r.Vout,
			Address:       r.Address,
			Amount:        models.QuantizeCoin(decimal.NewFromFloat(r.Amount)),
			ScriptPubKey:  r.ScriptPubKey,
			Confirmations: r.Confirmations,
		})
	}
	return outputs, nil
}

func (b *Bitcoind) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	outputs, err := b.GetUnspent(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, o := range outputs {
		balance = balance.Add(o.Amount)
	}
	return balance, nil
}

func (b *Bitcoind) GetRawTx(ctx context.Context, txId string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txId)
	if err != nil {
		return nil, &InvalidTransactionError{TxId: txId}
	}

	tx, err := call(ctx, "getrawtransaction", func() (*btcutil.Tx, error) {
		return b.client.GetRawTransaction(hash)
	})
	if err != nil {
		if isUnknownTx(err) {
			return nil, &InvalidTransactionError{TxId: txId}
		}
		return nil, err
	}
	return tx.MsgTx(), nil
}

func (b *Bitcoind) SendRawTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	hash, err := call(ctx, "sendrawtransaction", func() (*chainhash.Hash, error) {
		return b.client.SendRawTransaction(tx, false)
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// GetTxFee prices a transaction from the node's fee estimate, falling back
// to the coin's default rate and never going below its minimum fee.
func (b *Bitcoind) GetTxFee(ctx context.Context, nIn, nOut int) (decimal.Decimal, error) {
	feePerKb := b.coin.DefaultFeePerKb

	res, err := call(ctx, "estimatesmartfee", func() (*btcjson.EstimateSmartFeeResult, error) {
		return b.client.EstimateSmartFee(feeConfirmTarget, nil)
	})
	switch {
	case err != nil && IsNetworkError(err):
		return decimal.Zero, err
	case err != nil:
		zap.L().Warn("Fee estimate unavailable, using default",
			zap.String("coin", b.coin.Symbol),
			zap.Error(err))
	case res.FeeRate != nil && *res.FeeRate > 0:
		feePerKb = decimal.NewFromFloat(*res.FeeRate)
	}

	if feePerKb.LessThanOrEqual(b.coin.MinFee) {
		feePerKb = b.coin.MinFee
	}
	return TxFee(feePerKb, nIn, nOut), nil
}

func (b *Bitcoind) getTransaction(ctx context.Context, txId string) (*btcjson.GetTransactionResult, error) {
	hash, err := chainhash.NewHashFromStr(txId)
	if err != nil {
		return nil, &InvalidTransactionError{TxId: txId}
	}
	return call(ctx, "gettransaction", func() (*btcjson.GetTransactionResult, error) {
		return b.client.GetTransaction(hash)
	})
}

func (b *Bitcoind) EstimateConfirmations(ctx context.Context, txId string) (int64, error) {
	info, err := b.getTransaction(ctx, txId)
	if err != nil {
		if isUnknownTx(err) {
			return 0, &InvalidTransactionError{TxId: txId}
		}
		return 0, err
	}
	if info.Confirmations >= 1 {
		return info.Confirmations, nil
	}

	for _, conflictId := range info.WalletConflicts {
		conflict, err := b.getTransaction(ctx, conflictId)
		if err != nil {
			if isUnknownTx(err) {
				// already evicted from the mempool
				continue
			}
			return 0, err
		}
		if conflict.Confirmations < 1 {
			continue
		}
		same, err := sameOutputs(info.Hex, conflict.Hex)
		if err != nil {
			return 0, err
		}
		if same {
			return 0, &TransactionModifiedError{TxId: txId, OtherTxId: conflictId}
		}
		return 0, &DoubleSpendError{TxId: txId, OtherTxId: conflictId}
	}

	if info.Confirmations < 0 {
		return 0, nil
	}
	return info.Confirmations, nil
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("unable to decode transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to deserialize transaction: %w", err)
	}
	return tx, nil
}

func sameOutputs(aHex, bHex string) (bool, error) {
	a, err := decodeTx(aHex)
	if err != nil {
		return false, err
	}
	b, err := decodeTx(bHex)
	if err != nil {
		return false, err
	}
	if len(a.TxOut) != len(b.TxOut) {
		return false, nil
	}
	for i := range a.TxOut {
		if a.TxOut[i].Value != b.TxOut[i].Value || !bytes.Equal(a.TxOut[i].PkScript, b.TxOut[i].PkScript) {
			return false, nil
		}
	}
	return true, nil
}

var _ Adapter = (*Bitcoind)(nil)
