package blockchain

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// Adapter is the node-side view of one coin's blockchain.
type Adapter interface {
	ValidateAddress(address string) bool
	// ImportAddress registers a watch-only address without rescanning.
	ImportAddress(ctx context.Context, address string) error
	GetUnspent(ctx context.Context, address string) ([]models.UnspentOutput, error)
	GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetRawTx(ctx context.Context, txId string) (*wire.MsgTx, error)
	SendRawTx(ctx context.Context, tx *wire.MsgTx) (string, error)
	GetTxFee(ctx context.Context, nIn, nOut int) (decimal.Decimal, error)
	// EstimateConfirmations returns the confirmation count of a wallet
	// transaction. It fails with DoubleSpendError or TransactionModifiedError
	// when a conflicting transaction got confirmed instead.
	EstimateConfirmations(ctx context.Context, txId string) (int64, error)
}

// NetworkError reports an unreachable node.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidTransactionError reports a transaction the node does not know or
// cannot decode.
type InvalidTransactionError struct {
	TxId string
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("invalid transaction %s", e.TxId)
}

// DoubleSpendError reports that OtherTxId spent the same inputs with
// different outputs.
type DoubleSpendError struct {
	TxId      string
	OtherTxId string
}

func (e *DoubleSpendError) Error() string {
	return fmt.Sprintf("transaction %s double spent by %s", e.TxId, e.OtherTxId)
}

// TransactionModifiedError reports a malleated copy of the transaction,
// with identical outputs, confirmed as OtherTxId.
type TransactionModifiedError struct {
	TxId      string
	OtherTxId string
}

func (e *TransactionModifiedError) Error() string {
	return fmt.Sprintf("transaction %s replaced by %s", e.TxId, e.OtherTxId)
}

// IsNetworkError reports whether err was caused by an unreachable node.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

const (
	txInputSize    = 148
	txOutputSize   = 34
	txOverheadSize = 10
)

// TxFee returns the fee of a pay-to-pubkey-hash transaction with nIn inputs
// and nOut outputs at the given rate.
func TxFee(feePerKb decimal.Decimal, nIn, nOut int) decimal.Decimal {
	size := nIn*txInputSize + nOut*txOutputSize + txOverheadSize + nIn
	return models.QuantizeCoin(feePerKb.Div(decimal.NewFromInt(1024)).Mul(decimal.NewFromInt(int64(size))))
}

// CoinToSatoshi converts a coin amount to the smallest unit.
func CoinToSatoshi(amount decimal.Decimal) int64 {
	return amount.Shift(models.CoinDecimalPlaces).Round(0).IntPart()
}

// SatoshiToCoin converts the smallest unit to a coin amount.
func SatoshiToCoin(value int64) decimal.Decimal {
	return decimal.New(value, -models.CoinDecimalPlaces)
}
