package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Input is an unspent output together with the wallet address owning it.
type Input struct {
	Output  models.UnspentOutput
	Address *models.Address
}

// Output pays Amount to Address.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	Tx     *wire.MsgTx
	TxId   string
	RawHex string
	Fee    decimal.Decimal
	// Change is zero when no change output was added.
	Change decimal.Decimal
}

// Outpoints lists the spent outputs as txid:vout.
func (s *SignedTx) Outpoints() []string {
	outpoints := make([]string, 0, len(s.Tx.TxIn))
	for _, in := range s.Tx.TxIn {
		outpoints = append(outpoints, models.OutpointString(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index))
	}
	return outpoints
}

// SortUnspent orders outputs by amount descending, then txid and vout, so
// selection is stable across replays.
func SortUnspent(outputs []models.UnspentOutput) {
	sort.SliceStable(outputs, func(i, j int) bool { return spendFirst(outputs[i], outputs[j]) })
}

func spendFirst(a, b models.UnspentOutput) bool {
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if a.TxId != b.TxId {
		return a.TxId < b.TxId
	}
	return a.Vout < b.Vout
}

// SelectInputs takes the largest candidates until they cover amount plus
// the fee of a transaction with a change output. It returns the selection
// and that fee.
func (w *Wallet) SelectInputs(ctx context.Context, candidates []Input, amount decimal.Decimal) ([]Input, decimal.Decimal, error) {
	sorted := make([]Input, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return spendFirst(sorted[i].Output, sorted[j].Output) })

	total := decimal.Zero
	for i, in := range sorted {
		total = total.Add(in.Output.Amount)
		fee, err := w.adapter.GetTxFee(ctx, i+1, 2)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("unable to estimate fee: %w", err)
		}
		if total.GreaterThanOrEqual(amount.Add(fee)) {
			return sorted[:i+1], fee, nil
		}
	}
	return nil, decimal.Zero, fmt.Errorf("need %s %s, have %s: %w",
		amount.String(), w.coin.Symbol, total.String(), ErrInsufficientFunds)
}

// BuildSignedTx spends inputs to outputs. Whatever remains after the fee goes
// to changeAddress when it reaches the dust threshold, otherwise it is added
// to the fee.
func (w *Wallet) BuildSignedTx(ctx context.Context, inputs []Input, outputs []Output, changeAddress *models.Address) (*SignedTx, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("transaction needs inputs and outputs")
	}
	for _, o := range outputs {
		if o.Amount.LessThan(w.coin.DustThreshold) {
			return nil, fmt.Errorf("output %s to %s: %w", o.Amount.String(), o.Address, ErrDustOutput)
		}
	}

	sumIn, sumOut := sumInputs(inputs), decimal.Zero
	for _, o := range outputs {
		sumOut = sumOut.Add(o.Amount)
	}

	nOut := len(outputs)
	if changeAddress != nil {
		nOut++
	}
	fee, err := w.adapter.GetTxFee(ctx, len(inputs), nOut)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate fee: %w", err)
	}

	change := sumIn.Sub(sumOut).Sub(fee)
	if change.IsNegative() {
		return nil, fmt.Errorf("inputs %s below outputs %s plus fee %s: %w",
			sumIn.String(), sumOut.String(), fee.String(), ErrInsufficientFunds)
	}
	if changeAddress != nil && change.GreaterThanOrEqual(w.coin.DustThreshold) {
		outputs = append(outputs, Output{Address: changeAddress.Address, Amount: change})
	} else {
		fee = fee.Add(change)
		change = decimal.Zero
	}

	return w.sign(inputs, outputs, fee, change)
}

// BuildSweepTx sends everything held by inputs, less the fee, to address.
func (w *Wallet) BuildSweepTx(ctx context.Context, inputs []Input, address string) (*SignedTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("nothing to sweep: %w", ErrInsufficientFunds)
	}
	fee, err := w.adapter.GetTxFee(ctx, len(inputs), 1)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate fee: %w", err)
	}
	amount := sumInputs(inputs).Sub(fee)
	if amount.LessThan(w.coin.DustThreshold) {
		return nil, fmt.Errorf("sweep amount %s: %w", amount.String(), ErrDustOutput)
	}
	return w.sign(inputs, []Output{{Address: address, Amount: amount}}, fee, decimal.Zero)
}

func sumInputs(inputs []Input) decimal.Decimal {
	total := decimal.Zero
	for _, in := range inputs {
		total = total.Add(in.Output.Amount)
	}
	return total
}

func (w *Wallet) payScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %s: %w", w.coin.Symbol, address, err)
	}
	if !addr.IsForNet(w.params) {
		return nil, fmt.Errorf("address %s is not a %s address", address, w.coin.Symbol)
	}
	return txscript.PayToAddrScript(addr)
}

func (w *Wallet) sign(inputs []Input, outputs []Output, fee, change decimal.Decimal) (*SignedTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevScripts := make([][]byte, len(inputs))

	for i, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.Output.TxId)
		if err != nil {
			return nil, fmt.Errorf("invalid input txid %s: %w", in.Output.TxId, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Output.Vout), nil, nil))

		if prevScripts[i], err = w.payScript(in.Address.Address); err != nil {
			return nil, err
		}
	}

	for _, o := range outputs {
		script, err := w.payScript(o.Address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(blockchain.CoinToSatoshi(o.Amount), script))
	}

	for i, in := range inputs {
		key, err := w.DerivePrivateKey(in.Address)
		if err != nil {
			return nil, err
		}
		sigScript, err := txscript.SignatureScript(tx, i, prevScripts[i], txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("unable to sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	for i, in := range inputs {
		amount := blockchain.CoinToSatoshi(in.Output.Amount)
		fetcher := txscript.NewCannedPrevOutputFetcher(prevScripts[i], amount)
		vm, err := txscript.NewEngine(prevScripts[i], tx, i, txscript.StandardVerifyFlags, nil, nil, amount, fetcher)
		if err != nil {
			return nil, fmt.Errorf("input %d: %v: %w", i, err, ErrBadSignature)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("input %d: %v: %w", i, err, ErrBadSignature)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize transaction: %w", err)
	}

	signed := &SignedTx{
		Tx:     tx,
		TxId:   tx.TxHash().String(),
		RawHex: hex.EncodeToString(buf.Bytes()),
		Fee:    fee,
		Change: change,
	}
	zap.L().Debug("Transaction signed",
		zap.String("coin", w.coin.Symbol),
		zap.String("tx_id", signed.TxId),
		zap.Int("inputs", len(inputs)),
		zap.Int("outputs", len(tx.TxOut)),
		zap.String("fee", fee.String()))
	return signed, nil
}

// DecodeTx parses a serialized transaction stored by BuildSignedTx.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("unable to decode transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to deserialize transaction: %w", err)
	}
	return tx, nil
}

// Broadcast submits a signed transaction to the node.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	txId, err := w.adapter.SendRawTx(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("unable to broadcast %s transaction: %w", w.coin.Symbol, err)
	}
	zap.L().Info("Transaction broadcast",
		zap.String("coin", w.coin.Symbol),
		zap.String("tx_id", txId))
	return txId, nil
}
