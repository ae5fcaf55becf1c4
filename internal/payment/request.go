package payment

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

const AckMemo = "ack"

// InvalidPaymentMessageError reports a Payment message that cannot be
// accepted for a deposit.
type InvalidPaymentMessageError struct {
	Reason string
}

func (e *InvalidPaymentMessageError) Error() string {
	return "invalid payment message: " + e.Reason
}

// RequestOutput is one address and amount a payment request asks for.
type RequestOutput struct {
	Address string
	Amount  decimal.Decimal
}

// RequestParams describes a payment request for one deposit.
type RequestParams struct {
	Coin       models.Coin
	Params     *chaincfg.Params
	Outputs    []RequestOutput
	Created    time.Time
	Expires    time.Time
	PaymentUrl string
	Memo       string
}

// BuildPaymentRequest serializes a PaymentRequest, signed when signer is
// not nil.
func BuildPaymentRequest(p RequestParams, signer *Signer) ([]byte, error) {
	details := &PaymentDetails{
		Network:    p.Coin.Bip70Network(),
		Time:       uint64(p.Created.Unix()),
		PaymentUrl: p.PaymentUrl,
		Memo:       p.Memo,
	}
	if !p.Expires.IsZero() {
		details.Expires = uint64(p.Expires.Unix())
	}
	for _, o := range p.Outputs {
		script, err := outputScript(o.Address, p.Params)
		if err != nil {
			return nil, err
		}
		details.Outputs = append(details.Outputs, Output{
			Amount: uint64(blockchain.CoinToSatoshi(o.Amount)),
			Script: script,
		})
	}

	req := &PaymentRequest{DetailsVersion: 1, SerializedDetails: details.Marshal()}
	if signer != nil {
		if err := signer.Sign(req); err != nil {
			return nil, err
		}
	}
	return req.Marshal(), nil
}

func outputScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %s is for another network", address)
	}
	return txscript.PayToAddrScript(addr)
}

// ParsedPayment is a decoded Payment message.
type ParsedPayment struct {
	Transactions    []*wire.MsgTx
	RefundAddresses []string
	Memo            string
	Ack             []byte
}

// ParsePayment decodes a customer's Payment message and prepares the
// PaymentACK echoing it.
func ParsePayment(message []byte, params *chaincfg.Params) (*ParsedPayment, error) {
	payment, err := UnmarshalPayment(message)
	if err != nil {
		return nil, &InvalidPaymentMessageError{Reason: err.Error()}
	}
	if len(payment.Transactions) == 0 {
		return nil, &InvalidPaymentMessageError{Reason: "no transactions"}
	}

	parsed := &ParsedPayment{Memo: payment.Memo}
	for i, raw := range payment.Transactions {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, &InvalidPaymentMessageError{Reason: fmt.Sprintf("transaction %d: %v", i, err)}
		}
		parsed.Transactions = append(parsed.Transactions, tx)
	}
	for _, o := range payment.RefundTo {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(o.Script, params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		parsed.RefundAddresses = append(parsed.RefundAddresses, addrs[0].EncodeAddress())
	}

	parsed.Ack = (&PaymentACK{Payment: *payment, Memo: AckMemo}).Marshal()
	return parsed, nil
}

// PaidToAddress sums the outputs of txs paying to address.
func PaidToAddress(txs []*wire.MsgTx, address string, params *chaincfg.Params) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		for _, out := range tx.TxOut {
			_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
			if err != nil || len(addrs) != 1 {
				continue
			}
			if addrs[0].EncodeAddress() == address {
				total = total.Add(blockchain.SatoshiToCoin(out.Value))
			}
		}
	}
	return total
}

// ValidatePayment checks that txs pay at least expected to address.
func ValidatePayment(txs []*wire.MsgTx, address string, expected decimal.Decimal, params *chaincfg.Params) (decimal.Decimal, error) {
	paid := PaidToAddress(txs, address, params)
	if paid.IsZero() {
		return paid, &InvalidPaymentMessageError{Reason: "no output pays the deposit address"}
	}
	if paid.LessThan(expected) {
		return paid, &InvalidPaymentMessageError{
			Reason: fmt.Sprintf("paid %s, expected %s", paid.String(), expected.String()),
		}
	}
	return paid, nil
}

// IsInvalidPaymentMessage reports whether err is an InvalidPaymentMessageError.
func IsInvalidPaymentMessage(err error) bool {
	var target *InvalidPaymentMessageError
	return errors.As(err, &target)
}
