/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pos-payments-go/internal/audit"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/rates"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateDepositRequest is what a device sends to start a sale.
type CreateDepositRequest struct {
	AccountId     string
	DeviceId      *string
	FiatAmount    decimal.Decimal
	PaymentType   models.PaymentType
	RefundAddress string
}

// DepositEngine drives deposits from creation to confirmation.
type DepositEngine struct {
	*base
}

// Create quotes the sale, allocates a fresh deposit address and starts
// polling it for the payment.
func (e *DepositEngine) Create(ctx context.Context, req CreateDepositRequest) (*models.Deposit, error) {
	if !req.FiatAmount.IsPositive() {
		return nil, fmt.Errorf("fiat amount %s: %w", req.FiatAmount.String(), ErrInvalidAmount)
	}
	paymentType := req.PaymentType
	if paymentType == "" {
		paymentType = models.PaymentTypeBip21
	}

	account, merchant, err := e.accountAndMerchant(ctx, e.Store, req.AccountId)
	if err != nil {
		return nil, err
	}
	currency, symbol := e.pair(account, merchant)
	w, err := e.Wallets.Wallet(ctx, symbol)
	if err != nil {
		return nil, err
	}
	coin := w.Coin()
	if req.RefundAddress != "" && !w.Adapter().ValidateAddress(req.RefundAddress) {
		return nil, fmt.Errorf("%s refund address %s: %w", symbol, req.RefundAddress, ErrInvalidAddress)
	}

	rate, err := e.Rates.Rate(ctx, currency, symbol, rates.Deposit)
	if err != nil {
		return nil, err
	}
	merchantCoin := rates.CoinAmount(req.FiatAmount, rate)
	fee := models.QuantizeCoin(merchantCoin.Mul(e.feeRate(merchant)))
	total := merchantCoin.Add(fee)
	if merchantCoin.LessThan(coin.DustThreshold) || total.LessThan(coin.DustThreshold) {
		return nil, fmt.Errorf("deposit of %s %s is below %s: %w",
			total.String(), symbol, coin.DustThreshold.String(), wallet.ErrDustOutput)
	}

	d := &models.Deposit{
		AccountId:             account.Id,
		DeviceId:              req.DeviceId,
		Currency:              currency,
		Coin:                  symbol,
		FiatAmount:            req.FiatAmount,
		MerchantCoinAmount:    merchantCoin,
		FeeCoinAmount:         fee,
		PaidCoinAmount:        decimal.Zero,
		EffectiveExchangeRate: rate,
		PaymentType:           paymentType,
		Status:                models.DepositNew,
		TimeCreated:           e.now(),
	}
	if req.RefundAddress != "" {
		d.RefundAddress = stringPtr(req.RefundAddress)
	}

	err = e.inTx(ctx, symbol, func(tx store.Tx, o *outbox) error {
		address, err := w.AllocateDepositAddress(ctx, tx)
		if err != nil {
			return err
		}
		if err := w.Adapter().ImportAddress(ctx, address.Address); err != nil {
			return fmt.Errorf("unable to import deposit address: %w", err)
		}
		if d.Uid, err = uniqueUid(ctx, depositLookup(tx)); err != nil {
			return err
		}
		d.DepositAddressId = address.Id
		d.DepositAddress = address.Address
		if err := tx.CreateDeposit(ctx, d); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, audit.EventTransition,
			"", d.Status, fmt.Sprintf("fiat %s %s", d.FiatAmount.String(), d.Currency)))
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit created",
		zap.String("uid", d.Uid),
		zap.String("account_id", d.AccountId),
		zap.String("coin", d.Coin),
		zap.String("address", d.DepositAddress),
		zap.String("fiat_amount", d.FiatAmount.String()),
		zap.String("merchant_coin_amount", d.MerchantCoinAmount.String()),
		zap.String("fee_coin_amount", d.FeeCoinAmount.String()),
		zap.String("exchange_rate", d.EffectiveExchangeRate.String()))

	if err := e.schedulePayment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *DepositEngine) feeRate(merchant *models.Merchant) decimal.Decimal {
	if merchant.FeeRate.IsPositive() {
		return merchant.FeeRate
	}
	return e.Settings.Get().OurFeeShare
}

func (e *DepositEngine) Get(ctx context.Context, uid string) (*models.Deposit, error) {
	return e.Store.GetDeposit(ctx, uid)
}

// PaymentURI returns the BIP21 URI shown to the customer.
func (e *DepositEngine) PaymentURI(ctx context.Context, d *models.Deposit) (string, error) {
	coin, err := e.Coins.Get(d.Coin)
	if err != nil {
		return "", err
	}
	_, merchant, err := e.accountAndMerchant(ctx, e.Store, d.AccountId)
	if err != nil {
		return "", err
	}
	var requestURLs []string
	if u := e.depositURL(d.Uid, "payment_request"); u != "" {
		requestURLs = append(requestURLs, u)
	}
	return payment.BuildURI(coin.UriPrefix, d.DepositAddress, d.TotalCoinAmount(), merchant.CompanyName, requestURLs...), nil
}

func (e *DepositEngine) depositURL(uid, action string) string {
	if e.cfg.BaseUrl == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v2/deposits/%s/%s", strings.TrimRight(e.cfg.BaseUrl, "/"), uid, action)
}

// PaymentRequestURL is where wallets fetch the BIP70 request, or "" when
// no base URL is configured.
func (e *DepositEngine) PaymentRequestURL(uid string) string {
	return e.depositURL(uid, "payment_request")
}

// PaymentRequest returns the serialized BIP70 PaymentRequest of a deposit
// still waiting for its payment.
func (e *DepositEngine) PaymentRequest(ctx context.Context, uid string) ([]byte, error) {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DepositNew {
		return nil, fmt.Errorf("deposit %s is %s: %w", uid, d.Status, ErrInvalidState)
	}
	coin, err := e.Coins.Get(d.Coin)
	if err != nil {
		return nil, err
	}
	params, err := e.Coins.Params(d.Coin)
	if err != nil {
		return nil, err
	}
	return payment.BuildPaymentRequest(payment.RequestParams{
		Coin:       coin,
		Params:     params,
		Outputs:    []payment.RequestOutput{{Address: d.DepositAddress, Amount: d.TotalCoinAmount()}},
		Created:    d.TimeCreated,
		Expires:    d.TimeCreated.Add(e.cfg.Timeouts.Deposit),
		PaymentUrl: e.depositURL(uid, "payment_response"),
		Memo:       e.cfg.Memo,
	}, e.Signer)
}

// HandlePayment accepts a BIP70 Payment message: it checks the enclosed
// transactions pay the deposit, broadcasts them and returns the
// PaymentACK.
func (e *DepositEngine) HandlePayment(ctx context.Context, uid string, message []byte) ([]byte, error) {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DepositNew {
		return nil, e.refuse(ctx, audit.OperationDeposit, uid, d.Status, "accept payment")
	}
	w, err := e.Wallets.Wallet(ctx, d.Coin)
	if err != nil {
		return nil, err
	}

	parsed, err := payment.ParsePayment(message, w.Params())
	if err != nil {
		return nil, err
	}
	expected := d.TotalCoinAmount().Sub(w.Coin().DustThreshold)
	if _, err := payment.ValidatePayment(parsed.Transactions, d.DepositAddress, expected, w.Params()); err != nil {
		return nil, err
	}
	for _, tx := range parsed.Transactions {
		if _, err := w.Broadcast(ctx, tx); err != nil {
			return nil, err
		}
	}

	err = e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		locked.PaymentType = models.PaymentTypeBip70
		if locked.RefundAddress == nil && len(parsed.RefundAddresses) > 0 {
			locked.RefundAddress = stringPtr(parsed.RefundAddresses[0])
		}
		return tx.UpdateDeposit(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Payment message accepted",
		zap.String("uid", uid),
		zap.Int("transactions", len(parsed.Transactions)),
		zap.String("memo", parsed.Memo))

	if err := e.CheckPayment(ctx, uid); err != nil {
		zap.L().Warn("Payment check after payment message failed",
			zap.String("uid", uid),
			zap.Error(err))
	}
	return parsed.Ack, nil
}

// Cancel stops a deposit still waiting for its payment. A partially paid
// deposit ends as TIMEOUT_UNPAID so it can be refunded.
func (e *DepositEngine) Cancel(ctx context.Context, uid string) (*models.Deposit, error) {
	var d *models.Deposit
	err := e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		d = locked
		if d.Status != models.DepositNew {
			return ErrInvalidState
		}
		d.Status = models.DepositCancelled
		if d.PaidCoinAmount.IsPositive() {
			d.Status = models.DepositTimeoutUnpaid
		}
		d.TimeCancelled = timePtr(e.now())
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, uid, audit.EventTransition,
			models.DepositNew, d.Status, "cancelled by device"))
	})
	if errors.Is(err, ErrInvalidState) {
		return nil, e.refuse(ctx, audit.OperationDeposit, uid, d.Status, "cancel")
	}
	if err != nil {
		return nil, err
	}
	e.cancelTask(ctx, TaskCheckPayment, uid)
	return d, nil
}

func sumUnspent(outputs []models.UnspentOutput) (decimal.Decimal, models.StringList) {
	total := decimal.Zero
	txIds := make([]string, 0, len(outputs))
	for _, o := range outputs {
		total = total.Add(o.Amount)
		txIds = append(txIds, o.TxId)
	}
	return total, models.StringList(nil).Union(txIds)
}

func sameTxIds(a, b models.StringList) bool {
	if len(a) != len(b) {
		return false
	}
	for _, txId := range a {
		if !b.Contains(txId) {
			return false
		}
	}
	return true
}

// isPaid applies the dust tolerance to the observed payment.
func isPaid(d *models.Deposit, paid decimal.Decimal, coin models.Coin) bool {
	return paid.IsPositive() && paid.GreaterThanOrEqual(d.TotalCoinAmount().Sub(coin.DustThreshold))
}

// CheckPayment is the check_payment task body. It credits the deposit once
// the address holds the expected amount, times it out otherwise, and hands
// a credited deposit over to the confidence check.
func (e *DepositEngine) CheckPayment(ctx context.Context, uid string) error {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return err
	}
	switch d.Status {
	case models.DepositNew, models.DepositReceived, models.DepositCancelled:
	default:
		e.cancelTask(ctx, TaskCheckPayment, uid)
		return nil
	}

	w, err := e.Wallets.Wallet(ctx, d.Coin)
	if err != nil {
		return err
	}
	coin := w.Coin()
	outputs, err := w.Adapter().GetUnspent(ctx, d.DepositAddress)
	if err != nil {
		return fmt.Errorf("unable to observe deposit %s: %w", uid, err)
	}
	paid, txIds := sumUnspent(outputs)

	done := false
	err = e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		d = locked

		switch d.Status {
		case models.DepositNew, models.DepositCancelled:
			if isPaid(d, paid, coin) {
				return e.credit(ctx, tx, o, d, paid, txIds, coin)
			}
			if d.Status == models.DepositCancelled {
				done = true
				return nil
			}
			if e.now().After(d.TimeCreated.Add(e.cfg.Timeouts.Deposit)) {
				done = true
				return e.expire(ctx, tx, o, d, paid, txIds)
			}
			if paid.Equal(d.PaidCoinAmount) && sameTxIds(txIds, d.IncomingTxIds) {
				return nil
			}
			d.PaidCoinAmount = paid
			d.IncomingTxIds = txIds
			return tx.UpdateDeposit(ctx, d)
		case models.DepositReceived:
			if !isPaid(d, paid, coin) {
				return e.revert(ctx, tx, o, d, paid, txIds)
			}
			d.IncomingTxIds = d.IncomingTxIds.Union(txIds)
			if err := e.topUp(ctx, tx, o, d, paid); err != nil {
				return err
			}
			return tx.UpdateDeposit(ctx, d)
		}
		done = true
		return nil
	})
	if err != nil {
		return err
	}

	if done {
		e.cancelTask(ctx, TaskCheckPayment, uid)
		return nil
	}
	if d.Status == models.DepositReceived {
		return e.notify(ctx, d)
	}
	return nil
}

// credit records the payment in the ledger and moves the deposit to
// RECEIVED. Overpayment beyond the dust tolerance goes to the merchant.
func (e *DepositEngine) credit(ctx context.Context, tx store.Tx, o *outbox, d *models.Deposit, paid decimal.Decimal, txIds models.StringList, coin models.Coin) error {
	from := d.Status
	d.PaidCoinAmount = paid
	d.IncomingTxIds = txIds
	if paid.GreaterThan(d.TotalCoinAmount().Add(coin.DustThreshold)) {
		d.MerchantCoinAmount = paid.Sub(d.FeeCoinAmount)
	}
	d.Status = models.DepositReceived
	if d.TimeReceived == nil {
		d.TimeReceived = timePtr(e.now())
	}

	if err := e.record(ctx, tx, o, models.BalanceChange{
		AccountId: stringPtr(d.AccountId),
		AddressId: d.DepositAddressId,
		Amount:    d.MerchantCoinAmount,
		DepositId: stringPtr(d.Id),
	}); err != nil {
		return err
	}
	if d.FeeCoinAmount.IsPositive() {
		if err := e.record(ctx, tx, o, models.BalanceChange{
			AddressId: d.DepositAddressId,
			Amount:    d.FeeCoinAmount,
			DepositId: stringPtr(d.Id),
		}); err != nil {
			return err
		}
	}
	if err := tx.UpdateDeposit(ctx, d); err != nil {
		return err
	}

	event := audit.EventTransition
	if from == models.DepositCancelled {
		event = audit.EventLatePayment
	}
	return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, event, from, d.Status,
		fmt.Sprintf("paid %s in %s", paid.String(), strings.Join(txIds, ","))))
}

// topUp credits coins that arrived after the deposit was credited. Credits
// only grow.
func (e *DepositEngine) topUp(ctx context.Context, tx store.Tx, o *outbox, d *models.Deposit, paid decimal.Decimal) error {
	if !paid.GreaterThan(d.PaidCoinAmount) {
		return nil
	}
	d.PaidCoinAmount = paid
	extra := paid.Sub(d.TotalCoinAmount())
	if !extra.IsPositive() {
		return nil
	}
	d.MerchantCoinAmount = d.MerchantCoinAmount.Add(extra)
	zap.L().Info("Deposit topped up",
		zap.String("uid", d.Uid),
		zap.String("extra", extra.String()),
		zap.String("paid", paid.String()))
	return e.record(ctx, tx, o, models.BalanceChange{
		AccountId: stringPtr(d.AccountId),
		AddressId: d.DepositAddressId,
		Amount:    extra,
		DepositId: stringPtr(d.Id),
	})
}

// expire ends an unpaid deposit at its deadline.
func (e *DepositEngine) expire(ctx context.Context, tx store.Tx, o *outbox, d *models.Deposit, paid decimal.Decimal, txIds models.StringList) error {
	from := d.Status
	d.PaidCoinAmount = paid
	d.IncomingTxIds = txIds
	d.Status = models.DepositCancelled
	if paid.IsPositive() {
		d.Status = models.DepositTimeoutUnpaid
	}
	d.TimeCancelled = timePtr(e.now())
	if err := tx.UpdateDeposit(ctx, d); err != nil {
		return err
	}
	return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, audit.EventTimeout, from, d.Status,
		fmt.Sprintf("paid %s of %s", paid.String(), d.TotalCoinAmount().String())))
}

// revert undoes the credit of a deposit whose payment vanished before the
// device was notified.
func (e *DepositEngine) revert(ctx context.Context, tx store.Tx, o *outbox, d *models.Deposit, paid decimal.Decimal, txIds models.StringList) error {
	if err := e.reverse(ctx, tx, o, d); err != nil {
		return err
	}
	from := d.Status
	d.Status = models.DepositNew
	d.PaidCoinAmount = paid
	d.IncomingTxIds = txIds
	d.MerchantCoinAmount = rates.CoinAmount(d.FiatAmount, d.EffectiveExchangeRate)
	if err := tx.UpdateDeposit(ctx, d); err != nil {
		return err
	}
	return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, audit.EventDoubleSpend, from, d.Status,
		fmt.Sprintf("paid dropped to %s", paid.String())))
}

// reverse records the inverse of every non-zero net entry of a deposit.
func (e *DepositEngine) reverse(ctx context.Context, tx store.Tx, o *outbox, d *models.Deposit) error {
	changes, err := tx.ListDepositBalanceChanges(ctx, d.Id)
	if err != nil {
		return err
	}

	type key struct {
		account string
		address string
	}
	var order []key
	accounts := make(map[key]*string)
	net := make(map[key]decimal.Decimal)
	for _, bc := range changes {
		k := key{address: bc.AddressId}
		if bc.AccountId != nil {
			k.account = *bc.AccountId
		}
		if _, ok := net[k]; !ok {
			order = append(order, k)
			accounts[k] = bc.AccountId
		}
		net[k] = net[k].Add(bc.Amount)
	}

	for _, k := range order {
		if net[k].IsZero() {
			continue
		}
		if err := e.record(ctx, tx, o, models.BalanceChange{
			AccountId: accounts[k],
			AddressId: k.address,
			Amount:    net[k].Neg(),
			DepositId: stringPtr(d.Id),
		}); err != nil {
			return err
		}
	}
	return nil
}

// notify converts an instantfiat deposit, tells the device the payment
// arrived and starts the confidence check.
func (e *DepositEngine) notify(ctx context.Context, d *models.Deposit) error {
	if err := e.convert(ctx, d); err != nil {
		return err
	}

	err := e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, d.Uid)
		if err != nil {
			return err
		}
		*d = *locked
		if d.Status != models.DepositReceived {
			return nil
		}
		d.Status = models.DepositNotified
		d.TimeNotified = timePtr(e.now())
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, audit.EventTransition,
			models.DepositReceived, d.Status, ""))
	})
	if err != nil {
		return err
	}
	if d.Status != models.DepositNotified {
		return nil
	}

	e.cancelTask(ctx, TaskCheckPayment, d.Uid)
	return e.scheduleConfidence(ctx, d)
}

// convert opens the custodian invoice of an instantfiat deposit. Failures
// are retried until the confidence deadline; past it the deposit is
// flagged for reconciliation and proceeds without conversion.
func (e *DepositEngine) convert(ctx context.Context, d *models.Deposit) error {
	if d.InstantFiatInvoiceId != nil || d.NeedsReconciliation {
		return nil
	}
	account, merchant, err := e.accountAndMerchant(ctx, e.Store, d.AccountId)
	if err != nil {
		return err
	}
	if !account.IsInstantFiat {
		return nil
	}

	var invoice *instantfiat.Invoice
	provider, err := e.InstantFiat.ForMerchant(merchant)
	if err == nil && provider == nil {
		err = fmt.Errorf("merchant %s has no instantfiat provider", merchant.Id)
	}
	if err == nil {
		invoice, err = provider.CreateInvoice(ctx, merchant, instantfiat.InvoiceRequest{
			Reference:  d.Uid,
			Currency:   d.Currency,
			FiatAmount: d.FiatAmount,
			Coin:       d.Coin,
			CoinAmount: d.MerchantCoinAmount,
		})
	}
	if err != nil && e.now().Before(d.TimeReceived.Add(e.cfg.Timeouts.DepositConfidence)) {
		return fmt.Errorf("unable to convert deposit %s: %w", d.Uid, err)
	}

	cause := err
	return e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, d.Uid)
		if err != nil {
			return err
		}
		*d = *locked
		if cause != nil {
			d.NeedsReconciliation = true
		} else {
			d.InstantFiatInvoiceId = stringPtr(invoice.Id)
		}
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		if cause != nil {
			return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, d.Uid, audit.EventReconcile,
				d.Status, d.Status, cause.Error()))
		}
		zap.L().Info("Instantfiat invoice created",
			zap.String("uid", d.Uid),
			zap.String("invoice_id", invoice.Id))
		return nil
	})
}

// CheckConfidence is the check_confidence task body. A notified deposit is
// confirmed once the node sees a block confirmation or an observation
// service rates one of its transactions above the merchant threshold.
func (e *DepositEngine) CheckConfidence(ctx context.Context, uid string) error {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return err
	}
	if d.Status != models.DepositNotified {
		e.cancelTask(ctx, TaskCheckConfidence, uid)
		return nil
	}
	w, err := e.Wallets.Wallet(ctx, d.Coin)
	if err != nil {
		return err
	}
	adapter := w.Adapter()
	_, merchant, err := e.accountAndMerchant(ctx, e.Store, d.AccountId)
	if err != nil {
		return err
	}

	outputs, err := adapter.GetUnspent(ctx, d.DepositAddress)
	if err != nil {
		return fmt.Errorf("unable to observe deposit %s: %w", uid, err)
	}
	paid, observed := sumUnspent(outputs)
	in, err := inspectTxs(ctx, adapter, d.IncomingTxIds.Union(observed))
	if err != nil {
		return err
	}

	reliable := in.confirmed
	var obsErr error
	if !reliable {
		threshold := e.threshold(merchant)
		for _, txId := range in.txIds {
			ok, err := e.Observer.IsTxReliable(ctx, txId, d.Coin, threshold)
			if err != nil {
				obsErr = err
				continue
			}
			if ok {
				reliable = true
				break
			}
		}
	}
	if !reliable && d.InstantFiatInvoiceId != nil {
		reliable = e.invoicePaid(ctx, merchant, d)
	}
	expired := e.now().After(d.TimeReceived.Add(e.cfg.Timeouts.DepositConfidence))

	err = e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		d = locked
		if d.Status != models.DepositNotified {
			return nil
		}
		if err := e.auditInspection(ctx, tx, o, audit.OperationDeposit, d.Uid, d.Status, in); err != nil {
			return err
		}
		if err := e.topUp(ctx, tx, o, d, paid); err != nil {
			return err
		}
		d.IncomingTxIds = in.txIds

		switch {
		case reliable:
			d.Status = models.DepositConfirmed
			d.TimeConfirmed = timePtr(e.now())
		case expired:
			d.Status = models.DepositUnconfirmed
		}
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		switch d.Status {
		case models.DepositConfirmed:
			return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, uid, audit.EventTransition,
				models.DepositNotified, d.Status, ""))
		case models.DepositUnconfirmed:
			return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, uid, audit.EventTimeout,
				models.DepositNotified, d.Status, "no reliable transaction"))
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch d.Status {
	case models.DepositConfirmed:
		e.cancelTask(ctx, TaskCheckConfidence, uid)
		return e.scheduleWatch(ctx, d)
	case models.DepositUnconfirmed:
		e.cancelTask(ctx, TaskCheckConfidence, uid)
		return nil
	}
	return obsErr
}

func (e *DepositEngine) invoicePaid(ctx context.Context, merchant *models.Merchant, d *models.Deposit) bool {
	provider, err := e.InstantFiat.ForMerchant(merchant)
	if err != nil || provider == nil {
		return false
	}
	paid, err := provider.IsInvoicePaid(ctx, merchant, *d.InstantFiatInvoiceId, *d.TimeReceived)
	if err != nil {
		zap.L().Warn("Failed to check instantfiat invoice",
			zap.String("uid", d.Uid),
			zap.String("invoice_id", *d.InstantFiatInvoiceId),
			zap.Error(err))
		return false
	}
	return paid
}

// WatchConfirmation is the confirmation watch of a confirmed deposit: it
// waits for the first block confirmation and raises conflicts for admin
// review.
func (e *DepositEngine) WatchConfirmation(ctx context.Context, uid string) error {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return err
	}
	if d.Status != models.DepositConfirmed || d.TimeConfirmed == nil {
		e.cancelTask(ctx, TaskWatchDeposit, uid)
		return nil
	}
	w, err := e.Wallets.Wallet(ctx, d.Coin)
	if err != nil {
		return err
	}
	in, err := inspectTxs(ctx, w.Adapter(), d.IncomingTxIds)
	if err != nil {
		return err
	}
	expired := !in.confirmed && e.now().After(d.TimeConfirmed.Add(e.cfg.Timeouts.DepositConfirmation))

	if len(in.events) > 0 || expired {
		err = e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
			locked, err := tx.LockDeposit(ctx, uid)
			if err != nil {
				return err
			}
			d = locked
			if err := e.auditInspection(ctx, tx, o, audit.OperationDeposit, d.Uid, d.Status, in); err != nil {
				return err
			}
			if expired {
				if err := e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, uid, audit.EventAdminPending,
					d.Status, d.Status, "no block confirmation")); err != nil {
					return err
				}
			}
			d.IncomingTxIds = in.txIds
			return tx.UpdateDeposit(ctx, d)
		})
		if err != nil {
			return err
		}
	}

	if in.confirmed || expired || len(in.txIds) == 0 {
		e.cancelTask(ctx, TaskWatchDeposit, uid)
	}
	return nil
}

// Refund sends what the deposit address holds back to the customer. The
// refund transaction id is stored before broadcast, so a retry after a
// broadcast that reached the node completes the refund without a new sweep.
func (e *DepositEngine) Refund(ctx context.Context, uid, refundAddress string) (*models.Deposit, error) {
	d, err := e.Store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !refundable(d.Status) {
		return nil, e.refuse(ctx, audit.OperationDeposit, uid, d.Status, "refund")
	}
	if !d.PaidCoinAmount.IsPositive() {
		return nil, &RefundError{Uid: uid, Reason: "nothing was paid"}
	}
	w, err := e.Wallets.Wallet(ctx, d.Coin)
	if err != nil {
		return nil, err
	}
	if !w.Adapter().ValidateAddress(refundAddress) {
		return nil, fmt.Errorf("%s refund address %s: %w", d.Coin, refundAddress, ErrInvalidAddress)
	}

	if d.RefundTxId != nil {
		held, err := nodeHolds(ctx, w.Adapter(), *d.RefundTxId)
		if err != nil {
			return nil, err
		}
		if held {
			zap.L().Warn("Completing refund already broadcast",
				zap.String("uid", uid),
				zap.String("tx_id", *d.RefundTxId))
			return e.completeRefund(ctx, d.Coin, uid, *d.RefundTxId, stringValue(d.RefundAddress), "refund tx "+*d.RefundTxId)
		}
	}

	outputs, err := w.Adapter().GetUnspent(ctx, d.DepositAddress)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, &RefundError{Uid: uid, Reason: "deposit address has no spendable outputs"}
	}
	address, err := e.Store.GetAddress(ctx, d.DepositAddressId)
	if err != nil {
		return nil, err
	}
	inputs := make([]wallet.Input, 0, len(outputs))
	for _, out := range outputs {
		inputs = append(inputs, wallet.Input{Output: out, Address: address})
	}
	signed, err := w.BuildSweepTx(ctx, inputs, refundAddress)
	if err != nil {
		if errors.Is(err, wallet.ErrDustOutput) || errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, &RefundError{Uid: uid, Reason: err.Error()}
		}
		return nil, err
	}
	txId := signed.Tx.TxHash().String()

	err = e.inTx(ctx, d.Coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		if !refundable(locked.Status) {
			return fmt.Errorf("deposit %s is %s: %w", uid, locked.Status, ErrInvalidState)
		}
		locked.RefundTxId = stringPtr(txId)
		locked.RefundAddress = stringPtr(refundAddress)
		return tx.UpdateDeposit(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	if _, err := w.Broadcast(ctx, signed.Tx); err != nil {
		held, heldErr := nodeHolds(ctx, w.Adapter(), txId)
		if heldErr != nil || !held {
			return nil, err
		}
		zap.L().Warn("Refund broadcast failed for a transaction the node already holds",
			zap.String("uid", uid),
			zap.String("tx_id", txId),
			zap.Error(err))
	}
	return e.completeRefund(ctx, d.Coin, uid, txId, refundAddress,
		fmt.Sprintf("refund tx %s, fee %s", txId, signed.Fee.String()))
}

// completeRefund reverses the deposit credit once the refund transaction
// is with the node.
func (e *DepositEngine) completeRefund(ctx context.Context, coin, uid, txId, refundAddress, detail string) (*models.Deposit, error) {
	var d *models.Deposit
	err := e.inTx(ctx, coin, func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockDeposit(ctx, uid)
		if err != nil {
			return err
		}
		d = locked
		if !refundable(d.Status) {
			return fmt.Errorf("deposit %s is %s: %w", uid, d.Status, ErrInvalidState)
		}
		if err := e.reverse(ctx, tx, o, d); err != nil {
			return err
		}
		from := d.Status
		d.Status = models.DepositRefunded
		d.RefundTxId = stringPtr(txId)
		d.RefundAddress = stringPtr(refundAddress)
		d.TimeRefunded = timePtr(e.now())
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationDeposit, uid, audit.EventTransition, from, d.Status, detail))
	})
	if err != nil {
		return nil, err
	}

	e.cancelTask(ctx, TaskCheckPayment, uid)
	e.cancelTask(ctx, TaskCheckConfidence, uid)
	return d, nil
}

func refundable(status models.DepositStatus) bool {
	switch status {
	case models.DepositNew, models.DepositTimeoutUnpaid, models.DepositUnconfirmed:
		return true
	}
	return false
}

func (e *DepositEngine) schedulePayment(ctx context.Context, d *models.Deposit) error {
	// received deposits keep polling until notified, which may take up
	// to the confidence timeout when a conversion is retried
	deadline := grace(d.TimeCreated.Add(e.cfg.Timeouts.Deposit+e.cfg.Timeouts.DepositConfidence), e.cfg.DepositPoll)
	return e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:     TaskCheckPayment,
		Arg:      d.Uid,
		Interval: e.cfg.DepositPoll,
		Deadline: e.later(deadline, e.cfg.DepositPoll),
	})
}

func (e *DepositEngine) scheduleConfidence(ctx context.Context, d *models.Deposit) error {
	deadline := grace(d.TimeReceived.Add(e.cfg.Timeouts.DepositConfidence), e.cfg.ConfidencePoll)
	return e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:     TaskCheckConfidence,
		Arg:      d.Uid,
		Interval: e.cfg.ConfidencePoll,
		Deadline: e.later(deadline, e.cfg.ConfidencePoll),
	})
}

func (e *DepositEngine) scheduleWatch(ctx context.Context, d *models.Deposit) error {
	deadline := grace(d.TimeConfirmed.Add(e.cfg.Timeouts.DepositConfirmation), e.cfg.ConfidencePoll)
	return e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:     TaskWatchDeposit,
		Arg:      d.Uid,
		Interval: e.cfg.ConfidencePoll,
		Deadline: e.later(deadline, e.cfg.ConfidencePoll),
	})
}
