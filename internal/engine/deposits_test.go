package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pos-payments-go/internal/audit"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/observation"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/wallet"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositHappyPath(t *testing.T) {
	f := setup(t)

	dep := f.createDeposit(t, f.account.Id, "10.00")
	assert.Equal(t, models.DepositNew, dep.Status)
	assert.Len(t, dep.Uid, uidLength)
	assert.True(t, dep.MerchantCoinAmount.Equal(d("0.0005")))
	assert.True(t, dep.FeeCoinAmount.IsZero())
	assert.True(t, f.node.ValidateAddress(dep.DepositAddress))
	assert.Contains(t, f.node.imported, dep.DepositAddress)
	assert.True(t, f.scheduler.isScheduled(TaskCheckPayment, dep.Uid))

	uri, err := f.engine.Deposits.PaymentURI(f.ctx, dep)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "bitcoin:"+dep.DepositAddress+"?amount=0.00050000"))
	assert.Contains(t, uri, "https://pos.example.com/api/v2/deposits/"+dep.Uid+"/payment_request")

	// nothing paid yet
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNew, dep.Status)

	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	f.advance(time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	assert.Equal(t, models.StringList{txId(1)}, dep.IncomingTxIds)
	require.NotNil(t, dep.TimeReceived)
	require.NotNil(t, dep.TimeNotified)
	assert.False(t, f.scheduler.isScheduled(TaskCheckPayment, dep.Uid))
	assert.True(t, f.scheduler.isScheduled(TaskCheckConfidence, dep.Uid))

	// not yet reliable
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)

	f.observer.set(txId(1), true)
	f.advance(time.Minute)
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
	assert.NotNil(t, dep.TimeConfirmed)
	assert.False(t, f.scheduler.isScheduled(TaskCheckConfidence, dep.Uid))
	assert.True(t, f.scheduler.isScheduled(TaskWatchDeposit, dep.Uid))

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].AccountId)
	assert.Equal(t, f.account.Id, *changes[0].AccountId)
	assert.True(t, changes[0].Amount.Equal(d("0.0005")))

	balance, err := f.engine.Ledger.AccountBalance(f.ctx, f.db, f.account.Id, models.BalanceFlags{})
	require.NoError(t, err)
	assert.True(t, balance.Equal(d("0.0005")))

	events := f.auditEvents(t, dep.Uid)
	assert.ElementsMatch(t, []string{"NEW", "RECEIVED", "NOTIFIED", "CONFIRMED"}, events[audit.EventTransition])

	// first block confirmation ends the watch
	f.node.confirmations[txId(1)] = 1
	require.NoError(t, f.engine.Deposits.WatchConfirmation(f.ctx, dep.Uid))
	assert.False(t, f.scheduler.isScheduled(TaskWatchDeposit, dep.Uid))
}

func TestDepositOverpay(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	f.node.pay(dep.DepositAddress, txId(1), "0.0006")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	assert.True(t, dep.MerchantCoinAmount.Equal(d("0.0006")))
	assert.True(t, dep.PaidCoinAmount.Equal(d("0.0006")))

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Amount.Equal(d("0.0006")))
}

func TestDepositTopUpAfterCredit(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	f.node.pay(dep.DepositAddress, txId(2), "0.0001")
	f.observer.set(txId(2), true)
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
	assert.True(t, dep.MerchantCoinAmount.Equal(d("0.0006")))
	assert.ElementsMatch(t, []string{txId(1), txId(2)}, []string(dep.IncomingTxIds))

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.True(t, sum(changes).Equal(d("0.0006")))
}

func TestCheckPaymentIsIdempotent(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	}
	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Len(t, f.auditEvents(t, dep.Uid)[audit.EventTransition], 3)
}

func TestDepositTimeout(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	f.advance(16 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	got, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositCancelled, got.Status)
	assert.NotNil(t, got.TimeCancelled)
	assert.Equal(t, []string{"CANCELLED"}, f.auditEvents(t, dep.Uid)[audit.EventTimeout])

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// the address stays allocated and is never handed out again
	address, err := f.db.FindAddress(f.ctx, dep.DepositAddress)
	require.NoError(t, err)
	assert.Equal(t, dep.DepositAddressId, address.Id)
	next := f.createDeposit(t, f.account.Id, "10.00")
	assert.NotEqual(t, dep.DepositAddress, next.DepositAddress)
}

func TestDepositPartialPaymentRefund(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0002")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNew, dep.Status)
	assert.True(t, dep.PaidCoinAmount.Equal(d("0.0002")))

	f.advance(16 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositTimeoutUnpaid, dep.Status)

	refundTo := externalAddress(t, 7)
	refunded, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	require.NoError(t, err)
	assert.Equal(t, models.DepositRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundTxId)
	assert.Equal(t, refundTo, *refunded.RefundAddress)
	assert.Equal(t, 1, f.node.sentCount())

	outputs, err := f.node.GetUnspent(f.ctx, refundTo)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Amount.Equal(d("0.00015")))

	_, err = f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRefundErrors(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	_, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, externalAddress(t, 7))
	var refundErr *RefundError
	assert.ErrorAs(t, err, &refundErr)

	f.node.pay(dep.DepositAddress, txId(1), "0.00006")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	_, err = f.engine.Deposits.Refund(f.ctx, dep.Uid, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	// the sweep would leave less than dust after the fee
	_, err = f.engine.Deposits.Refund(f.ctx, dep.Uid, externalAddress(t, 7))
	assert.ErrorAs(t, err, &refundErr)
}

func TestRefundRetryAfterLostBroadcast(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0002")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	f.advance(16 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	refundTo := externalAddress(t, 7)
	f.node.sendErr = &blockchain.NetworkError{Op: "sendrawtransaction", Err: errors.New("timeout")}
	_, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	assert.True(t, IsTransient(err))

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositTimeoutUnpaid, dep.Status)
	require.NotNil(t, dep.RefundTxId)
	pending := *dep.RefundTxId

	// the node relayed the sweep although the call failed
	f.node.known[pending] = wire.NewMsgTx(wire.TxVersion)
	f.node.clear(dep.DepositAddress)

	refunded, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	require.NoError(t, err)
	assert.Equal(t, models.DepositRefunded, refunded.Status)
	assert.Equal(t, pending, *refunded.RefundTxId)
	assert.Equal(t, refundTo, *refunded.RefundAddress)
	assert.Zero(t, f.node.sentCount())

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.True(t, sum(changes).IsZero())
	assert.Contains(t, f.auditEvents(t, dep.Uid)[audit.EventTransition], "REFUNDED")
}

func TestRefundRebuildsWhenBroadcastNeverArrived(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0002")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	f.advance(16 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	refundTo := externalAddress(t, 7)
	f.node.sendErr = &blockchain.NetworkError{Op: "sendrawtransaction", Err: errors.New("connection refused")}
	_, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	require.Error(t, err)

	f.node.sendErr = nil
	refunded, err := f.engine.Deposits.Refund(f.ctx, dep.Uid, refundTo)
	require.NoError(t, err)
	assert.Equal(t, models.DepositRefunded, refunded.Status)
	assert.Equal(t, 1, f.node.sentCount())
	assert.Equal(t, f.node.sent[0].TxHash().String(), *refunded.RefundTxId)
}

func TestDepositCancel(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	cancelled, err := f.engine.Deposits.Cancel(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositCancelled, cancelled.Status)
	assert.False(t, f.scheduler.isScheduled(TaskCheckPayment, dep.Uid))

	_, err = f.engine.Deposits.Cancel(f.ctx, dep.Uid)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, []string{"CANCELLED"}, f.auditEvents(t, dep.Uid)[audit.EventRefused])
}

func TestDepositLatePayment(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	_, err := f.engine.Deposits.Cancel(f.ctx, dep.Uid)
	require.NoError(t, err)

	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	assert.Equal(t, []string{"RECEIVED"}, f.auditEvents(t, dep.Uid)[audit.EventLatePayment])

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestCreateDepositErrors(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Deposits.Create(f.ctx, CreateDepositRequest{AccountId: f.account.Id, FiatAmount: d("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.engine.Deposits.Create(f.ctx, CreateDepositRequest{AccountId: f.account.Id, FiatAmount: d("0.01")})
	assert.ErrorIs(t, err, wallet.ErrDustOutput)

	_, err = f.engine.Deposits.Create(f.ctx, CreateDepositRequest{
		AccountId:     f.account.Id,
		FiatAmount:    d("10"),
		RefundAddress: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
	})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDepositsGetDistinctAddresses(t *testing.T) {
	f := setup(t)
	seen := map[string]bool{}
	uids := map[string]bool{}
	for i := 0; i < 5; i++ {
		dep := f.createDeposit(t, f.account.Id, "10")
		assert.False(t, seen[dep.DepositAddress])
		assert.False(t, uids[dep.Uid])
		seen[dep.DepositAddress] = true
		uids[dep.Uid] = true
	}
}

func TestDepositFee(t *testing.T) {
	f := setup(t)
	merchant := &models.Merchant{CompanyName: "Fee Shop", Currency: "GBP", FeeRate: d("0.02")}
	require.NoError(t, f.db.CreateMerchant(f.ctx, merchant))
	account := &models.Account{MerchantId: merchant.Id, Currency: "TBTC"}
	require.NoError(t, f.db.CreateAccount(f.ctx, account))

	dep := f.createDeposit(t, account.Id, "200")
	assert.True(t, dep.MerchantCoinAmount.Equal(d("0.01")))
	assert.True(t, dep.FeeCoinAmount.Equal(d("0.0002")))

	f.node.pay(dep.DepositAddress, txId(1), "0.0102")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	var fee, own int
	for _, bc := range changes {
		if bc.AccountId == nil {
			fee++
			assert.True(t, bc.Amount.Equal(d("0.0002")))
		} else {
			own++
			assert.True(t, bc.Amount.Equal(d("0.01")))
		}
	}
	assert.Equal(t, 1, fee)
	assert.Equal(t, 1, own)
}

// trustingSource is a confidence source that always answers.
type trustingSource struct{ name string }

func (s trustingSource) Name() string { return s.name }

func (s trustingSource) TxConfidence(context.Context, string, string) (decimal.Decimal, error) {
	return d("0.95"), nil
}

type failingSource struct{}

func (failingSource) Name() string { return "blockcypher" }

func (failingSource) TxConfidence(context.Context, string, string) (decimal.Decimal, error) {
	return d("0"), &observation.NetworkError{Source: "blockcypher", Err: errors.New("connection refused")}
}

func TestCheckConfidenceFallsBack(t *testing.T) {
	f := setup(t)
	f.engine.Observer = observation.NewServiceWithSources(nil, []observation.ConfidenceSource{
		failingSource{},
		trustingSource{name: "sochain"},
	})

	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
}

func TestCheckConfidenceObserverDown(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	f.observer.err = &observation.NetworkError{Source: "sochain", Err: errors.New("timeout")}
	err := f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid)
	assert.True(t, IsTransient(err))

	// a block confirmation does not need the observer
	f.node.confirmations[txId(1)] = 1
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
}

func TestCheckConfidenceTimeoutThenRefund(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	f.advance(31 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositUnconfirmed, dep.Status)
	assert.False(t, f.scheduler.isScheduled(TaskCheckConfidence, dep.Uid))

	_, err = f.engine.Deposits.Refund(f.ctx, dep.Uid, externalAddress(t, 7))
	require.NoError(t, err)

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.True(t, sum(changes).IsZero())
}

func TestDoubleSpendBeforeNotify(t *testing.T) {
	f := setup(t)
	account := f.instantFiatAccount(t)
	f.provider.invoiceErr = errors.New("custodian unavailable")

	dep := f.createDeposit(t, account.Id, "10.00")
	assert.Equal(t, "GBP", dep.Currency)
	assert.Equal(t, "TBTC", dep.Coin)

	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	err := f.engine.Deposits.CheckPayment(f.ctx, dep.Uid)
	assert.True(t, IsTransient(err))

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositReceived, dep.Status)

	// the payment vanishes before the device was told
	f.node.clear(dep.DepositAddress)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNew, dep.Status)
	assert.True(t, dep.PaidCoinAmount.IsZero())
	assert.Equal(t, []string{"NEW"}, f.auditEvents(t, dep.Uid)[audit.EventDoubleSpend])

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.True(t, sum(changes).IsZero())
}

func TestInstantFiatDeposit(t *testing.T) {
	f := setup(t)
	account := f.instantFiatAccount(t)

	dep := f.createDeposit(t, account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	require.NotNil(t, dep.InstantFiatInvoiceId)
	assert.Equal(t, "inv-"+dep.Uid, *dep.InstantFiatInvoiceId)
	require.Len(t, f.provider.invoices, 1)
	assert.Equal(t, dep.Uid, f.provider.invoices[0].Reference)

	// the custodian confirms before the observer does
	f.provider.invoicePaid = true
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
}

func TestInstantFiatConversionGivesUp(t *testing.T) {
	f := setup(t)
	account := f.instantFiatAccount(t)
	f.provider.invoiceErr = errors.New("custodian unavailable")

	dep := f.createDeposit(t, account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	assert.Error(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	f.advance(31 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	assert.True(t, dep.NeedsReconciliation)
	assert.Nil(t, dep.InstantFiatInvoiceId)
	assert.Len(t, f.auditEvents(t, dep.Uid)[audit.EventReconcile], 1)
}

func TestWatchRaisesConflicts(t *testing.T) {
	f := setup(t)
	dep := f.fund(t, f.account.Id, "10", 1)

	f.node.txErrs[txId(1)] = &blockchain.DoubleSpendError{TxId: txId(1), OtherTxId: txId(9)}
	require.NoError(t, f.engine.Deposits.WatchConfirmation(f.ctx, dep.Uid))

	assert.Len(t, f.auditEvents(t, dep.Uid)[audit.EventDoubleSpend], 1)
	assert.False(t, f.scheduler.isScheduled(TaskWatchDeposit, dep.Uid))
}

func TestPaymentRequest(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	raw, err := f.engine.Deposits.PaymentRequest(f.ctx, dep.Uid)
	require.NoError(t, err)
	req, err := payment.UnmarshalPaymentRequest(raw)
	require.NoError(t, err)
	details, err := payment.UnmarshalPaymentDetails(req.SerializedDetails)
	require.NoError(t, err)
	assert.Equal(t, "https://pos.example.com/api/v2/deposits/"+dep.Uid+"/payment_response", details.PaymentUrl)
	require.Len(t, details.Outputs, 1)
	assert.Equal(t, uint64(50000), details.Outputs[0].Amount)
}

func TestHandlePayment(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	refundTo := externalAddress(t, 7)

	pay := payTx(t, dep.DepositAddress, 50000)
	message := (&payment.Payment{
		Transactions: [][]byte{serializeTx(t, pay)},
		RefundTo:     []payment.Output{{Script: script(t, refundTo)}},
		Memo:         "order 42",
	}).Marshal()

	ack, err := f.engine.Deposits.HandlePayment(f.ctx, dep.Uid, message)
	require.NoError(t, err)
	assert.NotEmpty(t, ack)
	assert.Equal(t, 1, f.node.sentCount())

	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeBip70, dep.PaymentType)
	require.NotNil(t, dep.RefundAddress)
	assert.Equal(t, refundTo, *dep.RefundAddress)
	assert.Equal(t, models.DepositNotified, dep.Status)

	_, err = f.engine.Deposits.HandlePayment(f.ctx, dep.Uid, message)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Deposits.PaymentRequest(f.ctx, dep.Uid)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandlePaymentRejectsUnderpayment(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")

	message := (&payment.Payment{
		Transactions: [][]byte{serializeTx(t, payTx(t, dep.DepositAddress, 20000))},
	}).Marshal()
	_, err := f.engine.Deposits.HandlePayment(f.ctx, dep.Uid, message)
	assert.True(t, payment.IsInvalidPaymentMessage(err))
	assert.Zero(t, f.node.sentCount())

	_, err = f.engine.Deposits.HandlePayment(f.ctx, dep.Uid, []byte("garbage"))
	assert.True(t, payment.IsInvalidPaymentMessage(err))
}

func script(t *testing.T, address string) []byte {
	t.Helper()
	addr, err := btcutil.DecodeAddress(address, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return pkScript
}

func payTx(t *testing.T, address string, amount int64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script(t, address)))
	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func TestCheckConfidenceFollowsModifiedTx(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))

	// the payment was mined under a different id
	f.node.clear(dep.DepositAddress)
	f.node.pay(dep.DepositAddress, txId(9), "0.0005")
	f.node.txErrs[txId(1)] = &blockchain.TransactionModifiedError{TxId: txId(1), OtherTxId: txId(9)}

	f.advance(time.Second)
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositConfirmed, dep.Status)
	assert.Equal(t, []string{txId(9)}, []string(dep.IncomingTxIds))
	assert.Len(t, f.auditEvents(t, dep.Uid)[audit.EventTxModified], 1)
	assert.True(t, f.scheduler.isScheduled(TaskWatchDeposit, dep.Uid))
}

func TestDoubleSpendAfterNotifyKeepsCredit(t *testing.T) {
	f := setup(t)
	dep := f.createDeposit(t, f.account.Id, "10.00")
	f.node.pay(dep.DepositAddress, txId(1), "0.0005")
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	dep, err := f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	require.Equal(t, models.DepositNotified, dep.Status)

	f.node.clear(dep.DepositAddress)
	f.node.txErrs[txId(1)] = &blockchain.DoubleSpendError{TxId: txId(1), OtherTxId: txId(9)}

	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	require.NoError(t, f.engine.Deposits.CheckPayment(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositNotified, dep.Status)
	assert.True(t, dep.PaidCoinAmount.Equal(d("0.0005")))
	assert.Equal(t, []string{"NOTIFIED"}, f.auditEvents(t, dep.Uid)[audit.EventDoubleSpend])

	f.advance(31 * time.Minute)
	require.NoError(t, f.engine.Deposits.CheckConfidence(f.ctx, dep.Uid))
	dep, err = f.engine.Deposits.Get(f.ctx, dep.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.DepositUnconfirmed, dep.Status)

	changes, err := f.db.ListDepositBalanceChanges(f.ctx, dep.Id)
	require.NoError(t, err)
	assert.True(t, sum(changes).Equal(d("0.0005")), sum(changes).String())
}
