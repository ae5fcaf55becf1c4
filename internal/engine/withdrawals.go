package engine

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/audit"
	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/rates"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateWithdrawalRequest is what a device sends to pay a customer out.
type CreateWithdrawalRequest struct {
	AccountId  string
	DeviceId   *string
	FiatAmount decimal.Decimal
}

// WithdrawalEngine drives withdrawals from quote to confirmation.
type WithdrawalEngine struct {
	*base
}

// Create quotes a payout and checks the account can cover it. The
// withdrawal is cancelled unless confirmed within the withdrawal timeout.
func (e *WithdrawalEngine) Create(ctx context.Context, req CreateWithdrawalRequest) (*models.Withdrawal, error) {
	if !req.FiatAmount.IsPositive() {
		return nil, fmt.Errorf("fiat amount %s: %w", req.FiatAmount.String(), ErrInvalidAmount)
	}
	account, merchant, err := e.accountAndMerchant(ctx, e.Store, req.AccountId)
	if err != nil {
		return nil, err
	}
	currency, symbol := e.pair(account, merchant)
	if limit := coins.MaxPayout(account, currency); limit.IsPositive() && req.FiatAmount.GreaterThan(limit) {
		return nil, fmt.Errorf("%s %s above %s: %w", req.FiatAmount.String(), currency, limit.String(), ErrMaxPayout)
	}
	coin, err := e.Coins.Get(symbol)
	if err != nil {
		return nil, err
	}

	rate, err := e.Rates.Rate(ctx, currency, symbol, rates.Withdrawal)
	if err != nil {
		return nil, err
	}
	coinAmount := rates.CoinAmount(req.FiatAmount, rate)
	if coinAmount.LessThan(coin.DustThreshold) {
		return nil, fmt.Errorf("withdrawal of %s %s is below %s: %w",
			coinAmount.String(), symbol, coin.DustThreshold.String(), wallet.ErrDustOutput)
	}

	wd := &models.Withdrawal{
		AccountId:             account.Id,
		DeviceId:              req.DeviceId,
		Currency:              currency,
		Coin:                  symbol,
		FiatAmount:            req.FiatAmount,
		CoinAmount:            coinAmount,
		TxFeeCoinAmount:       decimal.Zero,
		EffectiveExchangeRate: rate,
		Status:                models.WithdrawalNew,
		TimeCreated:           e.now(),
	}
	if !account.IsInstantFiat {
		wd.TxFeeCoinAmount = coin.MinFee
	}

	err = e.inTx(ctx, symbol, func(tx store.Tx, o *outbox) error {
		if _, err := tx.LockAccount(ctx, account.Id); err != nil {
			return err
		}
		if !account.IsInstantFiat {
			available, err := e.Ledger.AvailableBalance(ctx, tx, account.Id)
			if err != nil {
				return err
			}
			if need := coinAmount.Add(coin.MinFee); available.LessThan(need) {
				return fmt.Errorf("account %s holds %s %s, needs %s: %w",
					account.Id, available.String(), symbol, need.String(), wallet.ErrInsufficientFunds)
			}
		}
		var err error
		if wd.Uid, err = uniqueUid(ctx, withdrawalLookup(tx)); err != nil {
			return err
		}
		if err := tx.CreateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, wd.Uid, audit.EventTransition,
			"", wd.Status, fmt.Sprintf("fiat %s %s", wd.FiatAmount.String(), wd.Currency)))
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			zap.L().Warn("Withdrawal refused",
				zap.String("account_id", account.Id),
				zap.String("coin_amount", coinAmount.String()),
				zap.Error(err))
		}
		return nil, err
	}

	zap.L().Info("Withdrawal created",
		zap.String("uid", wd.Uid),
		zap.String("account_id", wd.AccountId),
		zap.String("coin", wd.Coin),
		zap.String("fiat_amount", wd.FiatAmount.String()),
		zap.String("coin_amount", wd.CoinAmount.String()),
		zap.String("exchange_rate", wd.EffectiveExchangeRate.String()))

	if err := e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:  TaskWithdrawalTimeout,
		Arg:   wd.Uid,
		Delay: e.cfg.Timeouts.Withdrawal,
	}); err != nil {
		return nil, err
	}
	return wd, nil
}

func (e *WithdrawalEngine) Get(ctx context.Context, uid string) (*models.Withdrawal, error) {
	return e.Store.GetWithdrawal(ctx, uid)
}

// checkAddress refuses foreign-network addresses and our own change
// addresses.
func (e *WithdrawalEngine) checkAddress(ctx context.Context, symbol, address string) error {
	adapter, err := e.Wallets.Adapter(symbol)
	if err != nil {
		return err
	}
	if !adapter.ValidateAddress(address) {
		return fmt.Errorf("%s address %s: %w", symbol, address, ErrInvalidAddress)
	}
	own, err := e.Store.FindAddress(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if own.IsChange {
		return fmt.Errorf("%s is a change address of this wallet: %w", address, ErrInvalidAddress)
	}
	return nil
}

// Confirm pays the withdrawal to the customer's address. The signed
// transaction and its inputs are stored as PREPARED before broadcast.
func (e *WithdrawalEngine) Confirm(ctx context.Context, uid, customerAddress string) (*models.Withdrawal, error) {
	wd, err := e.Store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	switch wd.Status {
	case models.WithdrawalNew:
	case models.WithdrawalPrepared:
		if wd.CustomerAddress != nil && *wd.CustomerAddress == customerAddress {
			return e.send(ctx, uid)
		}
		return nil, e.refuse(ctx, audit.OperationWithdrawal, uid, wd.Status, "confirm")
	default:
		return nil, e.refuse(ctx, audit.OperationWithdrawal, uid, wd.Status, "confirm")
	}
	if err := e.checkAddress(ctx, wd.Coin, customerAddress); err != nil {
		return nil, err
	}
	account, merchant, err := e.accountAndMerchant(ctx, e.Store, wd.AccountId)
	if err != nil {
		return nil, err
	}
	if account.IsInstantFiat {
		return e.transfer(ctx, uid, merchant, customerAddress)
	}

	w, err := e.Wallets.Wallet(ctx, wd.Coin)
	if err != nil {
		return nil, err
	}
	err = e.inTx(ctx, wd.Coin, func(tx store.Tx, o *outbox) error {
		if _, err := tx.LockAccount(ctx, account.Id); err != nil {
			return err
		}
		locked, err := tx.LockWithdrawal(ctx, uid)
		if err != nil {
			return err
		}
		wd = locked
		if wd.Status != models.WithdrawalNew {
			return ErrInvalidState
		}

		candidates, err := e.candidates(ctx, tx, w, account.Id, wd.Id)
		if err != nil {
			return err
		}
		inputs, shares, err := e.selectInputs(ctx, tx, w, candidates, wd.CoinAmount)
		if err != nil {
			return err
		}
		change, err := w.AllocateChangeAddress(ctx, tx)
		if err != nil {
			return err
		}
		signed, err := w.BuildSignedTx(ctx, inputs,
			[]wallet.Output{{Address: customerAddress, Amount: wd.CoinAmount}}, change)
		if err != nil {
			return err
		}
		if signed.Change.LessThan(shares.total) {
			return fmt.Errorf("change %s cannot carry fee share %s: %w",
				signed.Change.String(), shares.total.String(), wallet.ErrInsufficientFunds)
		}

		wd.CustomerAddress = stringPtr(customerAddress)
		wd.TxFeeCoinAmount = signed.Fee
		wd.SignedTx = stringPtr(signed.RawHex)
		wd.ReservedOutputs = signed.Outpoints()
		wd.Status = models.WithdrawalPrepared
		if signed.Change.IsPositive() {
			wd.ChangeAddressId = stringPtr(change.Id)
		}
		if err := e.debit(ctx, tx, o, wd, inputs, shares, change, signed.Change); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, audit.EventTransition,
			models.WithdrawalNew, wd.Status, fmt.Sprintf("tx %s, fee %s", signed.TxId, signed.Fee.String())))
	})
	if errors.Is(err, ErrInvalidState) {
		return nil, e.refuse(ctx, audit.OperationWithdrawal, uid, wd.Status, "confirm")
	}
	if err != nil {
		return nil, err
	}
	return e.send(ctx, uid)
}

// candidates lists the unspent outputs on the account's spendable addresses
// that no other withdrawal has reserved. Coins of deposits that are not
// confirmed stay where they are so the deposit can still be refunded.
func (e *WithdrawalEngine) candidates(ctx context.Context, tx store.Tx, w *wallet.Wallet, accountId, withdrawalId string) ([]wallet.Input, error) {
	reserved, err := tx.ListReservedOutpoints(ctx, withdrawalId)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(reserved))
	for _, outpoint := range reserved {
		skip[outpoint] = struct{}{}
	}

	addresses, err := tx.ListSpendableAddresses(ctx, accountId)
	if err != nil {
		return nil, err
	}
	var inputs []wallet.Input
	for i := range addresses {
		address := &addresses[i]
		outputs, err := w.Adapter().GetUnspent(ctx, address.Address)
		if err != nil {
			return nil, err
		}
		for _, out := range outputs {
			if _, ok := skip[out.Outpoint()]; ok {
				continue
			}
			inputs = append(inputs, wallet.Input{Output: out, Address: address})
		}
	}
	return inputs, nil
}

// feeShares is the part of the selected inputs owned by the fee account.
type feeShares struct {
	byAddress map[string]decimal.Decimal
	total     decimal.Decimal
}

// selectInputs picks inputs covering amount plus whatever fee-account coins
// they carry, which move to the change address untouched.
func (e *WithdrawalEngine) selectInputs(ctx context.Context, tx store.Tx, w *wallet.Wallet, candidates []wallet.Input, amount decimal.Decimal) ([]wallet.Input, feeShares, error) {
	target := amount
	for {
		inputs, _, err := w.SelectInputs(ctx, candidates, target)
		if err != nil {
			return nil, feeShares{}, err
		}
		shares, err := e.feeShares(ctx, tx, inputs)
		if err != nil {
			return nil, feeShares{}, err
		}
		need := amount
		if shares.total.IsPositive() {
			need = need.Add(shares.total).Add(w.Coin().DustThreshold)
		}
		if !need.GreaterThan(target) {
			return inputs, shares, nil
		}
		target = need
	}
}

var spendableFlags = models.BalanceFlags{IncludeUnconfirmed: true, IncludeOffchain: true}

func (e *WithdrawalEngine) feeShares(ctx context.Context, tx store.Tx, inputs []wallet.Input) (feeShares, error) {
	spent := make(map[string]decimal.Decimal)
	for _, in := range inputs {
		spent[in.Address.Id] = spent[in.Address.Id].Add(in.Output.Amount)
	}
	shares := feeShares{byAddress: make(map[string]decimal.Decimal), total: decimal.Zero}
	for addressId, amount := range spent {
		entries, err := tx.ListAddressEntries(ctx, addressId)
		if err != nil {
			return shares, err
		}
		fee := decimal.Zero
		for _, entry := range entries {
			if entry.AccountId == nil && spendableFlags.Includes(entry) {
				fee = fee.Add(entry.Amount)
			}
		}
		if !fee.IsPositive() {
			continue
		}
		share := decimal.Min(fee, amount)
		shares.byAddress[addressId] = share
		shares.total = shares.total.Add(share)
	}
	return shares, nil
}

// debit moves the spent inputs off their owners and puts the change back.
// Fee-account coins move to the change address, so the account entries add
// up to -(coin amount + fee) and the fee account nets to zero.
func (e *WithdrawalEngine) debit(ctx context.Context, tx store.Tx, o *outbox, wd *models.Withdrawal, inputs []wallet.Input, shares feeShares, change *models.Address, changeAmount decimal.Decimal) error {
	var order []string
	spent := make(map[string]decimal.Decimal)
	for _, in := range inputs {
		id := in.Address.Id
		if _, ok := spent[id]; !ok {
			order = append(order, id)
		}
		spent[id] = spent[id].Add(in.Output.Amount)
	}
	for _, id := range order {
		share := shares.byAddress[id]
		if own := spent[id].Sub(share); own.IsPositive() {
			if err := e.record(ctx, tx, o, models.BalanceChange{
				AccountId:    stringPtr(wd.AccountId),
				AddressId:    id,
				Amount:       own.Neg(),
				WithdrawalId: stringPtr(wd.Id),
			}); err != nil {
				return err
			}
		}
		if share.IsPositive() {
			if err := e.record(ctx, tx, o, models.BalanceChange{
				AddressId:    id,
				Amount:       share.Neg(),
				WithdrawalId: stringPtr(wd.Id),
			}); err != nil {
				return err
			}
		}
	}
	if shares.total.IsPositive() {
		if err := e.record(ctx, tx, o, models.BalanceChange{
			AddressId:    change.Id,
			Amount:       shares.total,
			WithdrawalId: stringPtr(wd.Id),
		}); err != nil {
			return err
		}
	}
	if own := changeAmount.Sub(shares.total); own.IsPositive() {
		return e.record(ctx, tx, o, models.BalanceChange{
			AccountId:    stringPtr(wd.AccountId),
			AddressId:    change.Id,
			Amount:       own,
			WithdrawalId: stringPtr(wd.Id),
		})
	}
	return nil
}

// send broadcasts a prepared withdrawal. A broadcast that fails for a
// transaction the node already holds counts as sent.
func (e *WithdrawalEngine) send(ctx context.Context, uid string) (*models.Withdrawal, error) {
	var wd *models.Withdrawal
	err := e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockWithdrawal(ctx, uid)
		if err != nil {
			return err
		}
		wd = locked
		if wd.Status != models.WithdrawalPrepared || wd.SignedTx == nil {
			return nil
		}
		w, err := e.Wallets.Wallet(ctx, wd.Coin)
		if err != nil {
			return err
		}
		raw, err := wallet.DecodeTx(*wd.SignedTx)
		if err != nil {
			return err
		}
		txId, err := w.Broadcast(ctx, raw)
		if err != nil {
			known := raw.TxHash().String()
			if _, getErr := w.Adapter().GetRawTx(ctx, known); getErr != nil {
				return err
			}
			zap.L().Warn("Broadcast failed for a transaction the node already holds",
				zap.String("uid", uid),
				zap.String("tx_id", known),
				zap.Error(err))
			txId = known
		}

		wd.OutgoingTxId = stringPtr(txId)
		wd.Status = models.WithdrawalSent
		wd.TimeSent = timePtr(e.now())
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, audit.EventTransition,
			models.WithdrawalPrepared, wd.Status, "tx "+txId))
	})
	if err != nil {
		return nil, err
	}
	if wd.Status != models.WithdrawalSent {
		return wd, nil
	}
	e.cancelTask(ctx, TaskWithdrawalTimeout, uid)
	return wd, e.scheduleCheck(ctx, wd)
}

// transfer pays an instantfiat withdrawal through the custodian.
func (e *WithdrawalEngine) transfer(ctx context.Context, uid string, merchant *models.Merchant, customerAddress string) (*models.Withdrawal, error) {
	provider, err := e.provider(merchant)
	if err != nil {
		return nil, err
	}

	var wd *models.Withdrawal
	err = e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockWithdrawal(ctx, uid)
		if err != nil {
			return err
		}
		wd = locked
		if wd.Status != models.WithdrawalNew {
			return ErrInvalidState
		}
		transfer, err := provider.Send(ctx, merchant, instantfiat.TransferRequest{
			Reference:  wd.Uid,
			Currency:   wd.Currency,
			FiatAmount: wd.FiatAmount,
			Coin:       wd.Coin,
			CoinAmount: wd.CoinAmount,
			Address:    customerAddress,
		})
		if err != nil {
			return fmt.Errorf("unable to send withdrawal %s: %w", uid, err)
		}

		wd.CustomerAddress = stringPtr(customerAddress)
		wd.InstantFiatTransferId = stringPtr(transfer.Id)
		wd.InstantFiatReference = stringPtr(transfer.Reference)
		wd.Status = models.WithdrawalSent
		wd.TimeSent = timePtr(e.now())
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, audit.EventTransition,
			models.WithdrawalNew, wd.Status, "instantfiat transfer "+transfer.Id))
	})
	if errors.Is(err, ErrInvalidState) {
		return nil, e.refuse(ctx, audit.OperationWithdrawal, uid, wd.Status, "confirm")
	}
	if err != nil {
		return nil, err
	}
	e.cancelTask(ctx, TaskWithdrawalTimeout, uid)
	return wd, e.scheduleCheck(ctx, wd)
}

func (e *WithdrawalEngine) provider(merchant *models.Merchant) (instantfiat.Provider, error) {
	provider, err := e.InstantFiat.ForMerchant(merchant)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("merchant %s has no instantfiat provider", merchant.Id)
	}
	return provider, nil
}

// Cancel stops a withdrawal that has not left the wallet. Ledger entries of
// a prepared withdrawal stop counting once it is cancelled. A prepared
// withdrawal whose transaction the node already holds is marked SENT and
// returned instead.
func (e *WithdrawalEngine) Cancel(ctx context.Context, uid string) (*models.Withdrawal, error) {
	current, err := e.Store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if current.Status == models.WithdrawalPrepared {
		held, err := e.heldByNode(ctx, current)
		if err != nil {
			return nil, err
		}
		if held {
			zap.L().Warn("Cancel requested for a withdrawal the node already holds",
				zap.String("uid", uid))
			return e.send(ctx, uid)
		}
	}

	wd, err := e.cancel(ctx, uid, audit.EventTransition, "cancelled by device")
	if errors.Is(err, ErrInvalidState) {
		return nil, e.refuse(ctx, audit.OperationWithdrawal, uid, wd.Status, "cancel")
	}
	return wd, err
}

func (e *WithdrawalEngine) cancel(ctx context.Context, uid, event, detail string) (*models.Withdrawal, error) {
	var wd *models.Withdrawal
	err := e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockWithdrawal(ctx, uid)
		if err != nil {
			return err
		}
		wd = locked
		if !wd.CanCancel() {
			return ErrInvalidState
		}
		from := wd.Status
		wd.Status = models.WithdrawalCancelled
		wd.TimeCancelled = timePtr(e.now())
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, event, from, wd.Status, detail))
	})
	if err != nil {
		return wd, err
	}
	e.cancelTask(ctx, TaskWithdrawalTimeout, uid)
	return wd, nil
}

// heldByNode reports whether the node knows the signed transaction of a
// prepared withdrawal. An error means the node could not tell.
func (e *WithdrawalEngine) heldByNode(ctx context.Context, wd *models.Withdrawal) (bool, error) {
	if wd.SignedTx == nil {
		return false, nil
	}
	w, err := e.Wallets.Wallet(ctx, wd.Coin)
	if err != nil {
		return false, err
	}
	raw, err := wallet.DecodeTx(*wd.SignedTx)
	if err != nil {
		return false, err
	}
	held, err := nodeHolds(ctx, w.Adapter(), raw.TxHash().String())
	if err != nil {
		return false, fmt.Errorf("unable to look up withdrawal %s transaction: %w", wd.Uid, err)
	}
	return held, nil
}

// CancelOnTimeout is the withdrawal timeout task body. A prepared
// withdrawal gets one more broadcast attempt before it is cancelled.
func (e *WithdrawalEngine) CancelOnTimeout(ctx context.Context, uid string) error {
	wd, err := e.Store.GetWithdrawal(ctx, uid)
	if err != nil {
		return err
	}
	switch wd.Status {
	case models.WithdrawalNew:
	case models.WithdrawalPrepared:
		sent, err := e.send(ctx, uid)
		if err == nil && sent.Status == models.WithdrawalSent {
			return nil
		}
		zap.L().Warn("Prepared withdrawal could not be sent before timeout",
			zap.String("uid", uid),
			zap.Error(err))
		held, err := e.heldByNode(ctx, wd)
		if err != nil {
			return err
		}
		if held {
			_, err := e.send(ctx, uid)
			return err
		}
	default:
		return nil
	}
	_, err = e.cancel(ctx, uid, audit.EventTimeout, "not confirmed in time")
	if errors.Is(err, ErrInvalidState) {
		return nil
	}
	return err
}

// CheckConfirmation is the withdrawal confirmation task body. A sent
// withdrawal is confirmed once its transaction is reliable, or once the
// custodian reports the transfer complete. Past the confidence timeout it
// is left in SENT for an operator.
func (e *WithdrawalEngine) CheckConfirmation(ctx context.Context, uid string) error {
	wd, err := e.Store.GetWithdrawal(ctx, uid)
	if err != nil {
		return err
	}
	if wd.Status != models.WithdrawalSent {
		e.cancelTask(ctx, TaskCheckWithdrawal, uid)
		return nil
	}
	_, merchant, err := e.accountAndMerchant(ctx, e.Store, wd.AccountId)
	if err != nil {
		return err
	}

	var (
		in       inspection
		reliable bool
		seen     bool
		failed   string
		obsErr   error
	)
	if wd.InstantFiatTransferId != nil {
		provider, err := e.provider(merchant)
		if err != nil {
			return err
		}
		done, err := provider.CheckTransfer(ctx, merchant, instantfiat.Transfer{
			Id:        *wd.InstantFiatTransferId,
			Reference: stringValue(wd.InstantFiatReference),
		}, *wd.TimeSent)
		switch {
		case errors.Is(err, instantfiat.ErrTransferFailed):
			failed = err.Error()
		case err != nil:
			obsErr = err
		default:
			reliable = done
		}
	} else {
		w, err := e.Wallets.Wallet(ctx, wd.Coin)
		if err != nil {
			return err
		}
		if in, err = inspectTxs(ctx, w.Adapter(), []string{stringValue(wd.OutgoingTxId)}); err != nil {
			return err
		}
		reliable, seen = in.confirmed, in.confirmed
		switch {
		case len(in.txIds) == 0:
			failed = "outgoing transaction dropped"
		case !reliable:
			ok, err := e.Observer.IsTxReliable(ctx, in.txIds[0], wd.Coin, e.threshold(merchant))
			if err != nil {
				obsErr = err
			} else {
				seen, reliable = true, ok
			}
		}
	}
	expired := e.now().After(wd.TimeSent.Add(e.cfg.Timeouts.WithdrawalConfidence))

	err = e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		locked, err := tx.LockWithdrawal(ctx, uid)
		if err != nil {
			return err
		}
		wd = locked
		if wd.Status != models.WithdrawalSent {
			return nil
		}
		if err := e.auditInspection(ctx, tx, o, audit.OperationWithdrawal, uid, wd.Status, in); err != nil {
			return err
		}
		if len(in.txIds) == 1 {
			wd.OutgoingTxId = stringPtr(in.txIds[0])
		}
		if seen && wd.TimeBroadcasted == nil {
			wd.TimeBroadcasted = timePtr(e.now())
		}

		var event, detail string
		switch {
		case reliable:
			wd.Status = models.WithdrawalConfirmed
			wd.TimeConfirmed = timePtr(e.now())
			event = audit.EventTransition
		case failed != "":
			event, detail = audit.EventAdminPending, failed
		case expired:
			event, detail = audit.EventAdminPending, "no reliable transaction before timeout"
		}
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		if event == "" {
			return nil
		}
		return e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, event,
			models.WithdrawalSent, wd.Status, detail))
	})
	if err != nil {
		return err
	}

	switch {
	case wd.Status == models.WithdrawalConfirmed:
		e.cancelTask(ctx, TaskCheckWithdrawal, uid)
		if wd.OutgoingTxId != nil {
			return e.scheduleWatch(ctx, wd)
		}
		return nil
	case wd.Status != models.WithdrawalSent, failed != "", expired:
		e.cancelTask(ctx, TaskCheckWithdrawal, uid)
		return nil
	}
	return obsErr
}

// WatchConfirmation waits for the first block confirmation of a confirmed
// withdrawal and raises conflicts for admin review.
func (e *WithdrawalEngine) WatchConfirmation(ctx context.Context, uid string) error {
	wd, err := e.Store.GetWithdrawal(ctx, uid)
	if err != nil {
		return err
	}
	if wd.Status != models.WithdrawalConfirmed || wd.OutgoingTxId == nil || wd.TimeConfirmed == nil {
		e.cancelTask(ctx, TaskWatchWithdrawal, uid)
		return nil
	}
	w, err := e.Wallets.Wallet(ctx, wd.Coin)
	if err != nil {
		return err
	}
	in, err := inspectTxs(ctx, w.Adapter(), []string{*wd.OutgoingTxId})
	if err != nil {
		return err
	}
	expired := !in.confirmed && e.now().After(wd.TimeConfirmed.Add(e.cfg.Timeouts.WithdrawalConfirmation))

	if len(in.events) > 0 || expired {
		err = e.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
			locked, err := tx.LockWithdrawal(ctx, uid)
			if err != nil {
				return err
			}
			wd = locked
			if err := e.auditInspection(ctx, tx, o, audit.OperationWithdrawal, uid, wd.Status, in); err != nil {
				return err
			}
			if expired {
				if err := e.audit(ctx, tx, o, audit.Entry(audit.OperationWithdrawal, uid, audit.EventAdminPending,
					wd.Status, wd.Status, "no block confirmation")); err != nil {
					return err
				}
			}
			if len(in.txIds) == 1 {
				wd.OutgoingTxId = stringPtr(in.txIds[0])
			}
			return tx.UpdateWithdrawal(ctx, wd)
		})
		if err != nil {
			return err
		}
	}

	if in.confirmed || expired || len(in.txIds) == 0 {
		e.cancelTask(ctx, TaskWatchWithdrawal, uid)
	}
	return nil
}

func (e *WithdrawalEngine) scheduleTimeout(ctx context.Context, wd *models.Withdrawal) error {
	delay := wd.TimeCreated.Add(e.cfg.Timeouts.Withdrawal).Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	return e.Scheduler.Schedule(ctx, scheduler.Spec{Name: TaskWithdrawalTimeout, Arg: wd.Uid, Delay: delay})
}

func (e *WithdrawalEngine) scheduleCheck(ctx context.Context, wd *models.Withdrawal) error {
	deadline := grace(wd.TimeSent.Add(e.cfg.Timeouts.WithdrawalConfidence), e.cfg.ConfidencePoll)
	return e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:     TaskCheckWithdrawal,
		Arg:      wd.Uid,
		Interval: e.cfg.ConfidencePoll,
		Deadline: e.later(deadline, e.cfg.ConfidencePoll),
	})
}

func (e *WithdrawalEngine) scheduleWatch(ctx context.Context, wd *models.Withdrawal) error {
	deadline := grace(wd.TimeConfirmed.Add(e.cfg.Timeouts.WithdrawalConfirmation), e.cfg.ConfidencePoll)
	return e.Scheduler.Schedule(ctx, scheduler.Spec{
		Name:     TaskWatchWithdrawal,
		Arg:      wd.Uid,
		Interval: e.cfg.ConfidencePoll,
		Deadline: e.later(deadline, e.cfg.ConfidencePoll),
	})
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
