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
	"time"

	"pos-payments-go/internal/audit"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/ledger"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/observation"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/rates"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidState   = errors.New("operation is not in a valid state")
	ErrMaxPayout      = errors.New("amount exceeds maximum payout")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// RefundError means a deposit cannot be refunded; the caller has to settle
// it another way.
type RefundError struct {
	Uid    string
	Reason string
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("deposit %s cannot be refunded: %s", e.Uid, e.Reason)
}

// IsTransient reports whether err is worth retrying: unreachable nodes,
// observation services or custodians.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if blockchain.IsNetworkError(err) {
		return true
	}
	var obsErr *observation.NetworkError
	if errors.As(err, &obsErr) {
		return true
	}
	var fiatErr *instantfiat.Error
	if errors.As(err, &fiatErr) {
		return !errors.Is(err, instantfiat.ErrTransferFailed)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Scheduler is the part of the job runner the engines drive.
type Scheduler interface {
	Register(name string, h scheduler.Handler)
	Schedule(ctx context.Context, spec scheduler.Spec) error
	Cancel(ctx context.Context, name, arg string) error
}

// Observer decides whether an unconfirmed transaction is safe to accept.
type Observer interface {
	IsTxReliable(ctx context.Context, txId, coin string, threshold decimal.Decimal) (bool, error)
}

// RatePolicy quotes effective exchange rates.
type RatePolicy interface {
	Rate(ctx context.Context, currency, coin string, direction rates.Direction) (decimal.Decimal, error)
}

// Config holds the engine timings and payment request settings.
type Config struct {
	Timeouts        models.TimeoutConfig
	DepositPoll     time.Duration
	ConfidencePoll  time.Duration
	BaseUrl         string
	InstantFiatCoin string
	Memo            string
}

func NewConfig(cfg *models.Config) Config {
	return Config{
		Timeouts:        cfg.Timeouts,
		DepositPoll:     cfg.Scheduler.DepositPoll,
		ConfidencePoll:  cfg.Scheduler.ConfidencePoll,
		BaseUrl:         cfg.Server.BaseUrl,
		InstantFiatCoin: cfg.Policy.InstantFiatCoin,
		Memo:            cfg.Payment.Memo,
	}
}

// Deps are the collaborators shared by both engines. Signer may be nil,
// in which case payment requests go out unsigned.
type Deps struct {
	Store       store.Store
	Coins       *coins.Registry
	Wallets     *wallet.Manager
	Ledger      *ledger.Service
	Audit       *audit.Recorder
	Rates       RatePolicy
	Observer    Observer
	InstantFiat *instantfiat.Registry
	Settings    *config.Settings
	Scheduler   Scheduler
	Signer      *payment.Signer
}

type base struct {
	Deps
	cfg Config
	now func() time.Time
}

// Engine bundles the deposit and withdrawal state machines.
type Engine struct {
	*base
	Deposits    *DepositEngine
	Withdrawals *WithdrawalEngine
}

func New(deps Deps, cfg Config) *Engine {
	if deps.Audit == nil {
		deps.Audit = audit.NewRecorder(nil)
	}
	if deps.InstantFiat == nil {
		deps.InstantFiat = instantfiat.NewRegistry()
	}
	if cfg.DepositPoll <= 0 {
		cfg.DepositPoll = 5 * time.Second
	}
	if cfg.ConfidencePoll <= 0 {
		cfg.ConfidencePoll = 15 * time.Second
	}
	b := &base{Deps: deps, cfg: cfg, now: time.Now}
	return &Engine{
		base:        b,
		Deposits:    &DepositEngine{base: b},
		Withdrawals: &WithdrawalEngine{base: b},
	}
}

// SetClock replaces the time source of both engines.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// outbox collects what a transaction wrote so it can be published once the
// transaction commits.
type outbox struct {
	coin    string
	changes []models.BalanceChange
	audits  []models.AuditEntry
}

func (b *base) record(ctx context.Context, tx store.Tx, o *outbox, bc models.BalanceChange) error {
	bc.CreatedAt = b.now()
	if err := b.Ledger.Record(ctx, tx, &bc); err != nil {
		return err
	}
	o.changes = append(o.changes, bc)
	return nil
}

func (b *base) audit(ctx context.Context, tx store.Tx, o *outbox, e models.AuditEntry) error {
	e.CreatedAt = b.now()
	if err := b.Audit.Record(ctx, tx, &e); err != nil {
		return fmt.Errorf("unable to record audit entry: %w", err)
	}
	o.audits = append(o.audits, e)
	return nil
}

// inTx runs fn in a transaction and publishes its outbox after commit.
func (b *base) inTx(ctx context.Context, coin string, fn func(tx store.Tx, o *outbox) error) error {
	o := &outbox{coin: coin}
	if err := b.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(tx, o)
	}); err != nil {
		return err
	}
	b.Ledger.Publish(ctx, o.coin, o.changes)
	b.Audit.Publish(ctx, o.audits...)
	return nil
}

// refuse audits a transition that was not allowed and returns
// ErrInvalidState.
func (b *base) refuse(ctx context.Context, operationType, uid string, status any, action string) error {
	entry := audit.Entry(operationType, uid, audit.EventRefused, status, status, action)
	if err := b.inTx(ctx, "", func(tx store.Tx, o *outbox) error {
		return b.audit(ctx, tx, o, entry)
	}); err != nil {
		zap.L().Error("Failed to audit refused transition",
			zap.String("uid", uid),
			zap.String("action", action),
			zap.Error(err))
	}
	return fmt.Errorf("%s %s is %v, cannot %s: %w", operationType, uid, status, action, ErrInvalidState)
}

// pair resolves the fiat currency and coin an account trades. Instantfiat
// accounts hold fiat and receive the configured coin.
func (b *base) pair(account *models.Account, merchant *models.Merchant) (string, string) {
	if account.IsInstantFiat {
		return account.Currency, b.cfg.InstantFiatCoin
	}
	return merchant.Currency, account.Currency
}

func (b *base) accountAndMerchant(ctx context.Context, q store.Tx, accountId string) (*models.Account, *models.Merchant, error) {
	account, err := q.GetAccount(ctx, accountId)
	if err != nil {
		return nil, nil, err
	}
	merchant, err := q.GetMerchant(ctx, account.MerchantId)
	if err != nil {
		return nil, nil, err
	}
	return account, merchant, nil
}

func (b *base) threshold(merchant *models.Merchant) decimal.Decimal {
	return merchant.ConfidenceThreshold(b.Settings.Get().TxConfidenceThreshold)
}

// cancelTask stops a job; a failure only means the job runs once more and
// finds nothing to do.
func (b *base) cancelTask(ctx context.Context, name, uid string) {
	if err := b.Scheduler.Cancel(ctx, name, uid); err != nil {
		zap.L().Warn("Failed to cancel task",
			zap.String("task", name),
			zap.String("uid", uid),
			zap.Error(err))
	}
}

// grace lets a periodic job outlive the operation deadline by two polls so
// the task body itself observes the timeout.
func grace(deadline time.Time, poll time.Duration) time.Time {
	return deadline.Add(2 * poll)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}

// txCheck is what the node reports about one transaction: its confirmation
// count, the transaction that replaced it, or that it is gone.
type txCheck struct {
	confirmations int64
	replacedBy    string
	dropped       bool
	event         string
	detail        string
}

// checkTx maps node conflicts to a txCheck; any other error is returned.
func checkTx(ctx context.Context, adapter blockchain.Adapter, txId string) (txCheck, error) {
	n, err := adapter.EstimateConfirmations(ctx, txId)
	if err == nil {
		return txCheck{confirmations: n}, nil
	}

	var modified *blockchain.TransactionModifiedError
	var doubleSpend *blockchain.DoubleSpendError
	var invalid *blockchain.InvalidTransactionError
	switch {
	case errors.As(err, &modified):
		return txCheck{replacedBy: modified.OtherTxId, event: audit.EventTxModified, detail: err.Error()}, nil
	case errors.As(err, &doubleSpend):
		return txCheck{dropped: true, event: audit.EventDoubleSpend, detail: err.Error()}, nil
	case errors.As(err, &invalid):
		return txCheck{dropped: true, event: audit.EventInvalidTx, detail: err.Error()}, nil
	}
	return txCheck{}, err
}

// nodeHolds reports whether the node knows txId. Lookup failures other than
// an unknown transaction are returned.
func nodeHolds(ctx context.Context, adapter blockchain.Adapter, txId string) (bool, error) {
	_, err := adapter.GetRawTx(ctx, txId)
	var invalid *blockchain.InvalidTransactionError
	if errors.As(err, &invalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// later keeps a job deadline at least two polls ahead, so a job recovered
// after its operation deadline still runs once and applies the timeout.
func (b *base) later(deadline time.Time, poll time.Duration) time.Time {
	if floor := b.now().Add(2 * poll); deadline.Before(floor) {
		return floor
	}
	return deadline
}

// inspection is the node's view of a set of transactions.
type inspection struct {
	txIds     models.StringList
	confirmed bool
	problems  []string
	events    []string
}

func inspectTxs(ctx context.Context, adapter blockchain.Adapter, txIds []string) (inspection, error) {
	var result inspection
	var kept []string
	for _, txId := range txIds {
		check, err := checkTx(ctx, adapter, txId)
		if err != nil {
			return result, fmt.Errorf("unable to check transaction %s: %w", txId, err)
		}
		if check.event != "" {
			result.events = append(result.events, check.event)
			result.problems = append(result.problems, check.detail)
		}
		switch {
		case check.replacedBy != "":
			kept = append(kept, check.replacedBy)
			result.confirmed = true
		case check.dropped:
		default:
			kept = append(kept, txId)
			if check.confirmations >= 1 {
				result.confirmed = true
			}
		}
	}
	result.txIds = models.StringList(nil).Union(kept)
	return result, nil
}

// auditInspection records one audit entry per conflict the node reported.
func (b *base) auditInspection(ctx context.Context, tx store.Tx, o *outbox, operationType, uid string, status any, in inspection) error {
	for i, event := range in.events {
		if err := b.audit(ctx, tx, o, audit.Entry(operationType, uid, event,
			status, status, in.problems[i])); err != nil {
			return err
		}
	}
	return nil
}
