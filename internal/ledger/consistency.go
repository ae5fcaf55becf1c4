package ledger

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceReader is the part of a blockchain adapter the check needs.
type BalanceReader interface {
	GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

type AddressMismatch struct {
	Address string
	Ledger  decimal.Decimal
	OnChain decimal.Decimal
}

type AccountBalance struct {
	AccountId string
	Balance   decimal.Decimal
}

// WalletReport compares the ledger of one coin with the node.
type WalletReport struct {
	Coin       string
	Addresses  int
	OnChain    decimal.Decimal
	Accounts   []AccountBalance
	Fee        decimal.Decimal
	Mismatches []AddressMismatch
}

// Consistent reports whether every address matched and the fee account
// holds exactly what the merchant accounts do not.
func (r *WalletReport) Consistent() bool {
	return len(r.Mismatches) == 0 && r.FeeDrift().IsZero()
}

// FeeDrift is the fee balance minus what the wallet holds beyond merchant
// balances.
func (r *WalletReport) FeeDrift() decimal.Decimal {
	merchants := decimal.Zero
	for _, a := range r.Accounts {
		merchants = merchants.Add(a.Balance)
	}
	return r.Fee.Sub(r.OnChain.Sub(merchants))
}

// checkFlags match what a node reports with zero confirmations: unsent
// withdrawals are still on chain, broadcast ones are gone.
var checkFlags = models.BalanceFlags{IncludeUnconfirmed: true}

// CheckWallet compares every wallet address of coin with its ledger entries.
func (s *Service) CheckWallet(ctx context.Context, q store.Tx, coin models.Coin, node BalanceReader) (*WalletReport, error) {
	addresses, err := q.ListWalletAddresses(ctx, coin.Bip44Type)
	if err != nil {
		return nil, err
	}

	report := &WalletReport{Coin: coin.Symbol, Addresses: len(addresses), OnChain: decimal.Zero}
	for _, a := range addresses {
		onChain, err := node.GetAddressBalance(ctx, a.Address)
		if err != nil {
			return nil, fmt.Errorf("unable to get balance of %s: %w", a.Address, err)
		}
		recorded, err := s.AddressBalance(ctx, q, a.Id, checkFlags)
		if err != nil {
			return nil, err
		}
		report.OnChain = report.OnChain.Add(onChain)
		if !onChain.Equal(recorded) {
			report.Mismatches = append(report.Mismatches, AddressMismatch{Address: a.Address, Ledger: recorded, OnChain: onChain})
		}
	}

	accounts, err := q.ListAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		entries, err := q.ListAccountEntries(ctx, a.Id)
		if err != nil {
			return nil, err
		}
		// instantfiat accounts may hold entries of several coins
		balance := models.SumCoinEntries(entries, coin.Bip44Type, checkFlags)
		if balance.IsZero() && a.Currency != coin.Symbol {
			continue
		}
		report.Accounts = append(report.Accounts, AccountBalance{AccountId: a.Id, Balance: balance})
	}

	if report.Fee, err = s.FeeBalance(ctx, q, coin.Bip44Type, checkFlags); err != nil {
		return nil, err
	}

	if !report.Consistent() {
		zap.L().Warn("Wallet inconsistent with ledger",
			zap.String("coin", coin.Symbol),
			zap.Int("mismatches", len(report.Mismatches)),
			zap.String("fee_drift", report.FeeDrift().String()))
	}
	return report, nil
}
