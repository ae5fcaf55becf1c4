package main

import (
	"context"
	"flag"
	"fmt"

	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/formance"
	"pos-payments-go/internal/ledger"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalMerchants        int
	totalAccounts         int
	merchantsWithBalances int
}

type accountBalances struct {
	confirmed   decimal.Decimal
	unconfirmed decimal.Decimal
	available   decimal.Decimal
	mirrored    *decimal.Decimal
}

type reporter struct {
	st       store.Tx
	ledger   *ledger.Service
	mirror   *formance.Service
	registry *coins.Registry
	logger   *zap.Logger
}

func (r *reporter) accountBalances(ctx context.Context, account models.Account) (accountBalances, error) {
	var b accountBalances
	var err error
	if b.confirmed, err = r.ledger.AccountBalance(ctx, r.st, account.Id, models.BalanceFlags{}); err != nil {
		return b, err
	}
	if b.unconfirmed, err = r.ledger.AccountBalance(ctx, r.st, account.Id, models.BalanceFlags{IncludeUnconfirmed: true}); err != nil {
		return b, err
	}
	if b.available, err = r.ledger.AvailableBalance(ctx, r.st, account.Id); err != nil {
		return b, err
	}
	if r.mirror != nil && !account.IsInstantFiat {
		mirrored, err := r.mirror.AccountBalance(ctx, account.Currency, account.Id)
		if err != nil {
			r.logger.Warn("Failed to read mirrored balance",
				zap.String("account_id", account.Id),
				zap.Error(err))
		} else {
			b.mirrored = &mirrored
		}
	}
	return b, nil
}

func printAccount(account models.Account, b accountBalances, isLast bool) {
	kind := "wallet"
	if account.IsInstantFiat {
		kind = "instantfiat"
	}
	fmt.Printf("%s %-6s %-12s confirmed: %s  unconfirmed: %s  available: %s\n",
		common.BoxPrefix(isLast),
		account.Currency,
		kind,
		b.confirmed.StringFixed(8),
		b.unconfirmed.StringFixed(8),
		b.available.StringFixed(8))
	if b.mirrored != nil {
		marker := "in sync"
		if !b.mirrored.Equal(b.unconfirmed) {
			marker = "MISMATCH"
		}
		fmt.Printf("%s   formance: %s (%s)\n", common.BoxDetailPrefix(isLast), b.mirrored.StringFixed(8), marker)
	}
}

func printMerchantHeader(merchant common.MerchantInfo) {
	fmt.Printf("\n┌─ Merchant: %s (%s)\n", merchant.Name, merchant.Email)
	fmt.Printf("│  ID: %s\n", merchant.Id)
	fmt.Printf("│  Currency: %s\n", merchant.Currency)
	fmt.Printf("│  Accounts: %d\n", len(merchant.Accounts))
	common.PrintBoxSeparator(78)
}

func (r *reporter) processMerchants(ctx context.Context, merchants []common.MerchantInfo) balanceStats {
	stats := balanceStats{}

	for _, merchant := range merchants {
		stats.totalMerchants++
		if len(merchant.Accounts) == 0 {
			continue
		}

		printMerchantHeader(merchant)
		hasBalance := false
		for i, account := range merchant.Accounts {
			b, err := r.accountBalances(ctx, account)
			if err != nil {
				r.logger.Error("Failed to process account",
					zap.String("merchant_id", merchant.Id),
					zap.String("account_id", account.Id),
					zap.Error(err))
				continue
			}
			stats.totalAccounts++
			if !b.unconfirmed.IsZero() {
				hasBalance = true
			}
			printAccount(account, b, i == len(merchant.Accounts)-1)
		}
		if hasBalance {
			stats.merchantsWithBalances++
		}
	}

	return stats
}

func (r *reporter) printFees(ctx context.Context, symbols []string) {
	common.PrintHeader("FEE BALANCES", common.DefaultWidth)
	for i, symbol := range symbols {
		coin, err := r.registry.Get(symbol)
		if err != nil {
			r.logger.Error("Unknown coin", zap.String("coin", symbol), zap.Error(err))
			continue
		}
		fees, err := r.ledger.FeeBalance(ctx, r.st, coin.Bip44Type, models.BalanceFlags{IncludeUnconfirmed: true})
		if err != nil {
			r.logger.Error("Failed to get fee balance", zap.String("coin", symbol), zap.Error(err))
			continue
		}
		line := fmt.Sprintf("%s %-6s %s", common.BoxPrefix(i == len(symbols)-1), symbol, fees.StringFixed(8))
		if r.mirror != nil {
			if mirrored, err := r.mirror.FeeBalance(ctx, symbol); err == nil {
				line += fmt.Sprintf("  (formance: %s)", mirrored.StringFixed(8))
			}
		}
		fmt.Println(line)
	}
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by merchant contact email (optional)")
	compareFlag := flag.Bool("formance", false, "Compare with the balances mirrored to Formance")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("driver", cfg.Database.Driver))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	registry, err := common.LoadCoinRegistry(cfg.Wallet.CoinsFile)
	if err != nil {
		logger.Fatal("Failed to load coins", zap.Error(err))
	}

	r := &reporter{
		st:       dbService,
		ledger:   ledger.NewService(nil),
		registry: registry,
		logger:   logger,
	}
	if *compareFlag {
		if !cfg.Formance.Enabled() {
			logger.Fatal("Formance is not configured")
		}
		if r.mirror, err = formance.NewService(ctx, cfg.Formance); err != nil {
			logger.Fatal("Failed to initialize Formance", zap.Error(err))
		}
	}

	merchants, err := common.InitializeMerchants(ctx, dbService, *emailFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize merchants", zap.Error(err))
	}

	common.PrintHeader("MERCHANT BALANCE REPORT", common.DefaultWidth)
	stats := r.processMerchants(ctx, merchants)

	if *emailFlag == "" {
		r.printFees(ctx, cfg.Wallet.Coins)
	}

	summary := fmt.Sprintf("SUMMARY: %d merchants with balances (%d accounts across %d merchants queried)",
		stats.merchantsWithBalances, stats.totalAccounts, stats.totalMerchants)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("merchants_queried", stats.totalMerchants),
		zap.Int("merchants_with_balances", stats.merchantsWithBalances),
		zap.Int("total_accounts", stats.totalAccounts))
}
