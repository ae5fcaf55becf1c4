package main

import (
	"context"
	"flag"
	"fmt"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/ledger"
	"pos-payments-go/internal/models"

	"go.uber.org/zap"
)

type checkStats struct {
	coinsChecked int
	inconsistent []string
	addresses    int
}

func printReport(report *ledger.WalletReport) {
	status := "consistent"
	if !report.Consistent() {
		status = "INCONSISTENT"
	}
	fmt.Printf("\n┌─ %s: %s\n", report.Coin, status)
	fmt.Printf("│  Addresses: %d\n", report.Addresses)
	fmt.Printf("│  On chain:  %s\n", report.OnChain.StringFixed(8))
	fmt.Printf("│  Fees:      %s (drift %s)\n", report.Fee.StringFixed(8), report.FeeDrift().StringFixed(8))
	common.PrintBoxSeparator(78)

	for i, a := range report.Accounts {
		isLast := i == len(report.Accounts)-1 && len(report.Mismatches) == 0
		fmt.Printf("%s account %s: %s\n", common.BoxPrefix(isLast), common.ShortId(a.AccountId), common.FormatCoin(a.Balance, report.Coin))
	}
	for i, m := range report.Mismatches {
		fmt.Printf("%s MISMATCH %s ledger: %s node: %s\n",
			common.BoxPrefix(i == len(report.Mismatches)-1),
			m.Address,
			m.Ledger.StringFixed(8),
			m.OnChain.StringFixed(8))
	}
}

func checkWallets(ctx context.Context, dbService *database.Service, wallets *common.Wallets, symbols []string, logger *zap.Logger) checkStats {
	svc := ledger.NewService(nil)
	stats := checkStats{}

	for _, symbol := range symbols {
		coin, err := wallets.Coins.Get(symbol)
		if err != nil {
			logger.Error("Unknown coin", zap.String("coin", symbol), zap.Error(err))
			continue
		}
		node, ok := wallets.Nodes[symbol]
		if !ok {
			logger.Error("No node configured", zap.String("coin", symbol))
			continue
		}

		report, err := svc.CheckWallet(ctx, dbService, coin, node)
		if err != nil {
			logger.Error("Failed to check wallet",
				zap.String("coin", symbol),
				zap.Error(err))
			stats.inconsistent = append(stats.inconsistent, symbol)
			continue
		}

		stats.coinsChecked++
		stats.addresses += report.Addresses
		if !report.Consistent() {
			stats.inconsistent = append(stats.inconsistent, symbol)
		}
		printReport(report)
	}
	return stats
}

func listMerchantAddresses(ctx context.Context, dbService *database.Service, merchants []common.MerchantInfo, logger *zap.Logger) {
	svc := ledger.NewService(nil)
	for _, merchant := range merchants {
		fmt.Printf("\n┌─ Merchant: %s (%s)\n", merchant.Name, merchant.Email)
		common.PrintBoxSeparator(78)
		for _, account := range merchant.Accounts {
			addresses, err := dbService.ListAccountAddresses(ctx, account.Id)
			if err != nil {
				logger.Error("Failed to list addresses",
					zap.String("account_id", account.Id),
					zap.Error(err))
				continue
			}
			fmt.Printf("│  Account %s (%s): %d addresses\n", account.Id, account.Currency, len(addresses))
			for i, a := range addresses {
				balance, err := svc.AddressBalance(ctx, dbService, a.Id, models.BalanceFlags{IncludeUnconfirmed: true})
				if err != nil {
					logger.Error("Failed to get address balance",
						zap.String("address", a.Address),
						zap.Error(err))
					continue
				}
				fmt.Printf("%s %s  %s\n", common.BoxPrefix(i == len(addresses)-1), a.Address, balance.StringFixed(8))
			}
		}
	}
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "List the deposit addresses of a merchant instead of checking wallets")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	if *emailFlag != "" {
		merchants, err := common.InitializeMerchants(ctx, dbService, *emailFlag, logger)
		if err != nil {
			logger.Fatal("Failed to initialize merchants", zap.Error(err))
		}
		common.PrintHeader("MERCHANT ADDRESSES", common.DefaultWidth)
		listMerchantAddresses(ctx, dbService, merchants, logger)
		common.PrintSeparatorNewline("=", common.DefaultWidth)
		return
	}

	wallets, err := common.InitializeWallets(ctx, cfg, dbService)
	if err != nil {
		logger.Fatal("Failed to initialize wallets", zap.Error(err))
	}
	defer wallets.Close()

	common.PrintHeader("WALLET CONSISTENCY REPORT", common.DefaultWidth)
	stats := checkWallets(ctx, dbService, wallets, cfg.Wallet.Coins, logger)

	summary := fmt.Sprintf("SUMMARY: %d coins checked, %d addresses, %d inconsistent",
		stats.coinsChecked, stats.addresses, len(stats.inconsistent))
	common.PrintFooter(summary, common.DefaultWidth)

	if len(stats.inconsistent) > 0 {
		logger.Fatal("Wallets inconsistent with ledger", zap.Strings("coins", stats.inconsistent))
	}
	logger.Info("Wallet check completed",
		zap.Int("coins_checked", stats.coinsChecked),
		zap.Int("addresses", stats.addresses))
}
