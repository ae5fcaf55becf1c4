package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type withdrawalRequest struct {
	email       string
	currency    string
	amount      decimal.Decimal
	destination string
}

func parseFlags(email, currency, amount, destination string) (withdrawalRequest, error) {
	req := withdrawalRequest{
		email:       strings.TrimSpace(email),
		currency:    strings.ToUpper(currency),
		destination: strings.TrimSpace(destination),
	}
	if req.email == "" || amount == "" || req.destination == "" {
		return req, fmt.Errorf("--email, --amount and --destination are required")
	}
	var err error
	if req.amount, err = decimal.NewFromString(amount); err != nil {
		return req, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !req.amount.IsPositive() {
		return req, fmt.Errorf("amount must be positive: %s", req.amount.String())
	}
	return req, nil
}

// selectAccount picks the merchant account to pay out from. With more than
// one account the currency flag must disambiguate.
func selectAccount(accounts []models.Account, currency string) (*models.Account, error) {
	var matches []models.Account
	for _, a := range accounts {
		if currency == "" || a.Currency == currency {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no account in %q", currency)
	case 1:
		return &matches[0], nil
	}
	return nil, fmt.Errorf("merchant has %d accounts, select one with --currency", len(matches))
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Merchant contact email (required)")
	currencyFlag := flag.String("currency", "", "Account currency when the merchant has several accounts")
	amountFlag := flag.String("amount", "", "Fiat amount to withdraw (required)")
	destinationFlag := flag.String("destination", "", "Destination address (required)")
	flag.Parse()

	req, err := parseFlags(*emailFlag, *currencyFlag, *amountFlag, *destinationFlag)
	if err != nil {
		flag.Usage()
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	merchants, err := common.InitializeMerchants(ctx, services.DbService, req.email, zap.L())
	if err != nil {
		fmt.Printf("Error: Merchant not found for email %s\n", req.email)
		zap.L().Fatal("Merchant not found", zap.String("email", req.email), zap.Error(err))
	}
	merchant := merchants[0]

	account, err := selectAccount(merchant.Accounts, req.currency)
	if err != nil {
		zap.L().Fatal("Invalid account", zap.Error(err))
	}

	available, err := services.Ledger.AvailableBalance(ctx, services.DbService, account.Id)
	if err != nil {
		zap.L().Fatal("Failed to get balance", zap.Error(err))
	}

	common.PrintHeader("WITHDRAWAL", common.DefaultWidth)
	common.PrintField("Merchant", fmt.Sprintf("%s (%s)", merchant.Name, merchant.Email))
	common.PrintField("Account", fmt.Sprintf("%s (%s)", account.Id, account.Currency))
	common.PrintField("Available", common.FormatCoin(available, account.Currency))
	common.PrintField("Amount", common.FormatFiat(req.amount, merchant.Currency))
	common.PrintField("Destination", req.destination)
	common.PrintSeparator("=", common.DefaultWidth)

	wd, err := services.Engine.Withdrawals.Create(ctx, engine.CreateWithdrawalRequest{
		AccountId:  account.Id,
		FiatAmount: req.amount,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			fmt.Printf("\nInsufficient funds for %s\n", common.FormatFiat(req.amount, merchant.Currency))
		}
		zap.L().Fatal("Failed to create withdrawal", zap.Error(err))
	}
	fmt.Printf("\nQuoted %s at rate %s, tx fee %s\n",
		common.FormatCoin(wd.CoinAmount, wd.Coin),
		wd.EffectiveExchangeRate.StringFixed(2),
		common.FormatCoin(wd.TxFeeCoinAmount, wd.Coin))

	uid := wd.Uid
	wd, err = services.Engine.Withdrawals.Confirm(ctx, uid, req.destination)
	if err != nil {
		if engine.IsTransient(err) {
			fmt.Printf("\nBroadcast failed, the processor retries withdrawal %s until it times out\n", uid)
		}
		zap.L().Fatal("Failed to send withdrawal", zap.Error(err))
	}

	fmt.Printf("\n✓ Withdrawal %s %s\n", wd.Uid, strings.ToLower(string(wd.Status)))
	if wd.OutgoingTxId != nil {
		common.PrintField("   Transaction", *wd.OutgoingTxId)
	}
	common.PrintField("   Amount", common.FormatCoin(wd.CoinAmount, wd.Coin))
	fmt.Printf("   The processor tracks confirmations from here\n\n")

	zap.L().Info("Withdrawal sent",
		zap.String("uid", wd.Uid),
		zap.String("account_id", account.Id),
		zap.String("status", string(wd.Status)))
}
