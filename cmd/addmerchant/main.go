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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"regexp"
	"strings"

	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

type merchantParams struct {
	company     string
	email       string
	currency    string
	coin        string
	feeRate     decimal.Decimal
	maxPayout   decimal.Decimal
	instantFiat bool
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("company name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("company name must be at least 2 characters")
	}
	return nil
}

func parseParams(company, email, currency, coin, feeRate, maxPayout string, instantFiat bool) (merchantParams, error) {
	p := merchantParams{
		company:     strings.TrimSpace(company),
		email:       strings.TrimSpace(email),
		currency:    strings.ToUpper(currency),
		coin:        strings.ToUpper(coin),
		instantFiat: instantFiat,
	}
	if err := validateName(p.company); err != nil {
		return p, err
	}
	if err := validateEmail(p.email); err != nil {
		return p, err
	}
	if _, err := coins.Fiat(p.currency); err != nil {
		return p, fmt.Errorf("%w (supported: %s)", err, strings.Join(coins.FiatCodes(), ", "))
	}

	var err error
	if p.feeRate, err = decimal.NewFromString(feeRate); err != nil {
		return p, fmt.Errorf("invalid fee rate %q: %w", feeRate, err)
	}
	if p.feeRate.IsNegative() || p.feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return p, fmt.Errorf("fee rate must be in [0, 1): %s", p.feeRate.String())
	}
	if p.maxPayout, err = decimal.NewFromString(maxPayout); err != nil {
		return p, fmt.Errorf("invalid max payout %q: %w", maxPayout, err)
	}
	if p.maxPayout.IsNegative() {
		return p, fmt.Errorf("max payout cannot be negative: %s", p.maxPayout.String())
	}
	return p, nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	companyFlag := flag.String("company", "", "Merchant company name (required)")
	emailFlag := flag.String("email", "", "Merchant contact email (required)")
	currencyFlag := flag.String("currency", "GBP", "Fiat currency prices are set in")
	coinFlag := flag.String("coin", "", "Coin of the wallet account (defaults to the first configured coin)")
	feeRateFlag := flag.String("fee-rate", "0", "Merchant fee rate, as a fraction of each payment")
	maxPayoutFlag := flag.String("max-payout", "0", "Account payout limit in fiat, 0 for the currency default")
	instantFiatFlag := flag.Bool("instantfiat", false, "Settle through the configured instantfiat provider")
	flag.Parse()

	if *companyFlag == "" || *emailFlag == "" {
		zap.L().Fatal("Both flags are required: --company and --email")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	coin := *coinFlag
	if coin == "" && len(cfg.Wallet.Coins) > 0 {
		coin = cfg.Wallet.Coins[0]
	}
	params, err := parseParams(*companyFlag, *emailFlag, *currencyFlag, coin, *feeRateFlag, *maxPayoutFlag, *instantFiatFlag)
	if err != nil {
		zap.L().Fatal("Invalid merchant", zap.Error(err))
	}
	if params.instantFiat && cfg.InstantFiat.Provider == "" {
		zap.L().Fatal("No instantfiat provider configured, set INSTANTFIAT_PROVIDER")
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	if !params.instantFiat {
		registry, err := common.LoadCoinRegistry(cfg.Wallet.CoinsFile)
		if err != nil {
			zap.L().Fatal("Failed to load coins", zap.Error(err))
		}
		if _, err := registry.Get(params.coin); err != nil {
			zap.L().Fatal("Invalid coin", zap.Error(err))
		}
	}

	zap.L().Info("Starting merchant creation",
		zap.String("company", params.company),
		zap.String("email", params.email),
		zap.String("currency", params.currency))

	merchant := &models.Merchant{
		CompanyName:  params.company,
		ContactEmail: params.email,
		Currency:     params.currency,
		FeeRate:      params.feeRate,
	}
	account := &models.Account{
		Currency:  params.coin,
		MaxPayout: params.maxPayout,
	}
	if params.instantFiat {
		provider := cfg.InstantFiat.Provider
		merchant.InstantFiatProvider = &provider
		account.Currency = params.currency
		account.IsInstantFiat = true
	}
	device := &models.Device{
		Key:            strings.ReplaceAll(uuid.New().String(), "-", ""),
		ActivationCode: strings.ToUpper(uuid.New().String()[:8]),
		Status:         models.DeviceActive,
	}

	err = dbService.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateMerchant(ctx, merchant); err != nil {
			return err
		}
		account.MerchantId = merchant.Id
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		device.MerchantId = merchant.Id
		device.AccountId = account.Id
		return tx.CreateDevice(ctx, device)
	})
	if errors.Is(err, store.ErrDuplicate) {
		zap.L().Fatal("Merchant already exists", zap.String("email", params.email), zap.Error(err))
	}
	if err != nil {
		zap.L().Fatal("Failed to create merchant", zap.Error(err))
	}

	common.PrintHeader("MERCHANT CREATED", common.DefaultWidth)
	common.PrintField("ID", merchant.Id)
	common.PrintField("Company", merchant.CompanyName)
	common.PrintField("Email", merchant.ContactEmail)
	common.PrintField("Currency", merchant.Currency)
	common.PrintField("Fee rate", merchant.FeeRate.String())
	common.PrintBoxSeparator(40)
	common.PrintField("Account", account.Id)
	common.PrintField("  Currency", account.Currency)
	common.PrintField("  Instantfiat", fmt.Sprintf("%t", account.IsInstantFiat))
	common.PrintBoxSeparator(40)
	common.PrintField("Device key", device.Key)
	common.PrintField("Activation code", device.ActivationCode)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("Merchant created successfully",
		zap.String("merchant_id", merchant.Id),
		zap.String("account_id", account.Id),
		zap.String("device_id", device.Id))
}
