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
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strings"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/store"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	seedFlag := flag.String("seed", "", "Hex encoded wallet seed (random when empty)")
	flag.Parse()

	seed, err := walletSeed(*seedFlag)
	if err != nil {
		zap.L().Fatal("Invalid seed", zap.Error(err))
	}

	zap.L().Info("Loading configuration")
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	wallets, err := common.InitializeWallets(ctx, cfg, dbService)
	if err != nil {
		zap.L().Fatal("Failed to initialize wallets", zap.Error(err))
	}
	defer wallets.Close()

	common.PrintHeader("WALLET SETUP", common.DefaultWidth)
	fmt.Printf("Coins: %s\n\n", strings.Join(cfg.Wallet.Coins, ", "))

	var created, existing int
	var failed []string
	for _, symbol := range cfg.Wallet.Coins {
		key, err := wallets.Manager.CreateWalletKey(ctx, symbol, seed)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			fmt.Printf("✓ %s: wallet key already exists\n", symbol)
			existing++
		case err != nil:
			zap.L().Error("Failed to create wallet key",
				zap.String("coin", symbol),
				zap.Error(err))
			fmt.Printf("✗ %s: %v\n", symbol, err)
			failed = append(failed, symbol)
		default:
			fmt.Printf("✓ %s: created m/%s\n", symbol, key.Path)
			created++
		}
	}

	common.PrintHeader("SETUP SUMMARY", common.DefaultWidth)
	fmt.Printf("Created:  %d\n", created)
	fmt.Printf("Existing: %d\n", existing)
	fmt.Printf("Failed:   %d\n", len(failed))
	if len(failed) > 0 {
		fmt.Printf("Failed coins: %s\n", strings.Join(failed, ", "))
	}
	common.PrintSeparator("=", common.DefaultWidth)

	if created > 0 && *seedFlag == "" {
		fmt.Println("\nA random seed was generated. Back it up, it is the only way to recover the keys:")
		fmt.Println(hex.EncodeToString(seed))
	}

	if len(failed) > 0 {
		zap.L().Fatal("Wallet setup incomplete", zap.Strings("failed", failed))
	}
	zap.L().Info("Wallet setup completed",
		zap.Int("created", created),
		zap.Int("existing", existing))
}

func walletSeed(raw string) ([]byte, error) {
	if raw == "" {
		return hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("seed is not hex: %w", err)
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, hdkeychain.ErrInvalidSeedLen
	}
	return seed, nil
}
