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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	durations := map[string]struct {
		dst *time.Duration
		def time.Duration
	}{}
	var cfg models.Config

	register := func(key string, dst *time.Duration, def time.Duration) {
		durations[key] = struct {
			dst *time.Duration
			def time.Duration
		}{dst, def}
	}

	register("DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime, 5*time.Minute)
	register("DB_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime, 30*time.Second)
	register("DB_PING_TIMEOUT", &cfg.Database.PingTimeout, 5*time.Second)

	register("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout, 15*time.Second)
	register("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout, 30*time.Second)

	register("SCHEDULER_POLL_INTERVAL", &cfg.Scheduler.PollInterval, time.Second)
	register("SCHEDULER_LEASE_DURATION", &cfg.Scheduler.LeaseDuration, 2*time.Minute)
	register("SCHEDULER_TASK_TIMEOUT", &cfg.Scheduler.TaskTimeout, time.Minute)
	register("DEPOSIT_POLL_INTERVAL", &cfg.Scheduler.DepositPoll, 5*time.Second)
	register("CONFIDENCE_POLL_INTERVAL", &cfg.Scheduler.ConfidencePoll, 15*time.Second)
	register("SCHEDULER_INITIAL_BACKOFF", &cfg.Scheduler.InitialBackoff, 2*time.Second)
	register("SCHEDULER_MAX_BACKOFF", &cfg.Scheduler.MaxBackoff, time.Minute)
	register("SETTINGS_REFRESH_INTERVAL", &cfg.Scheduler.SettingsRefresh, 30*time.Second)

	register("DEPOSIT_TIMEOUT", &cfg.Timeouts.Deposit, 15*time.Minute)
	register("DEPOSIT_CONFIDENCE_TIMEOUT", &cfg.Timeouts.DepositConfidence, 30*time.Minute)
	register("DEPOSIT_CONFIRMATION_TIMEOUT", &cfg.Timeouts.DepositConfirmation, 180*time.Minute)
	register("WITHDRAWAL_TIMEOUT", &cfg.Timeouts.Withdrawal, 5*time.Minute)
	register("WITHDRAWAL_CONFIDENCE_TIMEOUT", &cfg.Timeouts.WithdrawalConfidence, 45*time.Minute)
	register("WITHDRAWAL_CONFIRMATION_TIMEOUT", &cfg.Timeouts.WithdrawalConfirmation, 180*time.Minute)
	register("EXTERNAL_REQUEST_TIMEOUT", &cfg.Timeouts.ExternalRequest, 10*time.Second)

	register("SERVICES_MAX_RETRY_ELAPSED", &cfg.Services.MaxRetryElapsed, 20*time.Second)

	for key, d := range durations {
		v, err := getEnvDuration(key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	cfg.Database.Driver = getEnvString("DB_DRIVER", "sqlite3")
	cfg.Database.Path = getEnvString("DATABASE_PATH", "payments.db")
	cfg.Database.Dsn = getEnvString("DATABASE_DSN", "")
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)

	cfg.Server.ListenAddr = getEnvString("SERVER_LISTEN_ADDR", ":8080")
	cfg.Server.BaseUrl = strings.TrimRight(getEnvString("SERVER_BASE_URL", "http://localhost:8080"), "/")

	cfg.Scheduler.Backend = getEnvString("SCHEDULER_BACKEND", "memory")
	cfg.Scheduler.Workers = getEnvInt("SCHEDULER_WORKERS", 4)

	cfg.Wallet.Coins = getEnvList("WALLET_COINS", []string{"BTC"})
	cfg.Wallet.CoinsFile = getEnvString("COINS_FILE", "")

	cfg.Nodes = make(map[string]models.NodeConfig)
	for _, symbol := range cfg.Wallet.Coins {
		cfg.Nodes[symbol] = models.NodeConfig{
			Host:       getEnvString(symbol+"_RPC_HOST", "localhost:8332"),
			User:       getEnvString(symbol+"_RPC_USER", ""),
			Password:   getEnvString(symbol+"_RPC_PASSWORD", ""),
			DisableTLS: getEnvBool(symbol+"_RPC_DISABLE_TLS", true),
		}
	}

	cfg.Services.CoinmarketcapUrl = getEnvString("COINMARKETCAP_URL", "https://api.coinmarketcap.com")
	cfg.Services.CoindeskUrl = getEnvString("COINDESK_URL", "https://api.coindesk.com")
	cfg.Services.BlockcypherUrl = getEnvString("BLOCKCYPHER_URL", "https://api.blockcypher.com")
	cfg.Services.BlockcypherToken = getEnvString("BLOCKCYPHER_TOKEN", "")
	cfg.Services.SochainUrl = getEnvString("SOCHAIN_URL", "https://chain.so")

	var err error
	cfg.Policy.SettingsFile = getEnvString("SETTINGS_FILE", "")
	cfg.Policy.InstantFiatCoin = getEnvString("INSTANTFIAT_COIN", "BTC")
	if cfg.Policy.TxConfidenceThreshold, err = getEnvDecimal("TX_CONFIDENCE_THRESHOLD", decimal.RequireFromString("0.9")); err != nil {
		return nil, err
	}
	if cfg.Policy.OurFeeShare, err = getEnvDecimal("OUR_FEE_SHARE", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.Policy.MerchantMarkup, err = getEnvDecimal("MERCHANT_MARKUP", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.Policy.PairFee, err = getEnvDecimal("PAIR_FEE", decimal.Zero); err != nil {
		return nil, err
	}

	cfg.InstantFiat = models.InstantFiatConfig{
		Provider:    getEnvString("INSTANTFIAT_PROVIDER", ""),
		AccessKey:   os.Getenv("PRIME_ACCESS_KEY"),
		Passphrase:  os.Getenv("PRIME_PASSPHRASE"),
		SigningKey:  os.Getenv("PRIME_SIGNING_KEY"),
		PortfolioId: os.Getenv("PRIME_PORTFOLIO_ID"),
		WalletId:    os.Getenv("PRIME_WALLET_ID"),
	}

	cfg.Formance = models.FormanceConfig{
		StackURL:     os.Getenv("FORMANCE_STACK_URL"),
		ClientID:     os.Getenv("FORMANCE_CLIENT_ID"),
		ClientSecret: os.Getenv("FORMANCE_CLIENT_SECRET"),
		LedgerName:   getEnvString("FORMANCE_LEDGER", "pos-payments"),
	}

	cfg.Redis = models.RedisConfig{
		Addr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		Prefix:   getEnvString("REDIS_PREFIX", "pos:jobs"),
	}

	cfg.Kafka = models.KafkaConfig{
		Brokers: getEnvList("KAFKA_BROKERS", nil),
		Topic:   getEnvString("KAFKA_AUDIT_TOPIC", "pos.audit"),
	}

	cfg.Payment = models.PaymentConfig{
		CertChainFile:  os.Getenv("BIP70_CERT_CHAIN"),
		PrivateKeyFile: os.Getenv("BIP70_PRIVATE_KEY"),
		Memo:           getEnvString("BIP70_MEMO", ""),
	}

	return &cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
