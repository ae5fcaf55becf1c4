package common

import (
	"fmt"
	"os"
	"path/filepath"

	"pos-payments-go/internal/coins"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type CoinConfig struct {
	Symbol          string `yaml:"symbol"`
	DustThreshold   string `yaml:"dust_threshold"`
	MinFee          string `yaml:"min_fee"`
	DefaultFeePerKb string `yaml:"default_fee_per_kb"`
}

type CoinsConfig struct {
	Coins []CoinConfig `yaml:"coins"`
}

func LoadCoinConfig(coinsFile string) ([]CoinConfig, error) {
	var coinsPath string
	if filepath.IsAbs(coinsFile) {
		coinsPath = coinsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		coinsPath = filepath.Join(wd, coinsFile)
	}

	data, err := os.ReadFile(coinsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", coinsFile, err)
	}

	var config CoinsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", coinsFile, err)
	}

	for i, coin := range config.Coins {
		if coin.Symbol == "" {
			return nil, fmt.Errorf("coin at index %d missing symbol", i)
		}
	}

	return config.Coins, nil
}

// LoadCoinRegistry returns the built-in registry with the file's fee policy
// applied. An empty file name keeps the defaults.
func LoadCoinRegistry(coinsFile string) (*coins.Registry, error) {
	registry := coins.NewRegistry()
	if coinsFile == "" {
		return registry, nil
	}

	configs, err := LoadCoinConfig(coinsFile)
	if err != nil {
		return nil, err
	}

	overrides := make([]coins.Override, 0, len(configs))
	for _, c := range configs {
		o := coins.Override{Symbol: c.Symbol}
		if o.DustThreshold, err = optionalDecimal(c.DustThreshold); err != nil {
			return nil, fmt.Errorf("coin %s dust_threshold: %w", c.Symbol, err)
		}
		if o.MinFee, err = optionalDecimal(c.MinFee); err != nil {
			return nil, fmt.Errorf("coin %s min_fee: %w", c.Symbol, err)
		}
		if o.DefaultFeePerKb, err = optionalDecimal(c.DefaultFeePerKb); err != nil {
			return nil, fmt.Errorf("coin %s default_fee_per_kb: %w", c.Symbol, err)
		}
		overrides = append(overrides, o)
	}

	if err := registry.Apply(overrides); err != nil {
		return nil, err
	}
	return registry, nil
}

func optionalDecimal(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
