package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// RuntimeSettings are values operators may change without a restart.
type RuntimeSettings struct {
	TxConfidenceThreshold decimal.Decimal
	OurFeeShare           decimal.Decimal
	MerchantMarkup        decimal.Decimal
	PairFee               decimal.Decimal
}

type settingsFile struct {
	TxConfidenceThreshold *string `yaml:"tx_confidence_threshold"`
	OurFeeShare           *string `yaml:"our_fee_share"`
	MerchantMarkup        *string `yaml:"merchant_markup"`
	PairFee               *string `yaml:"pair_fee"`
}

// Settings holds an atomically swapped RuntimeSettings snapshot.
type Settings struct {
	current  atomic.Pointer[RuntimeSettings]
	defaults RuntimeSettings
	path     string
}

// NewSettings seeds the snapshot from the startup policy and, when a settings
// file is configured, applies it once.
func NewSettings(policy models.PolicyConfig) (*Settings, error) {
	s := &Settings{
		defaults: RuntimeSettings{
			TxConfidenceThreshold: policy.TxConfidenceThreshold,
			OurFeeShare:           policy.OurFeeShare,
			MerchantMarkup:        policy.MerchantMarkup,
			PairFee:               policy.PairFee,
		},
		path: policy.SettingsFile,
	}
	snapshot := s.defaults
	s.current.Store(&snapshot)
	if s.path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the current snapshot.
func (s *Settings) Get() RuntimeSettings {
	return *s.current.Load()
}

// Set replaces the snapshot.
func (s *Settings) Set(rs RuntimeSettings) {
	s.current.Store(&rs)
}

// Reload reads the settings file and swaps the snapshot.
func (s *Settings) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", s.path, err)
	}

	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unable to parse %s: %w", s.path, err)
	}

	next := s.defaults
	fields := []struct {
		raw *string
		dst *decimal.Decimal
		key string
	}{
		{file.TxConfidenceThreshold, &next.TxConfidenceThreshold, "tx_confidence_threshold"},
		{file.OurFeeShare, &next.OurFeeShare, "our_fee_share"},
		{file.MerchantMarkup, &next.MerchantMarkup, "merchant_markup"},
		{file.PairFee, &next.PairFee, "pair_fee"},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", f.key, s.path, err)
		}
		*f.dst = d
	}
	if next.TxConfidenceThreshold.IsNegative() || next.TxConfidenceThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tx_confidence_threshold must be within [0,1], got %s", next.TxConfidenceThreshold)
	}

	s.current.Store(&next)
	return nil
}

// Watch reloads the settings file every interval until ctx is done.
func (s *Settings) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				zap.L().Warn("Failed to reload runtime settings", zap.String("file", s.path), zap.Error(err))
			}
		}
	}
}
