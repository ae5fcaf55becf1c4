package config

import (
	"os"
	"path/filepath"
	"testing"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaultsWithoutFile(t *testing.T) {
	s, err := NewSettings(models.PolicyConfig{TxConfidenceThreshold: decimal.RequireFromString("0.9")})
	require.NoError(t, err)
	assert.True(t, s.Get().TxConfidenceThreshold.Equal(decimal.RequireFromString("0.9")))
}

func TestSettingsReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tx_confidence_threshold: \"0.95\"\npair_fee: \"0.01\"\n"), 0o600))

	s, err := NewSettings(models.PolicyConfig{
		SettingsFile:          path,
		TxConfidenceThreshold: decimal.RequireFromString("0.9"),
		MerchantMarkup:        decimal.RequireFromString("0.02"),
	})
	require.NoError(t, err)

	got := s.Get()
	assert.Equal(t, "0.95", got.TxConfidenceThreshold.String())
	assert.Equal(t, "0.01", got.PairFee.String())
	assert.Equal(t, "0.02", got.MerchantMarkup.String())

	require.NoError(t, os.WriteFile(path, []byte("tx_confidence_threshold: \"1.5\"\n"), 0o600))
	assert.Error(t, s.Reload())
	assert.Equal(t, "0.95", s.Get().TxConfidenceThreshold.String())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPOSIT_TIMEOUT", "")
	t.Setenv("WALLET_COINS", "BTC,TBTC")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "15m0s", cfg.Timeouts.Deposit.String())
	assert.Equal(t, "30m0s", cfg.Timeouts.DepositConfidence.String())
	assert.Equal(t, "5m0s", cfg.Timeouts.Withdrawal.String())
	assert.Equal(t, "45m0s", cfg.Timeouts.WithdrawalConfidence.String())
	assert.Equal(t, []string{"BTC", "TBTC"}, cfg.Wallet.Coins)
	assert.Contains(t, cfg.Nodes, "TBTC")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DEPOSIT_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}
