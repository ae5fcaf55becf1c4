package rates

import (
	"context"
	"errors"
	"testing"

	"pos-payments-go/internal/config"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticQuoter struct {
	rate decimal.Decimal
	err  error
}

func (q staticQuoter) ExchangeRate(context.Context, string, string) (decimal.Decimal, error) {
	return q.rate, q.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEffectiveRate(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		markup    string
		fee       string
		direction Direction
		want      string
	}{
		{"deposit without markup", "20000", "0", "0", Deposit, "20000"},
		{"deposit with markup and fee", "20000", "0.01", "0.005", Deposit, "19701"},
		{"withdrawal without markup", "25000", "0", "0", Withdrawal, "25000"},
		{"withdrawal with markup", "25000", "0.25", "0", Withdrawal, "20000"},
		{"quantized", "3", "0", "0.5", Withdrawal, "2"},
		{"quantized to 8 places", "1", "0", "2", Withdrawal, "0.33333333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, err := EffectiveRate(d(tt.base), d(tt.markup), d(tt.fee), tt.direction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rate.String())
		})
	}
}

func TestEffectiveRateRejectsNonPositive(t *testing.T) {
	_, err := EffectiveRate(d("0"), d("0"), d("0"), Deposit)
	assert.True(t, errors.Is(err, ErrInvalidRate))

	_, err = EffectiveRate(d("20000"), d("1"), d("0"), Deposit)
	assert.True(t, errors.Is(err, ErrInvalidRate))
}

func TestPolicyUsesRuntimeSettings(t *testing.T) {
	settings, err := config.NewSettings(models.PolicyConfig{TxConfidenceThreshold: d("0.9")})
	require.NoError(t, err)
	policy := NewPolicy(staticQuoter{rate: d("20000")}, settings)

	rate, err := policy.Rate(context.Background(), "GBP", "BTC", Deposit)
	require.NoError(t, err)
	assert.Equal(t, "20000", rate.String())

	current := settings.Get()
	current.MerchantMarkup = d("0.1")
	settings.Set(current)

	rate, err = policy.Rate(context.Background(), "GBP", "BTC", Deposit)
	require.NoError(t, err)
	assert.Equal(t, "18000", rate.String())

	failing := NewPolicy(staticQuoter{err: errors.New("down")}, settings)
	_, err = failing.Rate(context.Background(), "GBP", "BTC", Deposit)
	assert.Error(t, err)
}

func TestCoinAmount(t *testing.T) {
	assert.Equal(t, "0.0005", CoinAmount(d("10.00"), d("20000")).String())
	assert.Equal(t, "0.0002", CoinAmount(d("5.00"), d("25000")).String())
	assert.Equal(t, "0.00033333", CoinAmount(d("10"), d("30000")).String())
}
