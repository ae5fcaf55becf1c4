package rates

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/config"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

var ErrInvalidRate = errors.New("invalid exchange rate")

// Quoter returns the market price of one coin in a fiat currency.
type Quoter interface {
	ExchangeRate(ctx context.Context, currency, coin string) (decimal.Decimal, error)
}

type Direction int

const (
	Deposit Direction = iota
	Withdrawal
)

func (d Direction) String() string {
	if d == Withdrawal {
		return "withdrawal"
	}
	return "deposit"
}

var one = decimal.NewFromInt(1)

// EffectiveRate applies the merchant markup and pair fee to a market rate.
// Deposits use base*(1-markup)*(1-fee); withdrawals divide instead,
// base/((1+markup)*(1+fee)). Both lower the rate so more coin changes hands
// per fiat unit.
func EffectiveRate(base, markup, pairFee decimal.Decimal, direction Direction) (decimal.Decimal, error) {
	if !base.IsPositive() {
		return decimal.Zero, fmt.Errorf("base rate %s: %w", base.String(), ErrInvalidRate)
	}

	var rate decimal.Decimal
	switch direction {
	case Withdrawal:
		rate = base.DivRound(one.Add(markup).Mul(one.Add(pairFee)), models.CoinDecimalPlaces+8)
	default:
		rate = base.Mul(one.Sub(markup)).Mul(one.Sub(pairFee))
	}

	rate = models.QuantizeCoin(rate)
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s rate %s: %w", direction, rate.String(), ErrInvalidRate)
	}
	return rate, nil
}

// Policy quotes effective rates with the current runtime markup and fee.
type Policy struct {
	quoter   Quoter
	settings *config.Settings
}

func NewPolicy(quoter Quoter, settings *config.Settings) *Policy {
	return &Policy{quoter: quoter, settings: settings}
}

func (p *Policy) Rate(ctx context.Context, currency, coin string, direction Direction) (decimal.Decimal, error) {
	base, err := p.quoter.ExchangeRate(ctx, currency, coin)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unable to get %s/%s rate: %w", coin, currency, err)
	}
	current := p.settings.Get()
	return EffectiveRate(base, current.MerchantMarkup, current.PairFee, direction)
}

// CoinAmount converts a fiat amount at rate, quantized to coin precision.
func CoinAmount(fiat, rate decimal.Decimal) decimal.Decimal {
	return models.QuantizeCoin(fiat.DivRound(rate, models.CoinDecimalPlaces+8))
}
