package observation

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// RateSource quotes the fiat price of one coin.
type RateSource interface {
	Name() string
	ExchangeRate(ctx context.Context, currency, coin string) (decimal.Decimal, error)
}

var coinmarketcapIds = map[string]string{
	"BTC":   "bitcoin",
	"TBTC":  "bitcoin",
	"DASH":  "dash",
	"TDASH": "dash",
}

// Coinmarketcap reads the v1 ticker.
type Coinmarketcap struct {
	fetcher *fetcher
	baseUrl string
}

func (c *Coinmarketcap) Name() string { return "coinmarketcap" }

func (c *Coinmarketcap) ExchangeRate(ctx context.Context, currency, coin string) (decimal.Decimal, error) {
	id, ok := coinmarketcapIds[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s %s: %w", c.Name(), coin, ErrUnsupportedCoin)
	}

	endpoint := fmt.Sprintf("%s/v1/ticker/%s/?convert=%s", c.baseUrl, id, url.QueryEscape(currency))
	var tickers []map[string]any
	if err := c.fetcher.getJSON(ctx, c.Name(), endpoint, &tickers); err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, &NetworkError{Source: c.Name(), Err: fmt.Errorf("empty ticker")}
	}

	key := "price_" + strings.ToLower(currency)
	rate, err := decimalField(tickers[0][key])
	if err != nil {
		return decimal.Zero, &NetworkError{Source: c.Name(), Err: fmt.Errorf("field %s: %w", key, err)}
	}
	return rate, nil
}

// Coindesk reads the bitcoin price index. It only knows bitcoin.
type Coindesk struct {
	fetcher *fetcher
	baseUrl string
}

func (c *Coindesk) Name() string { return "coindesk" }

type coindeskResponse struct {
	Bpi map[string]struct {
		RateFloat decimal.Decimal `json:"rate_float"`
	} `json:"bpi"`
}

func (c *Coindesk) ExchangeRate(ctx context.Context, currency, coin string) (decimal.Decimal, error) {
	if coin != "BTC" && coin != "TBTC" {
		return decimal.Zero, fmt.Errorf("%s %s: %w", c.Name(), coin, ErrUnsupportedCoin)
	}

	endpoint := fmt.Sprintf("%s/v1/bpi/currentprice/%s.json", c.baseUrl, url.PathEscape(currency))
	var resp coindeskResponse
	if err := c.fetcher.getJSON(ctx, c.Name(), endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	entry, ok := resp.Bpi[currency]
	if !ok {
		return decimal.Zero, &NetworkError{Source: c.Name(), Err: fmt.Errorf("no %s rate in response", currency)}
	}
	return entry.RateFloat, nil
}

// decimalField accepts prices sent either as JSON strings or numbers.
func decimalField(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case string:
		return decimal.NewFromString(value)
	case float64:
		return decimal.NewFromFloat(value), nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing")
	}
	return decimal.Zero, fmt.Errorf("unexpected type %T", v)
}
