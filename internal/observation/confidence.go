package observation

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// ConfidenceSource scores the chance an unconfirmed transaction gets mined.
// Confirmed transactions score 1.
type ConfidenceSource interface {
	Name() string
	TxConfidence(ctx context.Context, txId, coin string) (decimal.Decimal, error)
}

var blockcypherChains = map[string]string{
	"BTC":  "main",
	"TBTC": "test3",
}

type Blockcypher struct {
	fetcher *fetcher
	baseUrl string
	token   string
}

func (b *Blockcypher) Name() string { return "blockcypher" }

type blockcypherTx struct {
	Confirmations int64           `json:"confirmations"`
	Confidence    decimal.Decimal `json:"confidence"`
}

func (b *Blockcypher) TxConfidence(ctx context.Context, txId, coin string) (decimal.Decimal, error) {
	chain, ok := blockcypherChains[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s %s: %w", b.Name(), coin, ErrUnsupportedCoin)
	}

	query := url.Values{"includeConfidence": {"true"}}
	if b.token != "" {
		query.Set("token", b.token)
	}
	endpoint := fmt.Sprintf("%s/v1/btc/%s/txs/%s?%s", b.baseUrl, chain, url.PathEscape(txId), query.Encode())

	var tx blockcypherTx
	if err := b.fetcher.getJSON(ctx, b.Name(), endpoint, &tx); err != nil {
		return decimal.Zero, err
	}
	if tx.Confirmations >= 1 {
		return decimal.NewFromInt(1), nil
	}
	return tx.Confidence, nil
}

var sochainNetworks = map[string]string{
	"BTC":  "BTC",
	"TBTC": "BTCTEST",
	"DASH": "DASH",
}

type Sochain struct {
	fetcher *fetcher
	baseUrl string
}

func (s *Sochain) Name() string { return "sochain" }

type sochainResponse struct {
	Status string `json:"status"`
	Data   struct {
		Confirmations int64           `json:"confirmations"`
		Confidence    decimal.Decimal `json:"confidence"`
	} `json:"data"`
}

func (s *Sochain) TxConfidence(ctx context.Context, txId, coin string) (decimal.Decimal, error) {
	network, ok := sochainNetworks[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s %s: %w", s.Name(), coin, ErrUnsupportedCoin)
	}

	endpoint := fmt.Sprintf("%s/api/v2/get_confidence/%s/%s", s.baseUrl, network, url.PathEscape(txId))
	var resp sochainResponse
	if err := s.fetcher.getJSON(ctx, s.Name(), endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Status != "" && resp.Status != "success" {
		return decimal.Zero, &NetworkError{Source: s.Name(), Err: fmt.Errorf("status %s", resp.Status)}
	}
	if resp.Data.Confirmations >= 1 {
		return decimal.NewFromInt(1), nil
	}
	return resp.Data.Confidence, nil
}
