package observation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service queries each capability through a primary source and its
// fallbacks, in order.
type Service struct {
	rates      []RateSource
	confidence []ConfidenceSource
}

// NewService wires the default chains: coinmarketcap then coindesk for
// rates, blockcypher then sochain for confidence.
func NewService(cfg models.ServicesConfig, client *http.Client) *Service {
	f := &fetcher{client: client, maxElapsed: cfg.MaxRetryElapsed}
	return NewServiceWithSources(
		[]RateSource{
			&Coinmarketcap{fetcher: f, baseUrl: strings.TrimRight(cfg.CoinmarketcapUrl, "/")},
			&Coindesk{fetcher: f, baseUrl: strings.TrimRight(cfg.CoindeskUrl, "/")},
		},
		[]ConfidenceSource{
			&Blockcypher{fetcher: f, baseUrl: strings.TrimRight(cfg.BlockcypherUrl, "/"), token: cfg.BlockcypherToken},
			&Sochain{fetcher: f, baseUrl: strings.TrimRight(cfg.SochainUrl, "/")},
		},
	)
}

func NewServiceWithSources(rates []RateSource, confidence []ConfidenceSource) *Service {
	return &Service{rates: rates, confidence: confidence}
}

// ExchangeRate returns the fiat price of one coin from the first source
// that answers.
func (s *Service) ExchangeRate(ctx context.Context, currency, coin string) (decimal.Decimal, error) {
	var errs []error
	for _, source := range s.rates {
		rate, err := source.ExchangeRate(ctx, currency, coin)
		if errors.Is(err, ErrUnsupportedCoin) {
			continue
		}
		if err == nil && !rate.IsPositive() {
			err = &NetworkError{Source: source.Name(), Err: fmt.Errorf("non-positive rate %s", rate.String())}
		}
		if err != nil {
			zap.L().Warn("Exchange rate source failed",
				zap.String("source", source.Name()),
				zap.String("currency", currency),
				zap.String("coin", coin),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		return rate, nil
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("exchange rate %s/%s: %w", coin, currency, ErrUnsupportedCoin)
	}
	return decimal.Zero, errors.Join(errs...)
}

// TxConfidence returns the confidence score of a transaction from the first
// source that answers.
func (s *Service) TxConfidence(ctx context.Context, txId, coin string) (decimal.Decimal, error) {
	var errs []error
	for _, source := range s.confidence {
		confidence, err := source.TxConfidence(ctx, txId, coin)
		if errors.Is(err, ErrUnsupportedCoin) {
			continue
		}
		if err != nil {
			zap.L().Warn("Confidence source failed",
				zap.String("source", source.Name()),
				zap.String("tx_id", txId),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		return confidence, nil
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("confidence for %s: %w", coin, ErrUnsupportedCoin)
	}
	return decimal.Zero, errors.Join(errs...)
}

// IsTxReliable compares the confidence of a transaction with threshold.
// Coins no source covers are trusted.
func (s *Service) IsTxReliable(ctx context.Context, txId, coin string, threshold decimal.Decimal) (bool, error) {
	confidence, err := s.TxConfidence(ctx, txId, coin)
	if errors.Is(err, ErrUnsupportedCoin) {
		zap.L().Warn("No confidence source for coin, trusting transaction",
			zap.String("coin", coin),
			zap.String("tx_id", txId))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return confidence.GreaterThanOrEqual(threshold), nil
}
