package prime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pos-payments-go/internal/models"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

type Service struct {
	client          client.RestClient
	portfoliosSvc   portfolios.PortfoliosService
	walletsSvc      wallets.WalletsService
	transactionsSvc transactions.TransactionsService

	portfolioId string
	walletId    string

	mu      sync.Mutex
	wallets map[string]string
}

func NewService(cfg models.InstantFiatConfig) (*Service, error) {
	if cfg.AccessKey == "" || cfg.Passphrase == "" || cfg.SigningKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}
	creds := &credentials.Credentials{
		AccessKey:  cfg.AccessKey,
		Passphrase: cfg.Passphrase,
		SigningKey: cfg.SigningKey,
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(creds, httpClient)

	return &Service{
		client:          restClient,
		portfoliosSvc:   portfolios.NewPortfoliosService(restClient),
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
		portfolioId:     cfg.PortfolioId,
		walletId:        cfg.WalletId,
		wallets:         make(map[string]string),
	}, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// ResolvePortfolio picks the default portfolio when none was configured.
func (s *Service) ResolvePortfolio(ctx context.Context) error {
	if s.portfolioId != "" {
		return nil
	}

	response, err := s.portfoliosSvc.ListPortfolios(ctx, &portfolios.ListPortfoliosRequest{})
	if err != nil {
		return fmt.Errorf("unable to list portfolios: %w", err)
	}

	for _, p := range response.Portfolios {
		if p.Name == "Default Portfolio" {
			s.portfolioId = p.Id
			zap.L().Info("Using default portfolio",
				zap.String("name", p.Name),
				zap.String("id", p.Id))
			return nil
		}
	}

	return fmt.Errorf("default portfolio not found")
}

// portfolioFor returns the merchant's own portfolio when one is set.
func (s *Service) portfolioFor(merchant *models.Merchant) string {
	if merchant != nil && merchant.InstantFiatMerchantId != nil && *merchant.InstantFiatMerchantId != "" {
		return *merchant.InstantFiatMerchantId
	}
	return s.portfolioId
}

// primeSymbol maps a coin to the Prime asset symbol. Prime settles testnet
// coins against the mainnet wallet of the same asset.
func primeSymbol(coin string) (string, error) {
	switch strings.ToUpper(coin) {
	case "BTC", "TBTC":
		return "BTC", nil
	}
	return "", fmt.Errorf("coin %s is not supported by prime", coin)
}

// walletFor returns the trading wallet of a coin, cached per portfolio.
func (s *Service) walletFor(ctx context.Context, portfolioId, coin string) (string, error) {
	if s.walletId != "" {
		return s.walletId, nil
	}
	symbol, err := primeSymbol(coin)
	if err != nil {
		return "", err
	}

	key := portfolioId + "/" + symbol
	s.mu.Lock()
	id, ok := s.wallets[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	response, err := s.walletsSvc.ListWallets(ctx, &wallets.ListWalletsRequest{
		PortfolioId: portfolioId,
		Type:        "TRADING",
		Symbols:     []string{symbol},
	})
	if err != nil {
		return "", fmt.Errorf("unable to list wallets: %w", err)
	}
	for _, w := range response.Wallets {
		if w.Symbol == symbol {
			s.mu.Lock()
			s.wallets[key] = w.Id
			s.mu.Unlock()
			return w.Id, nil
		}
	}
	return "", fmt.Errorf("no trading wallet for %s in portfolio %s", symbol, portfolioId)
}

func (s *Service) createDepositAddress(ctx context.Context, portfolioId, walletId, network string) (*wallets.CreateWalletAddressResponse, error) {
	request := &wallets.CreateWalletAddressRequest{
		PortfolioId: portfolioId,
		WalletId:    walletId,
		NetworkId:   network,
	}

	response, err := s.walletsSvc.CreateWalletAddress(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("unable to create wallet address: %w", err)
	}
	return response, nil
}

// createWithdrawalParams contains parameters for creating a withdrawal
type createWithdrawalParams struct {
	PortfolioId        string
	WalletId           string
	DestinationAddress string
	Amount             string
	Symbol             string
	IdempotencyKey     string
}

// createWithdrawal creates a withdrawal from a wallet
func (s *Service) createWithdrawal(ctx context.Context, params createWithdrawalParams) (string, error) {
	zap.L().Info("Creating withdrawal via Prime API",
		zap.String("portfolio_id", params.PortfolioId),
		zap.String("wallet_id", params.WalletId),
		zap.String("symbol", params.Symbol),
		zap.String("amount", params.Amount),
		zap.String("destination", params.DestinationAddress))

	request := &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:     params.PortfolioId,
		SourceWalletId:  params.WalletId,
		Amount:          params.Amount,
		IdempotencyKey:  params.IdempotencyKey,
		Symbol:          params.Symbol,
		DestinationType: "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: &model.BlockchainAddress{
			Address: params.DestinationAddress,
		},
	}

	response, err := s.transactionsSvc.CreateWalletWithdrawal(ctx, request)
	if err != nil {
		zap.L().Error("Failed to create withdrawal",
			zap.String("wallet_id", params.WalletId),
			zap.String("amount", params.Amount),
			zap.String("symbol", params.Symbol),
			zap.Error(err))
		return "", fmt.Errorf("unable to create withdrawal: %w", err)
	}

	zap.L().Info("Withdrawal created successfully",
		zap.String("activity_id", response.ActivityId),
		zap.String("wallet_id", params.WalletId),
		zap.String("amount", params.Amount))

	return response.ActivityId, nil
}

// walletTransaction is the part of a Prime wallet transaction the provider
// matches on.
type walletTransaction struct {
	Id                string
	Type              string
	Status            string
	Amount            string
	Address           string
	AccountIdentifier string
	IdempotencyKey    string
}

// listWalletTransactions fetches deposits and withdrawals of a wallet
func (s *Service) listWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]walletTransaction, error) {
	zap.L().Debug("Making Prime API request",
		zap.String("portfolio_id", portfolioId),
		zap.String("wallet_id", walletId),
		zap.Time("start_time", startTime))

	request := &transactions.ListWalletTransactionsRequest{
		PortfolioId: portfolioId,
		WalletId:    walletId,
		Start:       startTime,
		Types:       []string{"DEPOSIT", "WITHDRAWAL"},
		Pagination: &model.PaginationParams{
			Limit: 500,
		},
	}

	response, err := s.transactionsSvc.ListWalletTransactions(ctx, request)
	if err != nil {
		zap.L().Error("Failed to list wallet transactions",
			zap.String("wallet_id", walletId),
			zap.Error(err))
		return nil, fmt.Errorf("unable to list wallet transactions: %w", err)
	}

	result := make([]walletTransaction, 0, len(response.Transactions))
	for _, tx := range response.Transactions {
		wt := walletTransaction{
			Id:             tx.Id,
			Type:           tx.Type,
			Status:         tx.Status,
			Amount:         tx.Amount,
			IdempotencyKey: tx.IdempotencyKey,
		}
		if tx.TransferTo != nil {
			wt.Address = tx.TransferTo.Address
			wt.AccountIdentifier = tx.TransferTo.AccountIdentifier
		}
		result = append(result, wt)
	}

	zap.L().Debug("Prime API response received",
		zap.String("wallet_id", walletId),
		zap.Int("count", len(result)))

	return result, nil
}
