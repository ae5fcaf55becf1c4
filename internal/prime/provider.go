package prime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ProviderName = "prime"

// Compile-time check: *Service must satisfy instantfiat.Provider.
var _ instantfiat.Provider = (*Service)(nil)

// withdrawalFailures are Prime statuses a withdrawal never recovers from.
var withdrawalFailures = map[string]bool{
	"TRANSACTION_CANCELLED": true,
	"TRANSACTION_REJECTED":  true,
	"TRANSACTION_FAILED":    true,
	"TRANSACTION_EXPIRED":   true,
}

// referenceNamespace derives Prime idempotency keys from operation uids.
var referenceNamespace = uuid.MustParse("6f1c6a4e-7d3b-4a53-9a43-0f6d3c3b9e21")

func (s *Service) Name() string { return ProviderName }

func idempotencyKey(reference string) string {
	return uuid.NewSHA1(referenceNamespace, []byte(reference)).String()
}

func (s *Service) fail(op string, err error) error {
	return &instantfiat.Error{Provider: ProviderName, Op: op, Err: err}
}

// CreateInvoice opens a Prime deposit address the deposit's coins are
// converted through. The address identifier doubles as the invoice id.
func (s *Service) CreateInvoice(ctx context.Context, merchant *models.Merchant, req instantfiat.InvoiceRequest) (*instantfiat.Invoice, error) {
	portfolioId := s.portfolioFor(merchant)
	walletId, err := s.walletFor(ctx, portfolioId, req.Coin)
	if err != nil {
		return nil, s.fail("create_invoice", err)
	}

	response, err := s.createDepositAddress(ctx, portfolioId, walletId, "bitcoin-mainnet")
	if err != nil {
		return nil, s.fail("create_invoice", err)
	}

	id := response.AccountIdentifier
	if id == "" {
		id = response.Address
	}
	zap.L().Info("Prime invoice created",
		zap.String("reference", req.Reference),
		zap.String("invoice_id", id),
		zap.String("coin_amount", req.CoinAmount.String()))

	return &instantfiat.Invoice{Id: id, Address: response.Address, CoinAmount: req.CoinAmount}, nil
}

// IsInvoicePaid looks for a completed deposit into the invoice address.
func (s *Service) IsInvoicePaid(ctx context.Context, merchant *models.Merchant, invoiceId string, since time.Time) (bool, error) {
	portfolioId := s.portfolioFor(merchant)
	walletId, err := s.walletFor(ctx, portfolioId, "BTC")
	if err != nil {
		return false, s.fail("is_invoice_paid", err)
	}
	txs, err := s.listWalletTransactions(ctx, portfolioId, walletId, since)
	if err != nil {
		return false, s.fail("is_invoice_paid", err)
	}
	return invoicePaid(txs, invoiceId), nil
}

func invoicePaid(txs []walletTransaction, invoiceId string) bool {
	for _, tx := range txs {
		if tx.Type != "DEPOSIT" || tx.Status != "TRANSACTION_IMPORTED" {
			continue
		}
		if tx.AccountIdentifier == invoiceId || strings.EqualFold(tx.Address, invoiceId) {
			return true
		}
	}
	return false
}

// Send withdraws the coin amount from the merchant's Prime wallet.
func (s *Service) Send(ctx context.Context, merchant *models.Merchant, req instantfiat.TransferRequest) (*instantfiat.Transfer, error) {
	portfolioId := s.portfolioFor(merchant)
	walletId, err := s.walletFor(ctx, portfolioId, req.Coin)
	if err != nil {
		return nil, s.fail("send", err)
	}
	symbol, err := primeSymbol(req.Coin)
	if err != nil {
		return nil, s.fail("send", err)
	}

	key := idempotencyKey(req.Reference)
	activityId, err := s.createWithdrawal(ctx, createWithdrawalParams{
		PortfolioId:        portfolioId,
		WalletId:           walletId,
		DestinationAddress: req.Address,
		Amount:             req.CoinAmount.StringFixed(models.CoinDecimalPlaces),
		Symbol:             symbol,
		IdempotencyKey:     key,
	})
	if err != nil {
		return nil, s.fail("send", err)
	}
	return &instantfiat.Transfer{Id: activityId, Reference: key}, nil
}

// CheckTransfer matches the withdrawal by idempotency key.
func (s *Service) CheckTransfer(ctx context.Context, merchant *models.Merchant, transfer instantfiat.Transfer, since time.Time) (bool, error) {
	portfolioId := s.portfolioFor(merchant)
	walletId, err := s.walletFor(ctx, portfolioId, "BTC")
	if err != nil {
		return false, s.fail("check_transfer", err)
	}
	txs, err := s.listWalletTransactions(ctx, portfolioId, walletId, since)
	if err != nil {
		return false, s.fail("check_transfer", err)
	}
	done, err := transferStatus(txs, transfer.Reference)
	if err != nil {
		return false, s.fail("check_transfer", err)
	}
	return done, nil
}

func transferStatus(txs []walletTransaction, reference string) (bool, error) {
	for _, tx := range txs {
		if tx.Type != "WITHDRAWAL" || tx.IdempotencyKey != reference {
			continue
		}
		if withdrawalFailures[tx.Status] {
			return false, fmt.Errorf("%w: status %s", instantfiat.ErrTransferFailed, tx.Status)
		}
		return tx.Status == "TRANSACTION_DONE", nil
	}
	return false, nil
}
