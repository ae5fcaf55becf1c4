package instantfiat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownProvider = errors.New("unknown instantfiat provider")
	ErrTransferFailed  = errors.New("instantfiat transfer failed")
)

// Error wraps a custodian failure.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("instantfiat %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// InvoiceRequest asks the custodian to convert coins received for a deposit.
// Reference is the deposit uid; repeating a request with the same reference
// returns the same invoice.
type InvoiceRequest struct {
	Reference  string
	Currency   string
	FiatAmount decimal.Decimal
	Coin       string
	CoinAmount decimal.Decimal
}

type Invoice struct {
	Id         string
	Address    string
	CoinAmount decimal.Decimal
}

// TransferRequest asks the custodian to pay a customer out of the merchant's
// fiat balance. Reference is the withdrawal uid.
type TransferRequest struct {
	Reference  string
	Currency   string
	FiatAmount decimal.Decimal
	Coin       string
	CoinAmount decimal.Decimal
	Address    string
}

type Transfer struct {
	Id        string
	Reference string
}

// Provider is an external custodian that converts between coins and fiat.
type Provider interface {
	Name() string
	CreateInvoice(ctx context.Context, merchant *models.Merchant, req InvoiceRequest) (*Invoice, error)
	IsInvoicePaid(ctx context.Context, merchant *models.Merchant, invoiceId string, since time.Time) (bool, error)
	Send(ctx context.Context, merchant *models.Merchant, req TransferRequest) (*Transfer, error)
	// CheckTransfer reports whether the transfer completed. A transfer the
	// custodian gave up on returns ErrTransferFailed.
	CheckTransfer(ctx context.Context, merchant *models.Merchant, transfer Transfer, since time.Time) (bool, error)
}

// Registry resolves a merchant's provider by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ForMerchant returns the provider configured on the merchant, or nil when
// the merchant does not convert to fiat.
func (r *Registry) ForMerchant(merchant *models.Merchant) (Provider, error) {
	if merchant.InstantFiatProvider == nil || *merchant.InstantFiatProvider == "" {
		return nil, nil
	}
	return r.Get(*merchant.InstantFiatProvider)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
