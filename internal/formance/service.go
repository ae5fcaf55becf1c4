package formance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pos-payments-go/internal/ledger"
	"pos-payments-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

const defaultLedger = "pos-payments"

var _ ledger.Mirror = (*Service)(nil)

// Service posts every balance change to a Formance ledger laid out as
// chain:<coin>, merchants:accounts:<id> and fees:<coin>. The local
// balance_changes table stays authoritative; the mirror is for reporting.
type Service struct {
	client *v3.Formance
	ledger string
}

// NewService opens the mirror ledger, creating it on first use.
func NewService(ctx context.Context, cfg models.FormanceConfig) (*Service, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	name := cfg.LedgerName
	if name == "" {
		name = defaultLedger
	}

	s := &Service{
		client: v3.New(
			v3.WithServerURL(cfg.StackURL),
			v3.WithSecurity(shared.Security{
				ClientID:     v3.Pointer(cfg.ClientID),
				ClientSecret: v3.Pointer(cfg.ClientSecret),
			}),
		),
		ledger: name,
	}
	created, err := s.openLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to open mirror ledger %s: %w", name, err)
	}

	zap.L().Info("Formance mirror ready",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", name),
		zap.Bool("created", created))
	return s, nil
}

func checkConfig(cfg models.FormanceConfig) error {
	var missing []string
	if cfg.StackURL == "" {
		missing = append(missing, "stack url")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "client id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("formance mirror needs %s", strings.Join(missing, ", "))
	}
	return nil
}

// ledgerMetadata tags the ledger with the account layout the postings use.
func ledgerMetadata() map[string]string {
	return map[string]string{
		"application": defaultLedger,
		"accounts":    "chain:{coin},merchants:accounts:{account},fees:{coin}",
		"source":      "balance_changes",
	}
}

// openLedger reports whether the ledger had to be created.
func (s *Service) openLedger(ctx context.Context) (bool, error) {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger:                s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{Metadata: ledgerMetadata()},
	})
	if hasCode(err, shared.V2ErrorsEnumLedgerAlreadyExists) {
		return false, nil
	}
	return err == nil, err
}

// asset is the Formance UMN of a coin, e.g. "BTC/8". Every supported coin
// uses the same precision as the local ledger.
func asset(symbol string) string {
	return fmt.Sprintf("%s/%d", symbol, models.CoinDecimalPlaces)
}

func hasCode(err error, code shared.V2ErrorsEnum) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

func isConflictError(err error) bool {
	return hasCode(err, shared.V2ErrorsEnumConflict)
}

func isNotFoundError(err error) bool {
	return hasCode(err, shared.V2ErrorsEnumNotFound)
}

func strPtr(s string) *string { return &s }
