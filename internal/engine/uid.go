package engine

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/store"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
)

const (
	uidLength   = 6
	uidAttempts = 10
)

func randomUid() string {
	id := uuid.New()
	return base58.Encode(id[:])[:uidLength]
}

// uniqueUid draws uids until lookup reports one as unused.
func uniqueUid(ctx context.Context, lookup func(ctx context.Context, uid string) error) (string, error) {
	for i := 0; i < uidAttempts; i++ {
		uid := randomUid()
		err := lookup(ctx, uid)
		if errors.Is(err, store.ErrNotFound) {
			return uid, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no unused uid after %d attempts", uidAttempts)
}

func depositLookup(tx store.Tx) func(ctx context.Context, uid string) error {
	return func(ctx context.Context, uid string) error {
		_, err := tx.GetDeposit(ctx, uid)
		return err
	}
}

func withdrawalLookup(tx store.Tx) func(ctx context.Context, uid string) error {
	return func(ctx context.Context, uid string) error {
		_, err := tx.GetWithdrawal(ctx, uid)
		return err
	}
}
