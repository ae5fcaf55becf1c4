package database

import (
	"context"
	"fmt"
	"time"

	"pos-payments-go/internal/models"

	"github.com/google/uuid"
)

func (q *queries) CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if e.Id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		e.Id = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := q.namedExec(ctx, queryInsertAuditEntry, e); err != nil {
		return fmt.Errorf("unable to insert audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAuditEntries(ctx context.Context, operationUid string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := q.selectAll(ctx, &entries, querySelectAuditEntries, operationUid); err != nil {
		return nil, fmt.Errorf("unable to list audit entries: %w", err)
	}
	return entries, nil
}
