package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	OperationDeposit    = "deposit"
	OperationWithdrawal = "withdrawal"
)

const (
	EventTransition   = "transition"
	EventRefused      = "refused"
	EventDoubleSpend  = "double_spend"
	EventTxModified   = "tx_modified"
	EventInvalidTx    = "invalid_tx"
	EventLatePayment  = "late_payment"
	EventInstantFiat  = "instantfiat_error"
	EventTimeout      = "timeout"
	EventReconcile    = "needs_reconciliation"
	EventAdminPending = "awaiting_admin"
)

// Writer is the subset of *kafka.Writer the recorder publishes through.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder writes audit entries to the database and, when a writer is
// configured, streams them to Kafka after commit.
type Recorder struct {
	writer Writer
}

func NewRecorder(writer Writer) *Recorder {
	return &Recorder{writer: writer}
}

// NewKafkaWriter returns a writer for the audit topic, or nil when no
// brokers are configured.
func NewKafkaWriter(cfg models.KafkaConfig) *kafka.Writer {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Entry builds an audit entry for an operation.
func Entry(operationType, uid, event string, from, to any, detail string) models.AuditEntry {
	return models.AuditEntry{
		OperationType: operationType,
		OperationUid:  uid,
		Event:         event,
		FromStatus:    fmt.Sprint(from),
		ToStatus:      fmt.Sprint(to),
		Detail:        detail,
	}
}

// Record stores e inside tx and logs it.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, e *models.AuditEntry) error {
	if err := tx.CreateAuditEntry(ctx, e); err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("operation_type", e.OperationType),
		zap.String("uid", e.OperationUid),
		zap.String("event", e.Event),
		zap.String("from", e.FromStatus),
		zap.String("to", e.ToStatus),
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Event == EventTransition {
		zap.L().Info("Operation state changed", fields...)
	} else {
		zap.L().Warn("Operation audit event", fields...)
	}
	return nil
}

// Publish streams committed entries. Failures are logged; the audit table
// stays the source of truth.
func (r *Recorder) Publish(ctx context.Context, entries ...models.AuditEntry) {
	if r.writer == nil || len(entries) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			zap.L().Error("Failed to marshal audit entry", zap.String("id", e.Id), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.OperationUid),
			Value: value,
			Time:  e.CreatedAt,
		})
	}
	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		zap.L().Error("Failed to publish audit entries",
			zap.Int("count", len(msgs)),
			zap.Error(err))
	}
}

func (r *Recorder) Close() error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Close()
}
