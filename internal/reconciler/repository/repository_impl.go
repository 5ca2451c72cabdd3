package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	recdomain "github.com/doodleops/platform/internal/reconciler/domain"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Repository struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) *Repository {
	return &Repository{
		db:    p.DB,
		log:   p.Log.Named("reconciler.repository"),
		genID: p.GenID,
	}
}

// RecordEvent inserts the audit row for a first delivery. Returns false
// without error on a duplicate event id.
func (r *Repository) RecordEvent(ctx context.Context, event *recdomain.StripeEvent) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkEvent finalizes the audit row after handling.
func (r *Repository) MarkEvent(ctx context.Context, eventID, status, note string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&recdomain.StripeEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":       status,
			"note":         note,
			"processed_at": at,
		}).Error
}

// Enqueue adds a verified delivery to the task queue.
func (r *Repository) Enqueue(ctx context.Context, eventID string, payload []byte, runAt time.Time) (*recdomain.WebhookTask, error) {
	task := &recdomain.WebhookTask{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Payload:   datatypes.JSON(payload),
		Status:    recdomain.TaskStatusPending,
		NextRunAt: runAt,
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// ClaimDue marks up to limit runnable tasks as claimed by bumping their
// attempt count inside a transaction, then returns them. Single-worker
// deployment keeps this portable across sqlite and postgres.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]recdomain.WebhookTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []recdomain.WebhookTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ? AND next_run_at <= ?", recdomain.TaskStatusPending, now).
			Order("next_run_at ASC").
			Limit(limit).
			Find(&tasks).Error; err != nil {
			return err
		}
		for i := range tasks {
			tasks[i].Attempts++
			if err := tx.Model(&recdomain.WebhookTask{}).
				Where("id = ?", tasks[i].ID).
				Updates(map[string]interface{}{
					"attempts":   tasks[i].Attempts,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return tasks, err
}

// CompleteTask finishes a task.
func (r *Repository) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&recdomain.WebhookTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":     recdomain.TaskStatusDone,
			"updated_at": at,
		}).Error
}

// RetryTask reschedules a task after a transient failure.
func (r *Repository) RetryTask(ctx context.Context, taskID string, runAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&recdomain.WebhookTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"next_run_at": runAt,
			"last_error":  lastError,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// FailTask parks a task permanently.
func (r *Repository) FailTask(ctx context.Context, taskID, lastError string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&recdomain.WebhookTask{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":     recdomain.TaskStatusFailed,
			"last_error": lastError,
			"updated_at": at,
		}).Error
}

// UpsertInvoice converges the local invoice row on the processor id.
func (r *Repository) UpsertInvoice(ctx context.Context, invoice *recdomain.Invoice) error {
	if invoice.ID == 0 {
		invoice.ID = r.genID.Generate()
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":      invoice.Status,
			"amount_due":  invoice.AmountDue,
			"amount_paid": invoice.AmountPaid,
			"updated_at":  now,
		}),
	}).Create(invoice).Error
}

// OpenDraftInvoices lists still-open drafts for a subscription, checked
// when a metered plan is deleted.
func (r *Repository) OpenDraftInvoices(ctx context.Context, subscriptionExternalID string) ([]recdomain.Invoice, error) {
	var invoices []recdomain.Invoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionExternalID, []string{"draft", "open"}).
		Find(&invoices).Error
	return invoices, err
}

// SaveInvoice persists mutations from the deletion reconciliation.
func (r *Repository) SaveInvoice(ctx context.Context, invoice *recdomain.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}

// RecordPaymentIntent inserts the processed-intent row. Returns false on a
// replay so credits are never granted twice.
func (r *Repository) RecordPaymentIntent(ctx context.Context, intent *recdomain.PaymentIntent) (bool, error) {
	if intent.ID == 0 {
		intent.ID = r.genID.Generate()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(intent)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetIntentCredits backfills the granted credit count after the lot write.
func (r *Repository) SetIntentCredits(ctx context.Context, externalID string, credits int64) error {
	return r.db.WithContext(ctx).
		Model(&recdomain.PaymentIntent{}).
		Where("external_id = ?", externalID).
		Update("credits_granted", credits).Error
}

// PurgeEventsBefore removes audit rows received before the cutoff. The raw
// payload blobs dominate the table; rows past the retention window have no
// replay value because the handlers converge on entity-keyed upserts.
func (r *Repository) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("received_at < ?", cutoff).
		Delete(&recdomain.StripeEvent{})
	return result.RowsAffected, result.Error
}

// EventByID loads an audit row.
func (r *Repository) EventByID(ctx context.Context, eventID string) (*recdomain.StripeEvent, error) {
	var event recdomain.StripeEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
