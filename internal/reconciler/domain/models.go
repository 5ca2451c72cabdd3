// Package domain holds the webhook audit trail, the task queue rows and
// the local invoice/payment state the reconciler converges.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ErrLocalStateNotFound marks an event that arrived before the local row it
// updates exists, usually out-of-order delivery. The queue retries it with
// backoff instead of failing the task permanently.
var ErrLocalStateNotFound = errors.New("local state for event not found yet")

// Audit row statuses.
const (
	EventStatusReceived  = "received"
	EventStatusProcessed = "processed"
	EventStatusIgnored   = "ignored"
	EventStatusAuditOnly = "audit_only"
	EventStatusFailed    = "failed"
)

// StripeEvent is the audit row for one delivered event. The processor's
// event id is the primary key: a duplicate delivery finds this row and the
// handlers' entity-keyed upserts converge instead of duplicating.
type StripeEvent struct {
	EventID     string         `gorm:"primaryKey;type:text"`
	ObjectType  string         `gorm:"type:text;not null;index"`
	Action      string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;not null"`
	Note        string         `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:"not null"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

// TableName sets the database table name.
func (StripeEvent) TableName() string { return "stripe_events" }

// Task queue statuses.
const (
	TaskStatusPending = "pending"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// WebhookTask is one queued delivery awaiting the worker. The web process
// only verifies and enqueues; all state changes happen in the worker.
type WebhookTask struct {
	ID        string         `gorm:"primaryKey;type:text"`
	EventID   string         `gorm:"type:text;not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	Status    string         `gorm:"type:text;not null;index"`
	Attempts  int            `gorm:"not null;default:0"`
	NextRunAt time.Time      `gorm:"not null;index"`
	LastError string         `gorm:"type:text"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookTask) TableName() string { return "webhook_tasks" }

// Invoice mirrors the processor's invoice state locally, keyed by the
// processor's invoice id so event replays converge.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	ExternalID     string       `gorm:"type:text;not null;uniqueIndex"`
	UserID         int64        `gorm:"not null;index"`
	SubscriptionID string       `gorm:"type:text;index"`
	Status         string       `gorm:"type:text;not null"`
	AmountDue      int64        `gorm:"not null"`
	AmountPaid     int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Payment-intent kinds.
const (
	PaymentKindSubscription   = "subscription_payment"
	PaymentKindCreditPurchase = "credit_purchase"
)

// PaymentIntent records a processed intent, keyed by the processor id so a
// replay never grants credits twice.
type PaymentIntent struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	ExternalID     string       `gorm:"type:text;not null;uniqueIndex"`
	UserID         int64        `gorm:"not null;index"`
	Amount         int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text"`
	Kind           string       `gorm:"type:text;not null"`
	CreditsGranted int64        `gorm:"not null;default:0"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentIntent) TableName() string { return "payment_intents" }
