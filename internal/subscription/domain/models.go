// Package domain defines the local subscription state driven by processor
// webhooks, plus the derived flag keys the cost gate reads.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription item not found")
	ErrCustomerNotLinked    = errors.New("customer is not linked to a local user")
)

// Status values mirror the payment processor's subscription lifecycle.
const (
	StatusIncomplete = "incomplete"
	StatusActive     = "active"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
)

// SubscriptionItem is one user's relationship to a pricing plan. At most one
// non-deleted row exists per user; a new subscription replaces prior rows.
// All transitions come from verified webhook events, never direct writes.
type SubscriptionItem struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	ExternalID         string       `gorm:"type:text;not null;uniqueIndex"`
	UserID             int64        `gorm:"not null;index"`
	PlanID             string       `gorm:"type:text;not null"`
	Metered            bool         `gorm:"not null;default:false"`
	CurrentPeriodStart int64        `gorm:"not null"`
	CurrentPeriodEnd   int64        `gorm:"not null"`
	StartDate          time.Time    `gorm:"not null"`
	EndDate            time.Time    `gorm:"not null"`
	CancelAtPeriodEnd  bool         `gorm:"not null;default:false"`
	Active             bool         `gorm:"not null;default:false"`
	PastDue            bool         `gorm:"not null;default:false"`
	Deleted            bool         `gorm:"not null;default:false"`
	DailyCallLimit     int64        `gorm:"not null;default:0"`
	LastEventID        string       `gorm:"type:text"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionItem) TableName() string { return "subscription_items" }

// Customer links a payment-processor customer id to a local user.
type Customer struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ExternalID string       `gorm:"type:text;not null;uniqueIndex"`
	UserID     int64        `gorm:"not null;index"`
	Email      string       `gorm:"type:text"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// Derived flag keys mirrored into the KeyValueStore for the cost gate.
// ActiveFlagKey and MeteredFlagKey hold "1" when set; PastDueFlagKey holds
// "1" while access is paused; DailyLimitKey overrides the global default
// and its absence means the default applies.
func ActiveFlagKey(userID int64) string {
	return fmt.Sprintf("sub:active:%d", userID)
}

func MeteredFlagKey(userID int64) string {
	return fmt.Sprintf("metered:%d", userID)
}

func PastDueFlagKey(userID int64) string {
	return fmt.Sprintf("sub:pastdue:%d", userID)
}

func DailyLimitKey(userID int64) string {
	return fmt.Sprintf("limit:daily:%d", userID)
}
