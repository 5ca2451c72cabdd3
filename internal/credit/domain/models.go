// Package domain holds the credit ledger model: one-time purchase lots and
// the monthly subscription balance key schema.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidAmount            = errors.New("credit amount must be positive")
	ErrInsufficientLots         = errors.New("amount exceeds one-time credit balance")
	ErrInsufficientSubscription = errors.New("amount exceeds subscription credit balance")
	ErrInvalidRemovalSource     = errors.New("invalid credit removal source")
)

// RemovalSource selects which balance an administrative removal targets.
type RemovalSource string

const (
	RemovalSourceLots         RemovalSource = "lots"
	RemovalSourceSubscription RemovalSource = "subscription"
)

// CreditLot is one batch of purchased one-time credits. The row is purchase
// history; the live remaining balance is the mirrored KeyValueStore key. A
// lot whose remaining reaches zero is deleted, never retained.
type CreditLot struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    int64        `gorm:"not null;index"`
	Amount    int64        `gorm:"not null"`
	Source    string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt time.Time    `gorm:"not null;index"`
}

// TableName sets the database table name.
func (CreditLot) TableName() string { return "credit_lots" }

// LotKey holds a lot's live remaining credits.
func LotKey(userID int64, lotID snowflake.ID) string {
	return fmt.Sprintf("credit:lot:%d:%s", userID, lotID)
}

// MonthKey holds the user's remaining monthly subscription credits.
func MonthKey(userID int64) string {
	return fmt.Sprintf("credit:month:%d", userID)
}
