// Package domain defines the tiered price schedule for metered plans.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrNotMetered guards the calculator against being called for a plan it
// cannot price. Programmer error, not a user-facing condition.
var ErrNotMetered = errors.New("subscription is not an active metered plan")

// PriceTier is one band of a plan's metered schedule. Tiers are walked in
// ascending StartAmount order and the last qualifying tier prices the whole
// usage: flat fee plus per-credit rate applied to the total, not a
// graduated sum across bands.
type PriceTier struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	PlanID          string       `gorm:"type:text;not null;index"`
	StartAmount     int64        `gorm:"not null"`
	UpToAmount      *int64       // nil means unbounded
	FlatFee         int64        `gorm:"not null"`
	PerCreditAmount int64        `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PriceTier) TableName() string { return "price_tiers" }
