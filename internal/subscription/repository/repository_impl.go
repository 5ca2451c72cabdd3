package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
		log:   p.Log.Named("subscription.repository"),
		genID: p.GenID,
	}
}

// ReplaceForUser deletes every prior row for the user and inserts item in
// one transaction. This is how the at-most-one-subscription invariant is
// enforced: local state can lag the processor, so replacement wins over
// reconciliation of old rows.
func (r *Repository) ReplaceForUser(ctx context.Context, item *subdomain.SubscriptionItem) error {
	if item.ID == 0 {
		item.ID = r.genID.Generate()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", item.UserID).
			Delete(&subdomain.SubscriptionItem{}).Error; err != nil {
			return err
		}
		return tx.Create(item).Error
	})
}

// FindByExternalID loads a subscription row by processor id, including
// soft-deleted rows.
func (r *Repository) FindByExternalID(ctx context.Context, externalID string) (*subdomain.SubscriptionItem, error) {
	var item subdomain.SubscriptionItem
	err := r.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subdomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindActiveByUser loads the user's live subscription, if any.
func (r *Repository) FindActiveByUser(ctx context.Context, userID int64) (*subdomain.SubscriptionItem, error) {
	var item subdomain.SubscriptionItem
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subdomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListMeteredActive returns every live metered subscription, for the
// usage-push job.
func (r *Repository) ListMeteredActive(ctx context.Context) ([]subdomain.SubscriptionItem, error) {
	var items []subdomain.SubscriptionItem
	err := r.db.WithContext(ctx).
		Where("metered = ? AND active = ? AND deleted = ?", true, true, false).
		Order("user_id").
		Find(&items).Error
	return items, err
}

// Save persists the full row state after a handler mutates it.
func (r *Repository) Save(ctx context.Context, item *subdomain.SubscriptionItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

// UpsertCustomer links a processor customer to a local user; replays of the
// same customer event converge on the external id.
func (r *Repository) UpsertCustomer(ctx context.Context, externalID string, userID int64, email string) error {
	customer := subdomain.Customer{
		ID:         r.genID.Generate(),
		ExternalID: externalID,
		UserID:     userID,
		Email:      email,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"user_id": userID,
			"email":   email,
		}),
	}).Create(&customer).Error
}

// UserByCustomer resolves a processor customer id to a local user.
func (r *Repository) UserByCustomer(ctx context.Context, externalID string) (int64, error) {
	var customer subdomain.Customer
	err := r.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, subdomain.ErrCustomerNotLinked
	}
	if err != nil {
		return 0, err
	}
	return customer.UserID, nil
}
