package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/doodleops/platform/internal/credit/domain"
	"github.com/doodleops/platform/pkg/kv"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	KV    *kv.Store
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Repository performs the dual write for credit lots: the SQL purchase row
// and the mirrored remaining-balance key land in one explicit call, so the
// pairing is visible instead of hidden in a persistence hook.
type Repository struct {
	db    *gorm.DB
	kv    *kv.Store
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) *Repository {
	return &Repository{
		db:    p.DB,
		kv:    p.KV,
		log:   p.Log.Named("credit.repository"),
		genID: p.GenID,
	}
}

// Lot pairs a purchase row with its live remaining balance.
type Lot struct {
	creditdomain.CreditLot
	Remaining int64
}

// CreateLot writes the SQL row and the mirrored balance key. The key's TTL
// matches the lot expiry so stale balances cannot outlive their lot.
func (r *Repository) CreateLot(ctx context.Context, userID, amount int64, source string, createdAt, expiresAt time.Time) (creditdomain.CreditLot, error) {
	lot := creditdomain.CreditLot{
		ID:        r.genID.Generate(),
		UserID:    userID,
		Amount:    amount,
		Source:    source,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if err := r.db.WithContext(ctx).Create(&lot).Error; err != nil {
		return creditdomain.CreditLot{}, err
	}
	ttl := expiresAt.Sub(createdAt)
	if err := r.kv.SetInt(ctx, creditdomain.LotKey(userID, lot.ID), amount, ttl); err != nil {
		return creditdomain.CreditLot{}, err
	}
	return lot, nil
}

// ListLots returns the user's lots oldest first with live remaining
// balances, read in one pipelined batch. Lots whose mirrored key is gone
// (expired or drained) are skipped.
func (r *Repository) ListLots(ctx context.Context, userID int64) ([]Lot, error) {
	var rows []creditdomain.CreditLot
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = creditdomain.LotKey(userID, row.ID)
	}
	remaining, err := r.kv.MGetInts(ctx, keys)
	if err != nil {
		return nil, err
	}

	lots := make([]Lot, 0, len(rows))
	for i, row := range rows {
		if remaining[i] <= 0 {
			continue
		}
		lots = append(lots, Lot{CreditLot: row, Remaining: remaining[i]})
	}
	return lots, nil
}

// DecrementLot atomically takes credits from one lot.
func (r *Repository) DecrementLot(ctx context.Context, userID int64, lotID snowflake.ID, amount int64) error {
	_, err := r.kv.DecrBy(ctx, creditdomain.LotKey(userID, lotID), amount)
	return err
}

// DeleteLot removes a drained or expired lot from both stores.
func (r *Repository) DeleteLot(ctx context.Context, userID int64, lotID snowflake.ID) error {
	if err := r.kv.Delete(ctx, creditdomain.LotKey(userID, lotID)); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", lotID, userID).
		Delete(&creditdomain.CreditLot{}).Error
}

// ExpiredLots lists lots whose expiry has passed as of now.
func (r *Repository) ExpiredLots(ctx context.Context, now time.Time, limit int) ([]creditdomain.CreditLot, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []creditdomain.CreditLot
	err := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MonthlyBalance reads the remaining monthly subscription credits.
func (r *Repository) MonthlyBalance(ctx context.Context, userID int64) (int64, error) {
	balance, _, err := r.kv.GetInt(ctx, creditdomain.MonthKey(userID))
	return balance, err
}

// SetMonthlyBalance resets the monthly allotment, e.g. on renewal.
func (r *Repository) SetMonthlyBalance(ctx context.Context, userID, amount int64) error {
	return r.kv.SetInt(ctx, creditdomain.MonthKey(userID), amount, 0)
}

// DecrementMonthlyBalance takes credits from the monthly allotment. It does
// not clamp at zero; callers are expected to have verified sufficiency.
func (r *Repository) DecrementMonthlyBalance(ctx context.Context, userID, amount int64) error {
	_, err := r.kv.DecrBy(ctx, creditdomain.MonthKey(userID), amount)
	return err
}

// ClearMonthlyBalance removes the allotment on cancellation.
func (r *Repository) ClearMonthlyBalance(ctx context.Context, userID int64) error {
	return r.kv.Delete(ctx, creditdomain.MonthKey(userID))
}
