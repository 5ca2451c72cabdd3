package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/doodleops/platform/internal/config"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	"github.com/doodleops/platform/pkg/kv"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	KV    *kv.Store
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

// Repository owns both halves of the usage trail: ephemeral per-charge
// entries in the KeyValueStore and the materialized api_counters rows.
type Repository struct {
	db       *gorm.DB
	kv       *kv.Store
	log      *zap.Logger
	genID    *snowflake.Node
	entryTTL time.Duration
}

func New(p Params) *Repository {
	return &Repository{
		db:       p.DB,
		kv:       p.KV,
		log:      p.Log.Named("usage.repository"),
		genID:    p.GenID,
		entryTTL: p.Cfg.UsageEntryTTL,
	}
}

// RecordEntry writes one charge event: the entry key, the per-day time index
// and the daily call counter, each with a long TTL.
func (r *Repository) RecordEntry(ctx context.Context, entry usagedomain.Entry) error {
	key := entry.Key()
	if err := r.kv.SetInt(ctx, key, entry.Credits, r.entryTTL); err != nil {
		return err
	}
	at := time.Unix(entry.Timestamp, 0).UTC()
	if err := r.kv.ZAddAt(ctx, usagedomain.DayIndexKey(entry.Day, entry.UserID), key, at, r.entryTTL); err != nil {
		return err
	}
	_, err := r.kv.IncrWithTTL(ctx, usagedomain.DailyCallsKey(entry.Day, entry.UserID), 1, r.entryTTL)
	return err
}

// DailyCalls returns today's call count for a user; missing counter is zero.
func (r *Repository) DailyCalls(ctx context.Context, day string, userID int64) (int64, error) {
	count, _, err := r.kv.GetInt(ctx, usagedomain.DailyCallsKey(day, userID))
	return count, err
}

// SumEntriesBetween sums entry credits for one user's day, strictly between
// the two timestamps, via the time-scored index and a pipelined read.
func (r *Repository) SumEntriesBetween(ctx context.Context, day string, userID int64, after, before time.Time) (int64, error) {
	keys, err := r.kv.ZRangeBetween(ctx, usagedomain.DayIndexKey(day, userID), after, before)
	if err != nil {
		return 0, err
	}
	return r.sumKeys(ctx, keys)
}

// SumUserDay sums every entry credit for one user's full day.
func (r *Repository) SumUserDay(ctx context.Context, day string, userID int64) (int64, error) {
	keys, err := r.kv.ScanKeys(ctx, usagedomain.UserEntryPattern(day, userID))
	if err != nil {
		return 0, err
	}
	return r.sumKeys(ctx, keys)
}

func (r *Repository) sumKeys(ctx context.Context, keys []string) (int64, error) {
	vals, err := r.kv.MGetInts(ctx, keys)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		total += v
	}
	return total, nil
}

// ListDayEntries loads every entry for a day across all users, with credits.
// Only the materialization and discrepancy jobs use this.
func (r *Repository) ListDayEntries(ctx context.Context, day string) ([]usagedomain.Entry, error) {
	keys, err := r.kv.ScanKeys(ctx, usagedomain.EntryPattern(day))
	if err != nil {
		return nil, err
	}
	vals, err := r.kv.MGetInts(ctx, keys)
	if err != nil {
		return nil, err
	}
	entries := make([]usagedomain.Entry, 0, len(keys))
	for i, key := range keys {
		entry, err := usagedomain.ParseEntryKey(key)
		if err != nil {
			r.log.Warn("skipping malformed usage key", zap.String("key", key))
			continue
		}
		entry.Credits = vals[i]
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpsertCounter converges the durable aggregate for a (day, user, api)
// triple; replays overwrite rather than accumulate.
func (r *Repository) UpsertCounter(ctx context.Context, day string, date time.Time, userID int64, apiName string, credits, calls int64) error {
	now := time.Now().UTC()
	counter := usagedomain.APICounter{
		ID:            r.genID.Generate(),
		UserID:        userID,
		APIName:       apiName,
		Day:           day,
		Date:          date,
		CreditsUsed:   credits,
		NumberOfCalls: calls,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "user_id"}, {Name: "api_name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"credits_used":    credits,
			"number_of_calls": calls,
			"updated_at":      now,
		}),
	}).Create(&counter).Error
}

// SumCountersBetween sums materialized credits for a user with dates
// strictly inside (after, before), excluding today which is never
// materialized yet.
func (r *Repository) SumCountersBetween(ctx context.Context, userID int64, after, before time.Time, excludeDay string) (int64, error) {
	var total *int64
	err := r.db.WithContext(ctx).
		Model(&usagedomain.APICounter{}).
		Select("SUM(credits_used)").
		Where("user_id = ? AND date > ? AND date < ? AND day <> ?", userID, after, before, excludeDay).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// CountersForDay lists the durable aggregates for one day.
func (r *Repository) CountersForDay(ctx context.Context, day string) ([]usagedomain.APICounter, error) {
	var rows []usagedomain.APICounter
	err := r.db.WithContext(ctx).
		Where("day = ?", day).
		Order("user_id, api_name").
		Find(&rows).Error
	return rows, err
}
