package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	tierdomain "github.com/doodleops/platform/internal/tier/domain"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	usagerepository "github.com/doodleops/platform/internal/usage/repository"
	"github.com/doodleops/platform/pkg/kv"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *usagerepository.Repository, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.APICounter{}, &tierdomain.PriceTier{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	usageRepo := usagerepository.New(usagerepository.Params{
		DB:    db,
		KV:    store,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg:   config.Config{UsageEntryTTL: 90 * 24 * time.Hour},
	})

	fake := clock.NewFakeClock(time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    db,
		Usage: usageRepo,
		Log:   zap.NewNop(),
		Clock: fake,
	})
	return svc, usageRepo, db, fake
}

func recordEntry(t *testing.T, repo *usagerepository.Repository, userID int64, at time.Time, credits int64) {
	t.Helper()
	require.NoError(t, repo.RecordEntry(context.Background(), usagedomain.Entry{
		Day:       usagedomain.Day(at),
		UserID:    userID,
		APIName:   "doc.convert",
		Timestamp: at.Unix(),
		Nonce:     ulid.Make().String(),
		Success:   true,
		Credits:   credits,
	}))
}

func metered(userID int64, start, end time.Time) *subdomain.SubscriptionItem {
	return &subdomain.SubscriptionItem{
		ExternalID:         "sub_test",
		UserID:             userID,
		PlanID:             "metered-v1",
		Metered:            true,
		Active:             true,
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   end.Unix(),
		StartDate:          start,
		EndDate:            end,
	}
}

func TestCreditsUsedInWindowStitchesThreeSources(t *testing.T) {
	svc, usageRepo, db, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(700)

	// Window: Mar 1 06:00 to Apr 1 06:00; "now" is Mar 20 15:00.
	start := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	sub := metered(userID, start, end)

	// Materialized whole days strictly inside the window.
	for _, d := range []time.Time{
		time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, db.Create(&usagedomain.APICounter{
			ID:          snowflake.ID(d.UnixNano()),
			UserID:      userID,
			APIName:     "doc.convert",
			Day:         usagedomain.Day(d),
			Date:        d,
			CreditsUsed: 10,
		}).Error)
	}

	// Partial first day: one entry before the period start (excluded) and one
	// after (counted).
	recordEntry(t, usageRepo, userID, start.Add(-time.Hour), 99)
	recordEntry(t, usageRepo, userID, start.Add(2*time.Hour), 3)

	// Today, strictly inside the window, not yet materialized.
	recordEntry(t, usageRepo, userID, fake.Now().Add(-time.Hour), 5)

	credits, err := svc.CreditsUsedInWindow(ctx, sub)
	require.NoError(t, err)
	assert.EqualValues(t, 10+10+3+5, credits)
}

func TestCreditsUsedInWindowPartialLastDay(t *testing.T) {
	svc, usageRepo, _, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(701)

	// Closed window ending today at 12:00; "now" is 15:00.
	start := time.Date(2024, 3, 19, 8, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	sub := metered(userID, start, end)

	// First day after start: counted by the first-day scan.
	recordEntry(t, usageRepo, userID, start.Add(time.Hour), 4)
	// Last day before the period end: counted by the last-day scan.
	recordEntry(t, usageRepo, userID, end.Add(-2*time.Hour), 6)
	// Last day after the period end: excluded.
	recordEntry(t, usageRepo, userID, end.Add(time.Hour), 50)
	_ = fake

	credits, err := svc.CreditsUsedInWindow(ctx, sub)
	require.NoError(t, err)
	assert.EqualValues(t, 10, credits)
}

func TestCreditsUsedInWindowSingleDayWindow(t *testing.T) {
	svc, usageRepo, _, _ := newTestService(t)
	ctx := context.Background()
	userID := int64(702)

	start := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 20, 14, 0, 0, 0, time.UTC)
	sub := metered(userID, start, end)

	recordEntry(t, usageRepo, userID, start.Add(time.Hour), 2)
	recordEntry(t, usageRepo, userID, end.Add(time.Hour), 7) // outside

	credits, err := svc.CreditsUsedInWindow(ctx, sub)
	require.NoError(t, err)
	assert.EqualValues(t, 2, credits)
}

func TestCostForTierLastQualifyingTierWins(t *testing.T) {
	svc, usageRepo, db, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(703)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	for _, tier := range []tierdomain.PriceTier{
		{ID: node.Generate(), PlanID: "metered-v1", StartAmount: 0, FlatFee: 1000, PerCreditAmount: 10},
		{ID: node.Generate(), PlanID: "metered-v1", StartAmount: 100, FlatFee: 2000, PerCreditAmount: 5},
		{ID: node.Generate(), PlanID: "metered-v1", StartAmount: 1000, FlatFee: 5000, PerCreditAmount: 2},
	} {
		require.NoError(t, db.Create(&tier).Error)
	}

	start := time.Date(2024, 3, 20, 6, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 20, 18, 0, 0, 0, time.UTC)
	sub := metered(userID, start, end)

	// 150 credits of usage inside the window.
	recordEntry(t, usageRepo, userID, fake.Now().Add(-time.Hour), 150)

	// The middle tier (start 100) is the last qualifying one; its flat fee
	// plus rate applies to the whole 150, not a graduated sum.
	cost, used, err := svc.CostForTier(ctx, sub)
	require.NoError(t, err)
	assert.EqualValues(t, 150, used)
	assert.EqualValues(t, 2000+150*5, cost)
}

func TestCostForTierZeroUsage(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	start := time.Date(2024, 3, 20, 6, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 20, 18, 0, 0, 0, time.UTC)
	cost, used, err := svc.CostForTier(context.Background(), metered(704, start, end))
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Zero(t, used)
}

func TestCostForTierGuardsNonMetered(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	flat := metered(705, start, end)
	flat.Metered = false
	_, _, err := svc.CostForTier(ctx, flat)
	assert.ErrorIs(t, err, tierdomain.ErrNotMetered)

	inactive := metered(705, start, end)
	inactive.Active = false
	_, _, err = svc.CostForTier(ctx, inactive)
	assert.ErrorIs(t, err, tierdomain.ErrNotMetered)
}
