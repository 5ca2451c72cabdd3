package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	creditdomain "github.com/doodleops/platform/internal/credit/domain"
	creditrepository "github.com/doodleops/platform/internal/credit/repository"
	"github.com/doodleops/platform/pkg/kv"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *creditrepository.Repository, *clock.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&creditdomain.CreditLot{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM credit_lots")
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := creditrepository.New(creditrepository.Params{
		DB:    db,
		KV:    store,
		Log:   zap.NewNop(),
		GenID: node,
	})

	fake := clock.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		Repo:    repo,
		Log:     zap.NewNop(),
		Pricing: config.NewStaticPricingHolder(config.DefaultPricingConfig()),
		Clock:   fake,
	})
	return svc, repo, fake
}

func TestConsumeDrainsLotsOldestFirst(t *testing.T) {
	svc, repo, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(101)

	now := fake.Now()
	first, err := repo.CreateLot(ctx, userID, 100, "stripe", now, now.AddDate(1, 0, 0))
	require.NoError(t, err)
	second, err := repo.CreateLot(ctx, userID, 50, "stripe", now.Add(time.Minute), now.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.NoError(t, repo.SetMonthlyBalance(ctx, userID, 500))

	// 100 drains the first lot exactly; the second lot is untouched.
	leftover, err := svc.Consume(ctx, userID, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, leftover)

	lots, err := repo.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, second.ID, lots[0].ID)
	assert.EqualValues(t, 50, lots[0].Remaining)
	_ = first

	// 30 partially drains the second lot.
	leftover, err = svc.Consume(ctx, userID, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 0, leftover)

	lots, err = repo.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.EqualValues(t, 20, lots[0].Remaining)

	// 70 finishes the second lot and routes 50 to the monthly balance.
	leftover, err = svc.Consume(ctx, userID, 70)
	require.NoError(t, err)
	assert.EqualValues(t, 50, leftover)

	lots, err = repo.ListLots(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, lots)

	monthly, err := repo.MonthlyBalance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 450, monthly)
}

func TestConsumeSpansMultipleLots(t *testing.T) {
	svc, repo, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(102)

	now := fake.Now()
	for i, amount := range []int64{10, 20, 30} {
		_, err := repo.CreateLot(ctx, userID, amount, "stripe",
			now.Add(time.Duration(i)*time.Minute), now.AddDate(1, 0, 0))
		require.NoError(t, err)
	}

	// 45 consumes the first two lots fully and 15 of the third.
	leftover, err := svc.Consume(ctx, userID, 45)
	require.NoError(t, err)
	assert.EqualValues(t, 0, leftover)

	lots, err := repo.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.EqualValues(t, 15, lots[0].Remaining)

	total, err := svc.TotalBalance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 15, total)
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Consume(context.Background(), 103, 0)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	_, err = svc.Consume(context.Background(), 103, -5)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestAddOneTimeCreditsBanding(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		amount  int64
		manual  bool
		credits int64
	}{
		{"first band", 750, false, 400},
		{"second band", 1500, false, 1000},
		{"third band", 2500, false, 2200},
		{"above bands", 4000, false, 4000},
		{"manual skips bands", 4000, true, 4000},
		{"manual inside band range", 750, true, 750},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := int64(200 + i)
			credits, err := svc.AddOneTimeCredits(ctx, userID, tc.amount, "stripe", tc.manual)
			require.NoError(t, err)
			assert.Equal(t, tc.credits, credits)

			lots, err := repo.ListLots(ctx, userID)
			require.NoError(t, err)
			require.Len(t, lots, 1)
			assert.Equal(t, tc.credits, lots[0].Remaining)
			assert.Equal(t, tc.credits, lots[0].Amount)
		})
	}
}

func TestAddOneTimeCreditsSetsExpiry(t *testing.T) {
	svc, repo, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(300)

	_, err := svc.AddOneTimeCredits(ctx, userID, 750, "stripe", false)
	require.NoError(t, err)

	lots, err := repo.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, fake.Now().AddDate(0, 0, 365), lots[0].ExpiresAt.UTC())
}

func TestRemoveCreditsFailsLoudly(t *testing.T) {
	svc, repo, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(400)

	now := fake.Now()
	_, err := repo.CreateLot(ctx, userID, 100, "manual", now, now.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.NoError(t, repo.SetMonthlyBalance(ctx, userID, 30))

	err = svc.RemoveCredits(ctx, userID, 150, creditdomain.RemovalSourceLots)
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientLots)

	err = svc.RemoveCredits(ctx, userID, 50, creditdomain.RemovalSourceSubscription)
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientSubscription)

	err = svc.RemoveCredits(ctx, userID, 10, creditdomain.RemovalSource("bogus"))
	assert.ErrorIs(t, err, creditdomain.ErrInvalidRemovalSource)

	// Nothing was touched by the failed removals.
	total, err := svc.TotalBalance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 130, total)

	// Exact removals succeed.
	require.NoError(t, svc.RemoveCredits(ctx, userID, 100, creditdomain.RemovalSourceLots))
	require.NoError(t, svc.RemoveCredits(ctx, userID, 30, creditdomain.RemovalSourceSubscription))

	total, err = svc.TotalBalance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

func TestExpireLotsSweep(t *testing.T) {
	svc, repo, fake := newTestService(t)
	ctx := context.Background()
	userID := int64(500)

	now := fake.Now()
	_, err := repo.CreateLot(ctx, userID, 40, "stripe", now.AddDate(0, 0, -400), now.AddDate(0, 0, -35))
	require.NoError(t, err)
	fresh, err := repo.CreateLot(ctx, userID, 60, "stripe", now, now.AddDate(1, 0, 0))
	require.NoError(t, err)

	removed, err := svc.ExpireLots(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	lots, err := repo.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, fresh.ID, lots[0].ID)
}
