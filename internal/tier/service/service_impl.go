package service

import (
	"context"
	"time"

	"github.com/doodleops/platform/internal/clock"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	tierdomain "github.com/doodleops/platform/internal/tier/domain"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	usagerepository "github.com/doodleops/platform/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Usage *usagerepository.Repository
	Log   *zap.Logger
	Clock clock.Clock
}

// Service prices metered subscriptions: credits used inside the billing
// window, then the tier schedule applied to the total.
type Service struct {
	db    *gorm.DB
	usage *usagerepository.Repository
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		usage: p.Usage,
		log:   p.Log.Named("tier.service"),
		clock: p.Clock,
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CreditsUsedInWindow stitches three sources over the subscription period:
// materialized counters for whole days strictly inside the window,
// ephemeral entry scans for the partial first and last days around the
// exact period timestamps, and a live scan of today when it falls inside
// the window. SQL only ever holds completed days; the current and boundary
// days live in the KeyValueStore until the nightly materialization.
func (s *Service) CreditsUsedInWindow(ctx context.Context, sub *subdomain.SubscriptionItem) (int64, error) {
	start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
	end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	if !start.Before(end) {
		return 0, nil
	}

	now := s.clock.Now().UTC()
	today := usagedomain.Day(now)
	firstDay := usagedomain.Day(start)
	lastDay := usagedomain.Day(end)

	total, err := s.usage.SumCountersBetween(ctx, sub.UserID, dayStart(start), dayStart(end), today)
	if err != nil {
		return 0, err
	}

	// Partial first day: entries after the exact period-start timestamp. When
	// the window opens and closes on the same day, this is the whole window.
	firstDayBound := dayStart(start).Add(24 * time.Hour)
	if firstDay == lastDay {
		firstDayBound = end
	}
	partial, err := s.usage.SumEntriesBetween(ctx, firstDay, sub.UserID, start, firstDayBound)
	if err != nil {
		return 0, err
	}
	total += partial

	// Partial last day: entries before the exact period-end timestamp.
	if lastDay != firstDay {
		partial, err = s.usage.SumEntriesBetween(ctx, lastDay, sub.UserID, dayStart(end).Add(-time.Second), end)
		if err != nil {
			return 0, err
		}
		total += partial
	}

	// Today, when strictly inside the window, is neither materialized nor
	// covered by the boundary scans.
	if today != firstDay && today != lastDay && now.After(start) && now.Before(end) {
		live, err := s.usage.SumUserDay(ctx, today, sub.UserID)
		if err != nil {
			return 0, err
		}
		total += live
	}

	return total, nil
}

// CostForTier prices the window's total usage. The last tier whose start is
// at or below the usage wins and its flat fee plus per-credit rate applies
// to the whole total. Zero usage short-circuits without a tier lookup.
func (s *Service) CostForTier(ctx context.Context, sub *subdomain.SubscriptionItem) (cost, creditsUsed int64, err error) {
	if sub == nil || !sub.Metered || !sub.Active || sub.Deleted {
		return 0, 0, tierdomain.ErrNotMetered
	}

	creditsUsed, err = s.CreditsUsedInWindow(ctx, sub)
	if err != nil {
		return 0, 0, err
	}
	if creditsUsed == 0 {
		return 0, 0, nil
	}

	var tiers []tierdomain.PriceTier
	if err := s.db.WithContext(ctx).
		Where("plan_id = ?", sub.PlanID).
		Order("start_amount ASC").
		Find(&tiers).Error; err != nil {
		return 0, 0, err
	}

	var applicable *tierdomain.PriceTier
	for i := range tiers {
		if tiers[i].StartAmount <= creditsUsed {
			applicable = &tiers[i]
		}
	}
	if applicable == nil {
		s.log.Warn("no price tier qualifies for usage",
			zap.String("plan_id", sub.PlanID),
			zap.Int64("credits_used", creditsUsed),
		)
		return 0, creditsUsed, nil
	}

	cost = applicable.FlatFee + creditsUsed*applicable.PerCreditAmount
	return cost, creditsUsed, nil
}
