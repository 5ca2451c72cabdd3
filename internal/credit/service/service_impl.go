package service

import (
	"context"
	"time"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	creditdomain "github.com/doodleops/platform/internal/credit/domain"
	creditrepository "github.com/doodleops/platform/internal/credit/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo    *creditrepository.Repository
	Log     *zap.Logger
	Pricing *config.PricingConfigHolder
	Clock   clock.Clock
}

// Service is the credit ledger: one-time lots consumed FIFO, then the
// monthly subscription balance.
type Service struct {
	repo    *creditrepository.Repository
	log     *zap.Logger
	pricing *config.PricingConfigHolder
	clock   clock.Clock
}

func New(p Params) *Service {
	return &Service{
		repo:    p.Repo,
		log:     p.Log.Named("credit.service"),
		pricing: p.Pricing,
		clock:   p.Clock,
	}
}

// TotalBalance sums all lot remainders plus the monthly balance. Read only.
func (s *Service) TotalBalance(ctx context.Context, userID int64) (int64, error) {
	lots, err := s.repo.ListLots(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, lot := range lots {
		total += lot.Remaining
	}
	monthly, err := s.repo.MonthlyBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return total + monthly, nil
}

// Consume pays for amount credits: lots are drained oldest first, honoring
// expiry fairness, and any remainder comes out of the monthly balance.
// Each lot decrement is individually atomic but the walk is not a
// cross-lot transaction; the call lock serializes the hot path and the
// discrepancy sweep catches residual drift.
//
// The monthly decrement does not clamp at zero: the caller must have
// verified total sufficiency. Returns the remainder routed to the monthly
// balance (zero when lots covered everything).
func (s *Service) Consume(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}

	lots, err := s.repo.ListLots(ctx, userID)
	if err != nil {
		return 0, err
	}

	remaining := amount
	for _, lot := range lots {
		if lot.Remaining > remaining {
			if err := s.repo.DecrementLot(ctx, userID, lot.ID, remaining); err != nil {
				return 0, err
			}
			remaining = 0
			break
		}
		remaining -= lot.Remaining
		if err := s.repo.DeleteLot(ctx, userID, lot.ID); err != nil {
			return 0, err
		}
		if remaining == 0 {
			break
		}
	}

	if remaining > 0 {
		if err := s.repo.DecrementMonthlyBalance(ctx, userID, remaining); err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

// AddOneTimeCredits converts a purchase amount in currency minor units into
// credits and creates a lot. The three fixed bands carry tax-adjusted bonus
// counts; above the top band, or for manual administrative grants, the
// conversion is exact at the configured ratio.
func (s *Service) AddOneTimeCredits(ctx context.Context, userID, amountMinorUnits int64, source string, manual bool) (int64, error) {
	if amountMinorUnits <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	pricing := s.pricing.Get()

	credits := int64(0)
	if !manual {
		for _, band := range pricing.PurchaseBands {
			if amountMinorUnits <= band.UpTo {
				credits = band.Credits
				break
			}
		}
	}
	if credits == 0 {
		credits = int64(float64(amountMinorUnits) / pricing.CreditRatio)
	}
	if credits <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	expiresAt := now.AddDate(0, 0, pricing.LotExpiryDays)
	lot, err := s.repo.CreateLot(ctx, userID, credits, source, now, expiresAt)
	if err != nil {
		return 0, err
	}
	s.log.Info("credit lot created",
		zap.Int64("user_id", userID),
		zap.String("lot_id", lot.ID.String()),
		zap.Int64("credits", credits),
		zap.String("source", source),
	)
	return credits, nil
}

// RemoveCredits is the administrative reversal. It fails loudly when the
// amount exceeds the targeted balance category; it never clamps.
func (s *Service) RemoveCredits(ctx context.Context, userID, amount int64, source creditdomain.RemovalSource) error {
	if amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	switch source {
	case creditdomain.RemovalSourceLots:
		lots, err := s.repo.ListLots(ctx, userID)
		if err != nil {
			return err
		}
		var total int64
		for _, lot := range lots {
			total += lot.Remaining
		}
		if amount > total {
			return creditdomain.ErrInsufficientLots
		}
		remaining := amount
		for _, lot := range lots {
			if lot.Remaining > remaining {
				return s.repo.DecrementLot(ctx, userID, lot.ID, remaining)
			}
			remaining -= lot.Remaining
			if err := s.repo.DeleteLot(ctx, userID, lot.ID); err != nil {
				return err
			}
			if remaining == 0 {
				return nil
			}
		}
		return nil

	case creditdomain.RemovalSourceSubscription:
		balance, err := s.repo.MonthlyBalance(ctx, userID)
		if err != nil {
			return err
		}
		if amount > balance {
			return creditdomain.ErrInsufficientSubscription
		}
		return s.repo.DecrementMonthlyBalance(ctx, userID, amount)

	default:
		return creditdomain.ErrInvalidRemovalSource
	}
}

// GrantMonthlyAllotment resets the monthly balance to the plan's full
// grant, on activation and on each renewal.
func (s *Service) GrantMonthlyAllotment(ctx context.Context, userID, amount int64) error {
	return s.repo.SetMonthlyBalance(ctx, userID, amount)
}

// RevokeMonthlyAllotment clears the monthly balance on cancellation.
func (s *Service) RevokeMonthlyAllotment(ctx context.Context, userID int64) error {
	return s.repo.ClearMonthlyBalance(ctx, userID)
}

// ExpireLots sweeps lots past their expiry out of both stores. Runs from
// the scheduler; may race an in-flight charge by at most one lot's worth,
// which the discrepancy sweep surfaces.
func (s *Service) ExpireLots(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.repo.ExpiredLots(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, lot := range expired {
		if err := s.repo.DeleteLot(ctx, lot.UserID, lot.ID); err != nil {
			return removed, err
		}
		removed++
		s.log.Info("credit lot expired",
			zap.Int64("user_id", lot.UserID),
			zap.String("lot_id", lot.ID.String()),
		)
	}
	return removed, nil
}
