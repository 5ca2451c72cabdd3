package service

import (
	"context"

	"github.com/doodleops/platform/internal/config"
	creditdomain "github.com/doodleops/platform/internal/credit/domain"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	"github.com/doodleops/platform/pkg/kv"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	KV      *kv.Store
	Log     *zap.Logger
	Pricing *config.PricingConfigHolder
}

// Service mirrors subscription state into the KeyValueStore flags the cost
// gate reads per request. SQL is the source of truth; the flags are a
// derived cache rewritten whole on every transition.
type Service struct {
	kv      *kv.Store
	log     *zap.Logger
	pricing *config.PricingConfigHolder
}

func New(p Params) *Service {
	return &Service{
		kv:      p.KV,
		log:     p.Log.Named("subscription.service"),
		pricing: p.Pricing,
	}
}

// MirrorFlags rewrites the derived flags for item. The daily limit is
// mirrored unconditionally; active, metered and the monthly balance only
// while the subscription is live.
func (s *Service) MirrorFlags(ctx context.Context, item *subdomain.SubscriptionItem) error {
	userID := item.UserID

	if item.DailyCallLimit > 0 {
		if err := s.kv.SetInt(ctx, subdomain.DailyLimitKey(userID), item.DailyCallLimit, 0); err != nil {
			return err
		}
	}

	if !item.Active || item.Deleted {
		return s.kv.Delete(ctx,
			subdomain.ActiveFlagKey(userID),
			subdomain.MeteredFlagKey(userID),
		)
	}

	if err := s.kv.SetInt(ctx, subdomain.ActiveFlagKey(userID), 1, 0); err != nil {
		return err
	}
	if item.Metered {
		if err := s.kv.SetInt(ctx, subdomain.MeteredFlagKey(userID), 1, 0); err != nil {
			return err
		}
	} else {
		if err := s.kv.Delete(ctx, subdomain.MeteredFlagKey(userID)); err != nil {
			return err
		}
	}

	if item.PastDue {
		if err := s.kv.SetInt(ctx, subdomain.PastDueFlagKey(userID), 1, 0); err != nil {
			return err
		}
	} else {
		if err := s.kv.Delete(ctx, subdomain.PastDueFlagKey(userID)); err != nil {
			return err
		}
	}
	return nil
}

// GrantMonthlyAllotment looks up the plan's monthly credits and writes the
// balance key. Metered plans have no allotment.
func (s *Service) GrantMonthlyAllotment(ctx context.Context, item *subdomain.SubscriptionItem) error {
	if item.Metered {
		return nil
	}
	allotment, ok := s.pricing.Get().MonthlyAllotments[item.PlanID]
	if !ok {
		s.log.Warn("no monthly allotment configured for plan",
			zap.String("plan_id", item.PlanID),
			zap.Int64("user_id", item.UserID),
		)
		return nil
	}
	return s.kv.SetInt(ctx, creditdomain.MonthKey(item.UserID), allotment, 0)
}

// PauseAccess flips the active flag off without touching the row, used when
// an invoice payment fails ahead of the subscription's own past-due event.
func (s *Service) PauseAccess(ctx context.Context, userID int64) error {
	if err := s.kv.Delete(ctx, subdomain.ActiveFlagKey(userID)); err != nil {
		return err
	}
	return s.kv.SetInt(ctx, subdomain.PastDueFlagKey(userID), 1, 0)
}

// ResumeAccess restores the active flag after a successful payment.
func (s *Service) ResumeAccess(ctx context.Context, userID int64) error {
	if err := s.kv.Delete(ctx, subdomain.PastDueFlagKey(userID)); err != nil {
		return err
	}
	return s.kv.SetInt(ctx, subdomain.ActiveFlagKey(userID), 1, 0)
}

// ClearFlags removes every derived key on soft delete: active, metered,
// past-due, the monthly balance and the daily-limit override. Deleting the
// override reverts the user to the global default limit.
func (s *Service) ClearFlags(ctx context.Context, userID int64) error {
	return s.kv.Delete(ctx,
		subdomain.ActiveFlagKey(userID),
		subdomain.MeteredFlagKey(userID),
		subdomain.PastDueFlagKey(userID),
		subdomain.DailyLimitKey(userID),
		creditdomain.MonthKey(userID),
	)
}
