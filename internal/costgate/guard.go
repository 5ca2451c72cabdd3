// Package costgate brackets every billed endpoint: per-user lock, cost
// lookup, daily limit, balance precheck, then charge and usage log.
package costgate

import (
	"context"
	"errors"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	creditservice "github.com/doodleops/platform/internal/credit/service"
	"github.com/doodleops/platform/internal/observability/metrics"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	usagerepository "github.com/doodleops/platform/internal/usage/repository"
	"github.com/doodleops/platform/pkg/kv"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld means another billed call for the same user is in flight.
	ErrLockHeld = errors.New("another billed call is in progress")
	// ErrUnpricedEndpoint means the endpoint has no configured cost. The
	// gate fails closed: an unpriced endpoint must never run for free.
	ErrUnpricedEndpoint = errors.New("endpoint has no configured cost")
	// ErrDailyLimitExceeded means today's call count hit the user's limit.
	ErrDailyLimitExceeded = errors.New("daily call limit exceeded")
	// ErrInsufficientCredits means the total balance cannot cover the cost.
	ErrInsufficientCredits = errors.New("insufficient credits, please buy more")
	// ErrAccessPaused means the account is past due; the reconciler pauses
	// access on invoice payment failure and resumes it on payment.
	ErrAccessPaused = errors.New("account access is paused pending payment")
)

type Params struct {
	fx.In

	KV      *kv.Store
	Credits *creditservice.Service
	Usage   *usagerepository.Repository
	Pricing *config.PricingConfigHolder
	Cfg     config.Config
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

type Guard struct {
	kv      *kv.Store
	credits *creditservice.Service
	usage   *usagerepository.Repository
	pricing *config.PricingConfigHolder
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
	locker  *Locker
}

func New(p Params) *Guard {
	return &Guard{
		kv:      p.KV,
		credits: p.Credits,
		usage:   p.Usage,
		pricing: p.Pricing,
		clock:   p.Clock,
		metrics: p.Metrics,
		log:     p.Log.Named("costgate"),
		locker:  NewLocker(p.KV, p.Cfg.CallLockTTL),
	}
}

// Checkout is the state of one admitted call, carried from Check through
// Settle and Release.
type Checkout struct {
	UserID   int64
	Endpoint string
	Cost     int64
	Metered  bool
}

// Check runs the admission stages in order; each can short-circuit. On any
// rejection after the lock was taken, the lock is released before
// returning, so callers only hold it across an admitted call.
func (g *Guard) Check(ctx context.Context, userID int64, endpoint string) (*Checkout, error) {
	ok, err := g.locker.Acquire(ctx, userID, endpoint)
	if err != nil {
		return nil, err
	}
	if !ok {
		g.metrics.IncGateDecision(endpoint, "lock_contention")
		return nil, ErrLockHeld
	}

	co, err := g.admit(ctx, userID, endpoint)
	if err != nil {
		if relErr := g.locker.Release(ctx, userID, endpoint); relErr != nil {
			g.log.Error("lock release after rejection failed",
				zap.Int64("user_id", userID), zap.Error(relErr))
		}
		return nil, err
	}
	g.metrics.IncGateDecision(endpoint, "admitted")
	return co, nil
}

func (g *Guard) admit(ctx context.Context, userID int64, endpoint string) (*Checkout, error) {
	cost, ok := g.pricing.Get().EndpointCosts[endpoint]
	if !ok {
		g.metrics.IncGateDecision(endpoint, "unpriced")
		g.log.Error("billed endpoint has no configured cost", zap.String("endpoint", endpoint))
		return nil, ErrUnpricedEndpoint
	}

	_, pastDue, err := g.kv.GetInt(ctx, subdomain.PastDueFlagKey(userID))
	if err != nil {
		return nil, err
	}
	if pastDue {
		g.metrics.IncGateDecision(endpoint, "past_due")
		return nil, ErrAccessPaused
	}

	now := g.clock.Now()
	day := usagedomain.Day(now)
	calls, err := g.usage.DailyCalls(ctx, day, userID)
	if err != nil {
		return nil, err
	}
	limit, found, err := g.kv.GetInt(ctx, subdomain.DailyLimitKey(userID))
	if err != nil {
		return nil, err
	}
	if !found {
		limit = g.pricing.Get().DefaultDailyCallLimit
	}
	if calls >= limit {
		g.metrics.IncGateDecision(endpoint, "daily_limit")
		return nil, ErrDailyLimitExceeded
	}

	co := &Checkout{UserID: userID, Endpoint: endpoint, Cost: cost}

	// Metered accounts are billed after the fact from the usage trail; the
	// daily limit above is their only pre-gate. The bypass requires a live
	// active flag: a metered user whose access was paused and not yet
	// cleaned up falls through to the balance stage like everyone else.
	_, metered, err := g.kv.GetInt(ctx, subdomain.MeteredFlagKey(userID))
	if err != nil {
		return nil, err
	}
	if metered {
		_, active, err := g.kv.GetInt(ctx, subdomain.ActiveFlagKey(userID))
		if err != nil {
			return nil, err
		}
		if active {
			co.Metered = true
			return co, nil
		}
	}

	balance, err := g.credits.TotalBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		g.metrics.IncGateDecision(endpoint, "insufficient_credits")
		return nil, ErrInsufficientCredits
	}
	return co, nil
}

// Settle charges and logs the finished call. Success and bad-request both
// charge (the work ran); any other failure skips the charge but still logs
// the attempt so abuse limiting sees it. Metered accounts are never
// deducted here; their entries carry the cost for the window calculator.
func (g *Guard) Settle(ctx context.Context, co *Checkout, charged bool) error {
	now := g.clock.Now()
	entry := usagedomain.Entry{
		Day:       usagedomain.Day(now),
		UserID:    co.UserID,
		APIName:   co.Endpoint,
		Timestamp: now.Unix(),
		Nonce:     ulid.Make().String(),
		Success:   charged,
	}

	if charged {
		entry.Credits = co.Cost
		if !co.Metered {
			if _, err := g.credits.Consume(ctx, co.UserID, co.Cost); err != nil {
				return err
			}
		}
		g.metrics.AddCreditsCharged(co.Endpoint, co.Cost)
	}

	return g.usage.RecordEntry(ctx, entry)
}

// Release drops the call lock. Safe to call after TTL expiry or a failed
// settle; it only deletes a lock this call still holds.
func (g *Guard) Release(ctx context.Context, co *Checkout) {
	if err := g.locker.Release(ctx, co.UserID, co.Endpoint); err != nil {
		g.log.Error("call lock release failed",
			zap.Int64("user_id", co.UserID),
			zap.String("endpoint", co.Endpoint),
			zap.Error(err))
	}
}
