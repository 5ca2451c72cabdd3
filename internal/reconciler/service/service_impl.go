package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	creditservice "github.com/doodleops/platform/internal/credit/service"
	"github.com/doodleops/platform/internal/observability/metrics"
	recdomain "github.com/doodleops/platform/internal/reconciler/domain"
	recrepository "github.com/doodleops/platform/internal/reconciler/repository"
	"github.com/doodleops/platform/internal/reconciler/stripe"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	subrepository "github.com/doodleops/platform/internal/subscription/repository"
	subservice "github.com/doodleops/platform/internal/subscription/service"
	tierservice "github.com/doodleops/platform/internal/tier/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ReceiptGenerator renders a purchase receipt; the PDF provider implements
// it. Failures are logged and never block reconciliation.
type ReceiptGenerator interface {
	CreditPurchaseReceipt(ctx context.Context, userID, amountMinorUnits, credits int64, reference string, at time.Time) (string, error)
}

type Params struct {
	fx.In

	Adapter  *stripe.Adapter
	Repo     *recrepository.Repository
	Subs     *subrepository.Repository
	SubFlags *subservice.Service
	Credits  *creditservice.Service
	Tiers    *tierservice.Service
	Pricing  *config.PricingConfigHolder
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Receipts ReceiptGenerator `optional:"true"`
}

// Service is the event reconciler: the web side verifies and enqueues, the
// worker side dispatches by object type and converges local state.
type Service struct {
	adapter  *stripe.Adapter
	repo     *recrepository.Repository
	subs     *subrepository.Repository
	subFlags *subservice.Service
	credits  *creditservice.Service
	tiers    *tierservice.Service
	pricing  *config.PricingConfigHolder
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
	receipts ReceiptGenerator
}

func New(p Params) *Service {
	return &Service{
		adapter:  p.Adapter,
		repo:     p.Repo,
		subs:     p.Subs,
		subFlags: p.SubFlags,
		credits:  p.Credits,
		tiers:    p.Tiers,
		pricing:  p.Pricing,
		clock:    p.Clock,
		metrics:  p.Metrics,
		log:      p.Log.Named("reconciler.service"),
		receipts: p.Receipts,
	}
}

// HandleDelivery is the web half: verify the signature, record the audit
// row and enqueue a task. It must return quickly; the processor retries
// anything that is not acknowledged with a 200.
func (s *Service) HandleDelivery(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.adapter.Verify(payload, headers); err != nil {
		return err
	}
	event, err := s.adapter.Parse(payload)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	inserted, err := s.repo.RecordEvent(ctx, &recdomain.StripeEvent{
		EventID:    event.ID,
		ObjectType: string(event.ObjectType),
		Action:     string(event.Action),
		Status:     recdomain.EventStatusReceived,
		Payload:    payload,
		ReceivedAt: now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Info("duplicate event delivery", zap.String("event_id", event.ID))
	}

	_, err = s.repo.Enqueue(ctx, event.ID, payload, now)
	return err
}

// Process dispatches one parsed event. ErrLocalStateNotFound propagates so
// the task queue retries; every other outcome finalizes the audit row.
func (s *Service) Process(ctx context.Context, event *stripe.Event) error {
	var (
		status = recdomain.EventStatusProcessed
		note   string
		err    error
	)

	switch event.ObjectType {
	case stripe.ObjectCustomer:
		status, note, err = s.handleCustomer(ctx, event)
	case stripe.ObjectSubscription:
		status, note, err = s.handleSubscription(ctx, event)
	case stripe.ObjectInvoice:
		status, note, err = s.handleInvoice(ctx, event)
	case stripe.ObjectPaymentIntent:
		status, note, err = s.handlePaymentIntent(ctx, event)
	default:
		status = recdomain.EventStatusIgnored
		note = fmt.Sprintf("unrecognized event type %q", event.Type)
		s.log.Info("dropping unhandled event",
			zap.String("event_id", event.ID), zap.String("type", event.Type))
	}

	if errors.Is(err, recdomain.ErrLocalStateNotFound) {
		s.metrics.IncWebhookEvent(string(event.ObjectType), "deferred")
		return err
	}
	if err != nil {
		s.metrics.IncWebhookEvent(string(event.ObjectType), "failed")
		if markErr := s.repo.MarkEvent(ctx, event.ID, recdomain.EventStatusFailed, err.Error(), s.clock.Now()); markErr != nil {
			s.log.Error("marking failed event", zap.String("event_id", event.ID), zap.Error(markErr))
		}
		return err
	}

	s.metrics.IncWebhookEvent(string(event.ObjectType), status)
	return s.repo.MarkEvent(ctx, event.ID, status, note, s.clock.Now())
}

// ProcessPayload re-parses a queued payload and processes it.
func (s *Service) ProcessPayload(ctx context.Context, payload []byte) error {
	event, err := s.adapter.Parse(payload)
	if err != nil {
		return err
	}
	return s.Process(ctx, event)
}

// Customer events link the processor customer to a local user when the
// metadata carries one; otherwise the raw event is kept for audit only.
func (s *Service) handleCustomer(ctx context.Context, event *stripe.Event) (string, string, error) {
	var customer stripe.Customer
	if err := stripe.DecodeObject(event, &customer); err != nil {
		return "", "", err
	}

	raw, ok := customer.Metadata["user_id"]
	if !ok {
		return recdomain.EventStatusAuditOnly, "customer has no local user link", nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID == 0 {
		return recdomain.EventStatusAuditOnly, "customer metadata user_id is not a valid id", nil
	}

	if err := s.subs.UpsertCustomer(ctx, customer.ID, userID, customer.Email); err != nil {
		return "", "", err
	}
	return recdomain.EventStatusProcessed, "", nil
}

func (s *Service) handleSubscription(ctx context.Context, event *stripe.Event) (string, string, error) {
	var sub stripe.Subscription
	if err := stripe.DecodeObject(event, &sub); err != nil {
		return "", "", err
	}

	userID, err := s.subs.UserByCustomer(ctx, sub.Customer)
	if errors.Is(err, subdomain.ErrCustomerNotLinked) {
		// The customer event may simply not have arrived yet.
		return "", "", recdomain.ErrLocalStateNotFound
	}
	if err != nil {
		return "", "", err
	}

	switch event.Action {
	case stripe.ActionSubscriptionCreated:
		return s.subscriptionCreated(ctx, event, sub, userID)
	case stripe.ActionSubscriptionUpdated:
		return s.subscriptionUpdated(ctx, event, sub)
	case stripe.ActionSubscriptionDeleted:
		return s.subscriptionDeleted(ctx, event, sub)
	}
	return recdomain.EventStatusIgnored, "unrecognized subscription action", nil
}

// subscriptionCreated replaces any prior rows for the user. Metered plans
// activate immediately; flat-rate plans stay inactive until the updated
// event flips them. The daily limit mirrors unconditionally.
func (s *Service) subscriptionCreated(ctx context.Context, event *stripe.Event, sub stripe.Subscription, userID int64) (string, string, error) {
	pricing := s.pricing.Get()
	metered := sub.Metered()

	item := &subdomain.SubscriptionItem{
		ExternalID:         sub.ID,
		UserID:             userID,
		PlanID:             sub.PlanID(),
		Metered:            metered,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		StartDate:          time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		EndDate:            time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Active:             metered || sub.Status == subdomain.StatusActive,
		LastEventID:        event.ID,
	}
	if limit, ok := pricing.DailyCallLimits[item.PlanID]; ok {
		item.DailyCallLimit = limit
	} else {
		item.DailyCallLimit = pricing.DefaultDailyCallLimit
	}

	if err := s.subs.ReplaceForUser(ctx, item); err != nil {
		return "", "", err
	}
	if err := s.subFlags.MirrorFlags(ctx, item); err != nil {
		return "", "", err
	}
	if item.Active {
		if err := s.subFlags.GrantMonthlyAllotment(ctx, item); err != nil {
			return "", "", err
		}
	}
	return recdomain.EventStatusProcessed, "", nil
}

// subscriptionUpdated matches one of five transition shapes; anything else
// is a deliberate no-op so unexpected-but-harmless payload shapes cannot
// crash the handler.
func (s *Service) subscriptionUpdated(ctx context.Context, event *stripe.Event, sub stripe.Subscription) (string, string, error) {
	item, err := s.subs.FindByExternalID(ctx, sub.ID)
	if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
		return "", "", recdomain.ErrLocalStateNotFound
	}
	if err != nil {
		return "", "", err
	}

	renewed := sub.CurrentPeriodStart > item.CurrentPeriodStart &&
		sub.CurrentPeriodEnd > item.CurrentPeriodEnd

	switch {
	// (a) first activation of a flat-rate plan.
	case !item.Active && !item.Metered && sub.Status == subdomain.StatusActive && !renewed:
		item.Active = true
		item.PastDue = false
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		if err := s.subFlags.MirrorFlags(ctx, item); err != nil {
			return "", "", err
		}
		if err := s.subFlags.GrantMonthlyAllotment(ctx, item); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "activated", nil

	// (b) renewal: both period bounds advanced.
	case renewed:
		item.CurrentPeriodStart = sub.CurrentPeriodStart
		item.CurrentPeriodEnd = sub.CurrentPeriodEnd
		item.StartDate = time.Unix(sub.CurrentPeriodStart, 0).UTC()
		item.EndDate = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		item.Active = true
		item.PastDue = false
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		if err := s.subFlags.MirrorFlags(ctx, item); err != nil {
			return "", "", err
		}
		// Non-metered plans get a fresh monthly grant; metered usage for the
		// closed period goes out via the scheduled push job.
		if err := s.subFlags.GrantMonthlyAllotment(ctx, item); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "renewed", nil

	// (c) cancel-at-period-end flag set.
	case !item.CancelAtPeriodEnd && sub.CancelAtPeriodEnd:
		item.CancelAtPeriodEnd = true
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "cancel scheduled", nil

	// (d) un-cancel.
	case item.CancelAtPeriodEnd && !sub.CancelAtPeriodEnd:
		item.CancelAtPeriodEnd = false
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "cancel reverted", nil

	// (e) past-due toggle, pausing or resuming access without touching the row
	// beyond the flag.
	case item.Active && !item.PastDue && sub.Status == subdomain.StatusPastDue:
		item.PastDue = true
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		if err := s.subFlags.PauseAccess(ctx, item.UserID); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "past due", nil

	case item.PastDue && sub.Status == subdomain.StatusActive:
		item.PastDue = false
		item.LastEventID = event.ID
		if err := s.subs.Save(ctx, item); err != nil {
			return "", "", err
		}
		if err := s.subFlags.ResumeAccess(ctx, item.UserID); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "resumed", nil
	}

	s.log.Info("subscription update matched no transition shape",
		zap.String("event_id", event.ID),
		zap.String("subscription", sub.ID),
		zap.String("status", sub.Status))
	return recdomain.EventStatusIgnored, "no matching transition", nil
}

// subscriptionDeleted soft-deletes the row and clears every derived flag;
// the row stays for invoice history. Metered plans additionally reconcile
// any still-open draft invoice against the final usage calculation.
func (s *Service) subscriptionDeleted(ctx context.Context, event *stripe.Event, sub stripe.Subscription) (string, string, error) {
	item, err := s.subs.FindByExternalID(ctx, sub.ID)
	if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
		return recdomain.EventStatusIgnored, "no local row to delete", nil
	}
	if err != nil {
		return "", "", err
	}

	// Final usage must be priced while the row still counts as active.
	if item.Metered && item.Active {
		if err := s.reconcileDraftInvoices(ctx, item); err != nil {
			return "", "", err
		}
	}

	item.Active = false
	item.PastDue = false
	item.Deleted = true
	item.LastEventID = event.ID
	if err := s.subs.Save(ctx, item); err != nil {
		return "", "", err
	}
	if err := s.subFlags.ClearFlags(ctx, item.UserID); err != nil {
		return "", "", err
	}
	return recdomain.EventStatusProcessed, "soft deleted", nil
}

func (s *Service) reconcileDraftInvoices(ctx context.Context, item *subdomain.SubscriptionItem) error {
	cost, creditsUsed, err := s.tiers.CostForTier(ctx, item)
	if err != nil {
		return err
	}
	drafts, err := s.repo.OpenDraftInvoices(ctx, item.ExternalID)
	if err != nil {
		return err
	}
	for i := range drafts {
		if drafts[i].AmountDue >= cost {
			continue
		}
		s.log.Warn("draft invoice under-counted final usage",
			zap.String("invoice", drafts[i].ExternalID),
			zap.Int64("draft_amount", drafts[i].AmountDue),
			zap.Int64("final_amount", cost),
			zap.Int64("credits_used", creditsUsed))
		drafts[i].AmountDue = cost
		if err := s.repo.SaveInvoice(ctx, &drafts[i]); err != nil {
			return err
		}
	}
	return nil
}

// Invoice events upsert local state. A failed payment pauses access ahead
// of the subscription's own past-due event, since the invoice is the
// faster signal; a succeeded payment resumes it.
func (s *Service) handleInvoice(ctx context.Context, event *stripe.Event) (string, string, error) {
	var invoice stripe.Invoice
	if err := stripe.DecodeObject(event, &invoice); err != nil {
		return "", "", err
	}

	userID, err := s.subs.UserByCustomer(ctx, invoice.Customer)
	if errors.Is(err, subdomain.ErrCustomerNotLinked) {
		return "", "", recdomain.ErrLocalStateNotFound
	}
	if err != nil {
		return "", "", err
	}

	if err := s.repo.UpsertInvoice(ctx, &recdomain.Invoice{
		ExternalID:     invoice.ID,
		UserID:         userID,
		SubscriptionID: invoice.Subscription,
		Status:         invoice.Status,
		AmountDue:      invoice.AmountDue,
		AmountPaid:     invoice.AmountPaid,
		Currency:       invoice.Currency,
	}); err != nil {
		return "", "", err
	}

	switch event.Action {
	case stripe.ActionInvoicePaymentFailed:
		if err := s.subFlags.PauseAccess(ctx, userID); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "access paused", nil
	case stripe.ActionInvoicePaymentSucceeded:
		if err := s.subFlags.ResumeAccess(ctx, userID); err != nil {
			return "", "", err
		}
		return recdomain.EventStatusProcessed, "access resumed", nil
	}
	return recdomain.EventStatusProcessed, "", nil
}

// Payment intents split on shape: subscription payments are audit-only,
// one-time purchases grant a credit lot exactly once per intent id.
func (s *Service) handlePaymentIntent(ctx context.Context, event *stripe.Event) (string, string, error) {
	var intent stripe.PaymentIntent
	if err := stripe.DecodeObject(event, &intent); err != nil {
		return "", "", err
	}

	userID, err := s.subs.UserByCustomer(ctx, intent.Customer)
	if errors.Is(err, subdomain.ErrCustomerNotLinked) {
		return "", "", recdomain.ErrLocalStateNotFound
	}
	if err != nil {
		return "", "", err
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	if !intent.OneTimePurchase() {
		_, err := s.repo.RecordPaymentIntent(ctx, &recdomain.PaymentIntent{
			ExternalID: intent.ID,
			UserID:     userID,
			Amount:     amount,
			Currency:   intent.Currency,
			Kind:       recdomain.PaymentKindSubscription,
		})
		if err != nil {
			return "", "", err
		}
		return recdomain.EventStatusAuditOnly, "subscription payment", nil
	}

	inserted, err := s.repo.RecordPaymentIntent(ctx, &recdomain.PaymentIntent{
		ExternalID: intent.ID,
		UserID:     userID,
		Amount:     amount,
		Currency:   intent.Currency,
		Kind:       recdomain.PaymentKindCreditPurchase,
	})
	if err != nil {
		return "", "", err
	}
	if !inserted {
		return recdomain.EventStatusProcessed, "replayed purchase, grant skipped", nil
	}

	credits, err := s.credits.AddOneTimeCredits(ctx, userID, amount, "stripe", false)
	if err != nil {
		return "", "", err
	}
	if err := s.repo.SetIntentCredits(ctx, intent.ID, credits); err != nil {
		return "", "", err
	}

	if s.receipts != nil {
		if path, err := s.receipts.CreditPurchaseReceipt(ctx, userID, amount, credits, intent.ID, s.clock.Now()); err != nil {
			s.log.Warn("receipt generation failed",
				zap.String("intent", intent.ID), zap.Error(err))
		} else {
			s.log.Info("purchase receipt written",
				zap.String("intent", intent.ID), zap.String("path", path))
		}
	}
	return recdomain.EventStatusProcessed, fmt.Sprintf("granted %d credits", credits), nil
}
