package scheduler

import (
	"context"
	"errors"
	"time"

	recdomain "github.com/doodleops/platform/internal/reconciler/domain"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	"go.uber.org/zap"
)

type usageKey struct {
	UserID  int64
	APIName string
}

type usageTotals struct {
	Credits int64
	Calls   int64
}

func groupEntries(entries []usagedomain.Entry) map[usageKey]usageTotals {
	grouped := make(map[usageKey]usageTotals)
	for _, entry := range entries {
		key := usageKey{UserID: entry.UserID, APIName: entry.APIName}
		totals := grouped[key]
		totals.Credits += entry.Credits
		totals.Calls++
		grouped[key] = totals
	}
	return grouped
}

// MaterializeUsageJob aggregates yesterday's ephemeral entries into the
// durable api_counters rows. Re-running overwrites the same aggregates, so
// a crashed run just repeats.
func (s *Scheduler) MaterializeUsageJob(ctx context.Context) error {
	yesterday := s.clock.Now().AddDate(0, 0, -1)
	return s.materializeDay(ctx, yesterday)
}

func (s *Scheduler) materializeDay(ctx context.Context, date time.Time) error {
	day := usagedomain.Day(date)
	entries, err := s.usage.ListDayEntries(ctx, day)
	if err != nil {
		return err
	}

	var jobErr error
	for key, totals := range groupEntries(entries) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.usage.UpsertCounter(ctx, day, dateOnly(date), key.UserID, key.APIName, totals.Credits, totals.Calls); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// MaterializeCountersFor is the manual repair entrypoint: rebuild one
// (date, user, api) aggregate from the surviving ephemeral entries. Used
// by operators after the discrepancy sweep flags a triple.
func (s *Scheduler) MaterializeCountersFor(ctx context.Context, date time.Time, userID int64, apiName string) error {
	day := usagedomain.Day(date)
	entries, err := s.usage.ListDayEntries(ctx, day)
	if err != nil {
		return err
	}
	var totals usageTotals
	for _, entry := range entries {
		if entry.UserID == userID && entry.APIName == apiName {
			totals.Credits += entry.Credits
			totals.Calls++
		}
	}
	return s.usage.UpsertCounter(ctx, day, dateOnly(date), userID, apiName, totals.Credits, totals.Calls)
}

// DiscrepancySweepJob compares yesterday's materialized aggregates against
// the ephemeral entries. Mismatches are logged and counted, never
// auto-corrected: silent correction would mask a real data-loss bug.
func (s *Scheduler) DiscrepancySweepJob(ctx context.Context) error {
	date := s.clock.Now().AddDate(0, 0, -1)
	day := usagedomain.Day(date)

	counters, err := s.usage.CountersForDay(ctx, day)
	if err != nil {
		return err
	}
	entries, err := s.usage.ListDayEntries(ctx, day)
	if err != nil {
		return err
	}
	grouped := groupEntries(entries)

	seen := make(map[usageKey]bool)
	for _, counter := range counters {
		key := usageKey{UserID: counter.UserID, APIName: counter.APIName}
		seen[key] = true
		totals := grouped[key]
		if counter.CreditsUsed != totals.Credits || counter.NumberOfCalls != totals.Calls {
			s.metrics.IncDiscrepancy()
			s.log.Warn("usage aggregate disagrees with entry trail",
				zap.String("day", day),
				zap.Int64("user_id", counter.UserID),
				zap.String("api_name", counter.APIName),
				zap.Int64("sql_credits", counter.CreditsUsed),
				zap.Int64("kv_credits", totals.Credits),
				zap.Int64("sql_calls", counter.NumberOfCalls),
				zap.Int64("kv_calls", totals.Calls))
		}
	}
	for key, totals := range grouped {
		if seen[key] {
			continue
		}
		s.metrics.IncDiscrepancy()
		s.log.Warn("entry trail has no materialized aggregate",
			zap.String("day", day),
			zap.Int64("user_id", key.UserID),
			zap.String("api_name", key.APIName),
			zap.Int64("kv_credits", totals.Credits))
	}
	return nil
}

// ExpireLotsJob sweeps credit lots past their expiry.
func (s *Scheduler) ExpireLotsJob(ctx context.Context) error {
	removed, err := s.credits.ExpireLots(ctx, s.clock.Now(), s.cfg.ExpiryBatch)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("expired credit lots removed", zap.Int("count", removed))
	}
	return nil
}

// PushMeteredUsageJob reports confirmed window usage for every live
// metered subscription. No-op when no processor client is wired.
func (s *Scheduler) PushMeteredUsageJob(ctx context.Context) error {
	if s.processor == nil {
		return nil
	}
	items, err := s.subs.ListMeteredActive(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	var jobErr error
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		creditsUsed, err := s.tiers.CreditsUsedInWindow(ctx, &items[i])
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if creditsUsed == 0 {
			continue
		}
		if err := s.processor.ReportUsage(ctx, items[i].ExternalID, creditsUsed, now); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("metered usage push failed",
				zap.String("subscription", items[i].ExternalID),
				zap.Error(err))
		}
	}
	return jobErr
}

// PurgeWebhookAuditJob drops raw audit rows older than the retention
// window.
func (s *Scheduler) PurgeWebhookAuditJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.AuditTTL)
	removed, err := s.queue.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("aged webhook audit rows purged", zap.Int64("count", removed))
	}
	return nil
}

// WebhookQueueJob drains due webhook tasks. Local-state-not-found retries
// with fixed backoff until the attempt cap; anything else parks the task,
// with the audit row already annotated by the reconciler.
func (s *Scheduler) WebhookQueueJob(ctx context.Context) error {
	now := s.clock.Now()
	tasks, err := s.queue.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		procErr := s.reconciler.ProcessPayload(ctx, task.Payload)
		switch {
		case procErr == nil:
			if err := s.queue.CompleteTask(ctx, task.ID, s.clock.Now()); err != nil {
				jobErr = errors.Join(jobErr, err)
			}

		case errors.Is(procErr, recdomain.ErrLocalStateNotFound):
			if task.Attempts >= s.cfg.MaxAttempts {
				s.log.Warn("webhook task exhausted retries",
					zap.String("task_id", task.ID),
					zap.String("event_id", task.EventID))
				if err := s.queue.FailTask(ctx, task.ID, procErr.Error(), s.clock.Now()); err != nil {
					jobErr = errors.Join(jobErr, err)
				}
				continue
			}
			if err := s.queue.RetryTask(ctx, task.ID, now.Add(s.cfg.RetryBackoff), procErr.Error()); err != nil {
				jobErr = errors.Join(jobErr, err)
			}

		default:
			jobErr = errors.Join(jobErr, procErr)
			if err := s.queue.FailTask(ctx, task.ID, procErr.Error(), s.clock.Now()); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}
	}
	return jobErr
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
