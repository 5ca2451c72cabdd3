// Package scheduler runs the periodic reconciliation jobs: usage
// materialization, the discrepancy sweep, lot expiry, metered usage push
// and the webhook queue drain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doodleops/platform/internal/clock"
	creditservice "github.com/doodleops/platform/internal/credit/service"
	"github.com/doodleops/platform/internal/observability/metrics"
	recrepository "github.com/doodleops/platform/internal/reconciler/repository"
	recservice "github.com/doodleops/platform/internal/reconciler/service"
	subrepository "github.com/doodleops/platform/internal/subscription/repository"
	tierservice "github.com/doodleops/platform/internal/tier/service"
	usagerepository "github.com/doodleops/platform/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

// ProcessorClient reports confirmed usage to the payment processor for
// metered subscriptions. The real client lives with the deployment; tests
// inject a fake.
type ProcessorClient interface {
	ReportUsage(ctx context.Context, subscriptionExternalID string, creditsUsed int64, at time.Time) error
}

type Params struct {
	fx.In

	Usage      *usagerepository.Repository
	Credits    *creditservice.Service
	Tiers      *tierservice.Service
	Subs       *subrepository.Repository
	Reconciler *recservice.Service
	Queue      *recrepository.Repository
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Processor  ProcessorClient `optional:"true"`
	Config     Config          `optional:"true"`
}

type Scheduler struct {
	usage      *usagerepository.Repository
	credits    *creditservice.Service
	tiers      *tierservice.Service
	subs       *subrepository.Repository
	reconciler *recservice.Service
	queue      *recrepository.Repository
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        *zap.Logger
	processor  ProcessorClient
	cfg        Config
}

func New(p Params) (*Scheduler, error) {
	if p.Usage == nil || p.Credits == nil || p.Tiers == nil || p.Subs == nil ||
		p.Reconciler == nil || p.Queue == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		usage:      p.Usage,
		credits:    p.Credits,
		tiers:      p.Tiers,
		subs:       p.Subs,
		reconciler: p.Reconciler,
		queue:      p.Queue,
		clock:      p.Clock,
		metrics:    p.Metrics,
		log:        p.Log.Named("scheduler"),
		processor:  p.Processor,
		cfg:        p.Config.withDefaults(),
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}
	s.metrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job in order and joins their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"materialize_usage", s.MaterializeUsageJob},
		{"discrepancy_sweep", s.DiscrepancySweepJob},
		{"expire_lots", s.ExpireLotsJob},
		{"push_metered_usage", s.PushMeteredUsageJob},
		{"webhook_queue", s.WebhookQueueJob},
		{"purge_webhook_audit", s.PurgeWebhookAuditJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

// RunForever loops RunOnce on the configured interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
