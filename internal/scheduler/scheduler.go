// Package scheduler drives the periodic sweeps that persist time-derived
// subscription transitions and work through the webhook delivery log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/clock"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/subledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/internal/webhook/sender"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      webhookdomain.Service
	Deliverer       *sender.Deliverer
	Locker          *Locker `optional:"true"`
	Config          Config  `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      webhookdomain.Service
	deliverer       *sender.Deliverer
	locker          *Locker

	appRepo  repository.Repository[appdomain.App]
	planRepo repository.Repository[plandomain.Plan]

	// graceCursor is the grace sweep's keyset position across ticks. Rows
	// inside the grace window match the fetch predicate for the whole window
	// without being mutated; paging by id keeps them from pinning every
	// batch while later rows starve. Jobs run on a single goroutine.
	graceCursor snowflake.ID
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil ||
		p.InvoiceSvc == nil || p.PaymentSvc == nil || p.WebhookSvc == nil || p.Deliverer == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		deliverer:       p.Deliverer,
		locker:          p.Locker,

		appRepo:  repository.ProvideStore[appdomain.App](p.DB),
		planRepo: repository.ProvideStore[plandomain.Plan](p.DB),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		schedMetrics.IncJobError(name, err)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one tick. Jobs run sequentially, each against its own
// now, and job failures join rather than abort the tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(parent, s.cfg.LeaderLockKey, s.cfg.LeaderLockTTL)
		if err != nil {
			s.log.Warn("leader lock unavailable, skipping tick", zap.Error(err))
			return nil
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := s.locker.Release(parent, s.cfg.LeaderLockKey, token); err != nil {
				s.log.Warn("leader lock release failed", zap.Error(err))
			}
		}()
	}

	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"expire_trials", s.isJobEnabled("expire_trials"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_trials", 30*time.Second, s.ExpireTrialsJob)
		}},
		{"due_subscriptions", s.isJobEnabled("due_subscriptions"), func(ctx context.Context) error {
			return s.runJob(ctx, "due_subscriptions", 30*time.Second, s.DueSubscriptionsJob)
		}},
		{"grace_sweep", s.isJobEnabled("grace_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "grace_sweep", 30*time.Second, s.GraceSweepJob)
		}},
		{"scheduled_cancellations", s.isJobEnabled("scheduled_cancellations"), func(ctx context.Context) error {
			return s.runJob(ctx, "scheduled_cancellations", 30*time.Second, s.ScheduledCancellationsJob)
		}},
		{"expire_transactions", s.isJobEnabled("expire_transactions"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_transactions", 30*time.Second, s.ExpireTransactionsJob)
		}},
		{"retry_transactions", s.isJobEnabled("retry_transactions"), func(ctx context.Context) error {
			return s.runJob(ctx, "retry_transactions", 30*time.Second, s.RetryTransactionsJob)
		}},
		{"webhook_deliveries", s.isJobEnabled("webhook_deliveries"), func(ctx context.Context) error {
			return s.runJob(ctx, "webhook_deliveries", 60*time.Second, s.WebhookDeliveriesJob)
		}},
		{"webhook_recover", s.isJobEnabled("webhook_recover"), func(ctx context.Context) error {
			return s.runJob(ctx, "webhook_recover", 30*time.Second, s.WebhookRecoverJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// logShutdownCounters emits one line with the process-lifetime sweep and
// delivery counters so a restart does not silently discard them.
func (s *Scheduler) logShutdownCounters() {
	counters, err := obsmetrics.CounterSnapshot(prometheus.DefaultGatherer, "subledger_")
	if err != nil {
		s.log.Warn("counter snapshot failed", zap.Error(err))
		return
	}
	if len(counters) == 0 {
		return
	}
	s.log.Info("lifetime counters", zap.Any("counters", counters))
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
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
