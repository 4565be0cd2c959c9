package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/appcontext"
	obsmetrics "github.com/smallbiznis/subledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/internal/webhook/sender"
	"go.uber.org/zap"
)

// defaultProvider names the charge provider used for sweep-initiated
// renewals until per-app provider routing exists.
const defaultProvider = "default"

// ExpireTrialsJob persists the trial-expiry transition for subscriptions
// whose trial has ended, then emits subscription.trial_ended.
func (s *Scheduler) ExpireTrialsJob(ctx context.Context) error {
	now := s.clock.Now()

	subs, err := s.fetchSubscriptions(ctx,
		`status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?`,
		[]any{subscriptiondomain.StatusTrialing, now},
		s.cfg.BatchSize,
	)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		updated, err := s.subscriptionSvc.MarkPendingPayment(ctx, sub.ID.String(), now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("expire_trials", sub.ID, err)
			continue
		}
		if !updated {
			continue
		}
		processed++
		s.dispatch(ctx, sub, webhookdomain.EventSubscriptionTrialEnded)
	}

	obsmetrics.Scheduler().AddBatchProcessed("expire_trials", "subscriptions", processed)
	return jobErr
}

// DueSubscriptionsJob finds subscriptions whose period has elapsed, generates
// the invoice for the elapsed period if none exists, and requests the renewal
// charge. The existence check is the duplicate-billing guard.
func (s *Scheduler) DueSubscriptionsJob(ctx context.Context) error {
	now := s.clock.Now()

	subs, err := s.fetchSubscriptions(ctx,
		`status IN (?, ?) AND current_period_end IS NOT NULL AND current_period_end <= ?`,
		[]any{subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing, now},
		s.cfg.BatchSize,
	)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if sub.CurrentPeriodEnd == nil {
			continue
		}

		plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: sub.PlanID})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("due_subscriptions", sub.ID, err)
			continue
		}
		if plan == nil {
			s.log.Error("plan missing for subscription, skipping",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("plan_id", sub.PlanID.String()),
			)
			continue
		}

		periodStart := *sub.CurrentPeriodEnd
		periodEnd := plan.NextPeriodEnd(periodStart)

		exists, err := s.invoiceSvc.ExistsForPeriod(ctx, sub.ID, periodStart, periodEnd)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("due_subscriptions", sub.ID, err)
			continue
		}
		if exists {
			continue
		}

		invoice, created, err := s.invoiceSvc.GenerateForPeriod(ctx, sub.ID, periodStart, periodEnd, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("due_subscriptions", sub.ID, err)
			continue
		}
		if !created {
			continue
		}
		processed++

		if sub.Status == subscriptiondomain.StatusActive {
			invoiceID := invoice.ID
			_, err = s.paymentSvc.InitiateCharge(ctx, paymentdomain.InitiateChargeRequest{
				SubscriptionID: sub.ID,
				InvoiceID:      &invoiceID,
				Amount:         invoice.Amount,
				Currency:       invoice.Currency,
				Provider:       defaultProvider,
			}, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logItemError("due_subscriptions", sub.ID, err)
			}
		}
	}

	obsmetrics.Scheduler().AddBatchProcessed("due_subscriptions", "invoices", processed)
	return jobErr
}

// GraceSweepJob is the single authority that persists PAST_DUE. It loads the
// owning app per subscription; a missing grace period is a configuration
// error logged per item, never fatal to the batch.
//
// The fetch is bounded to elapsed periods (the grace deadline is never
// earlier than the period end) and pages by id across ticks, so rows still
// inside their grace window cannot occupy every batch.
func (s *Scheduler) GraceSweepJob(ctx context.Context) error {
	now := s.clock.Now()

	subs, err := s.fetchSubscriptions(ctx,
		`status IN (?, ?) AND current_period_end IS NOT NULL AND current_period_end <= ? AND id > ?`,
		[]any{subscriptiondomain.StatusActive, subscriptiondomain.StatusPendingPayment, now, s.graceCursor},
		s.cfg.BatchSize,
	)
	if err != nil {
		return err
	}
	if len(subs) < s.cfg.BatchSize {
		s.graceCursor = 0
	} else {
		s.graceCursor = subs[len(subs)-1].ID
	}

	graceByApp := make(map[snowflake.ID]*int)
	var jobErr error
	processed := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if sub.CurrentPeriodEnd == nil {
			// Awaiting first payment; no grace deadline exists yet.
			continue
		}

		grace, ok := graceByApp[sub.AppID]
		if !ok {
			app, err := s.appRepo.FindOne(ctx, &appdomain.App{ID: sub.AppID})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logItemError("grace_sweep", sub.ID, err)
				continue
			}
			if app == nil {
				s.log.Error("app missing for subscription, skipping",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("app_id", sub.AppID.String()),
				)
				continue
			}
			grace = app.GracePeriodDays
			graceByApp[sub.AppID] = grace
		}
		if grace == nil {
			s.log.Error("app has no grace period configured, skipping",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("app_id", sub.AppID.String()),
			)
			continue
		}

		deadline := subscriptiondomain.GraceDeadline(*sub.CurrentPeriodEnd, *grace)
		if !now.After(deadline) {
			continue
		}

		updated, err := s.subscriptionSvc.MarkPastDue(ctx, sub.ID.String(), now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("grace_sweep", sub.ID, err)
			continue
		}
		if !updated {
			continue
		}
		processed++
		s.dispatch(ctx, sub, webhookdomain.EventSubscriptionPastDue)
	}

	obsmetrics.Scheduler().AddBatchProcessed("grace_sweep", "subscriptions", processed)
	return jobErr
}

// ScheduledCancellationsJob finalizes cancel-at-period-end subscriptions
// whose period has elapsed, through the same guarded transition (and
// webhook emit) as a direct cancel.
func (s *Scheduler) ScheduledCancellationsJob(ctx context.Context) error {
	now := s.clock.Now()

	subs, err := s.fetchSubscriptions(ctx,
		`cancel_at_period_end = ? AND status IN (?, ?, ?, ?) AND current_period_end IS NOT NULL AND current_period_end <= ?`,
		[]any{
			true,
			subscriptiondomain.StatusActive,
			subscriptiondomain.StatusTrialing,
			subscriptiondomain.StatusPendingPayment,
			subscriptiondomain.StatusPaused,
			now,
		},
		s.cfg.BatchSize,
	)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		appCtx := appcontext.WithAppID(ctx, sub.AppID)
		err := s.subscriptionSvc.Cancel(appCtx, subscriptiondomain.CancelSubscriptionRequest{
			SubscriptionID: sub.ID.String(),
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("scheduled_cancellations", sub.ID, err)
			continue
		}
		processed++
	}

	obsmetrics.Scheduler().AddBatchProcessed("scheduled_cancellations", "subscriptions", processed)
	return jobErr
}

// ExpireTransactionsJob fails pending provider charges whose settlement
// window has lapsed, stamping the fixed EXPIRED reason.
func (s *Scheduler) ExpireTransactionsJob(ctx context.Context) error {
	now := s.clock.Now()

	count, err := s.paymentSvc.MarkExpired(ctx, now)
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("expire_transactions", "payment_transactions", count)
	return nil
}

// RetryTransactionsJob re-initiates charges for recently failed transactions
// with attempts remaining. A sibling transaction that is newer, in flight,
// or already settled suppresses the retry.
func (s *Scheduler) RetryTransactionsJob(ctx context.Context) error {
	now := s.clock.Now()

	transactions, err := s.paymentSvc.RetryableFailed(ctx, now, s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, transaction := range transactions {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		superseded, err := s.hasNewerSibling(ctx, transaction)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("retry_transactions", transaction.ID, err)
			continue
		}
		if superseded {
			continue
		}

		_, err = s.paymentSvc.InitiateCharge(ctx, paymentdomain.InitiateChargeRequest{
			SubscriptionID: transaction.SubscriptionID,
			InvoiceID:      transaction.InvoiceID,
			Amount:         transaction.Amount,
			Currency:       transaction.Currency,
			Provider:       transaction.Provider,
		}, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("retry_transactions", transaction.ID, err)
			continue
		}
		processed++
	}

	obsmetrics.Scheduler().AddBatchProcessed("retry_transactions", "payment_transactions", processed)
	return jobErr
}

// WebhookDeliveriesJob attempts pending deliveries and due retries.
func (s *Scheduler) WebhookDeliveriesJob(ctx context.Context) error {
	now := s.clock.Now()

	pending, err := s.webhookSvc.PendingDeliveries(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	due, err := s.webhookSvc.DueRetries(ctx, now, s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, delivery := range append(pending, due...) {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		if err := s.deliverer.Attempt(ctx, delivery); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logItemError("webhook_deliveries", delivery.ID, err)
			continue
		}
		processed++
	}

	obsmetrics.Scheduler().AddBatchProcessed("webhook_deliveries", "webhook_deliveries", processed)
	return jobErr
}

// WebhookRecoverJob re-queues deliveries stuck under the SENT lease longer
// than the configured lease window.
func (s *Scheduler) WebhookRecoverJob(ctx context.Context) error {
	now := s.clock.Now()

	count, err := s.webhookSvc.RecoverStale(ctx, now, s.cfg.DeliveryLease, sender.RetryDelay(1))
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("webhook_recover", "webhook_deliveries", count)
	return nil
}

func (s *Scheduler) fetchSubscriptions(ctx context.Context, where string, args []any, limit int) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where(where, args...).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// hasNewerSibling reports whether another transaction for the same invoice
// (or, without one, the same subscription) was created after this one.
func (s *Scheduler) hasNewerSibling(ctx context.Context, transaction paymentdomain.Transaction) (bool, error) {
	query := s.db.WithContext(ctx).Model(&paymentdomain.Transaction{}).
		Where("subscription_id = ? AND id <> ? AND initiated_at >= ?",
			transaction.SubscriptionID, transaction.ID, transaction.InitiatedAt)
	if transaction.InvoiceID != nil {
		query = query.Where("invoice_id = ?", *transaction.InvoiceID)
	} else {
		query = query.Where("invoice_id IS NULL")
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Scheduler) dispatch(ctx context.Context, sub subscriptiondomain.Subscription, event webhookdomain.EventType) {
	payload := map[string]any{
		"subscription_id": sub.ID.String(),
		"customer_id":     sub.CustomerID.String(),
		"plan_id":         sub.PlanID.String(),
	}
	if err := s.webhookSvc.Dispatch(ctx, sub.AppID, event, payload); err != nil {
		s.log.Warn("dispatch event failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) logItemError(job string, id snowflake.ID, err error) {
	s.log.Error("sweep item failed",
		zap.String("job", job),
		zap.String("id", id.String()),
		zap.Error(err),
	)
}
