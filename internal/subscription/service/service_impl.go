package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"github.com/smallbiznis/subledger/internal/clock"
	customerdomain "github.com/smallbiznis/subledger/internal/customer/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/pkg/db/option"
	"github.com/smallbiznis/subledger/pkg/db/pagination"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository

	appRepo          repository.Repository[appdomain.App]
	customerRepo     repository.Repository[customerdomain.Customer]
	planRepo         repository.Repository[plandomain.Plan]
	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]

	dispatcher webhookdomain.Dispatcher
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository

	Dispatcher webhookdomain.Dispatcher `optional:"true"`
}

func New(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,

		appRepo:          repository.ProvideStore[appdomain.App](p.DB),
		customerRepo:     repository.ProvideStore[customerdomain.Customer](p.DB),
		planRepo:         repository.ProvideStore[plandomain.Plan](p.DB),
		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),

		dispatcher: p.Dispatcher,
	}
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidApp
	}

	filter := &subscriptiondomain.Subscription{AppID: appID}

	if status := strings.TrimSpace(req.Status); status != "" {
		parsed, err := parseStatus(status)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		filter.Status = parsed
	}

	if req.CustomerID != "" {
		customerID, err := s.parseID(req.CustomerID, subscriptiondomain.ErrInvalidCustomer)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		filter.CustomerID = customerID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.subscriptionRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy("created_at desc, id desc"),
	)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	subscriptions := make([]subscriptiondomain.Subscription, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		subscriptions = append(subscriptions, *item)
	}

	resp := subscriptiondomain.ListSubscriptionResponse{Subscriptions: subscriptions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidApp
	}

	customerID, err := s.parseID(req.CustomerID, subscriptiondomain.ErrInvalidCustomer)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	planID, err := s.parseID(req.PlanID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	customer, err := s.customerRepo.FindOne(ctx, &customerdomain.Customer{ID: customerID, AppID: appID})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if customer == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCustomer
	}

	plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: planID, AppID: appID})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if plan == nil || !plan.Active {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:         s.genID.Generate(),
		AppID:      appID,
		CustomerID: customerID,
		PlanID:     planID,
		StartDate:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Metadata != nil {
		subscription.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if plan.TrialDays != nil && *plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, *plan.TrialDays)
		subscription.Status = subscriptiondomain.StatusTrialing
		subscription.TrialEndsAt = &trialEnd
	} else {
		// No trial: the first period awaits payment.
		subscription.Status = subscriptiondomain.StatusPendingPayment
	}

	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.emit(ctx, appID, webhookdomain.EventSubscriptionCreated, subscription)
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidApp
	}

	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, appID, subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

// Resolve applies the pure status projection using the app's configured
// grace period. A missing grace period is a data-integrity error surfaced to
// the caller rather than defaulted away.
func (s *Service) Resolve(ctx context.Context, id string, now time.Time) (subscriptiondomain.ResolvedSubscription, error) {
	subscription, err := s.GetByID(ctx, id)
	if err != nil {
		return subscriptiondomain.ResolvedSubscription{}, err
	}

	app, err := s.appRepo.FindOne(ctx, &appdomain.App{ID: subscription.AppID})
	if err != nil {
		return subscriptiondomain.ResolvedSubscription{}, err
	}
	if app == nil {
		return subscriptiondomain.ResolvedSubscription{}, appdomain.ErrAppNotFound
	}
	if app.GracePeriodDays == nil {
		return subscriptiondomain.ResolvedSubscription{}, subscriptiondomain.ErrMissingGracePeriod
	}

	return subscriptiondomain.ResolvedSubscription{
		Subscription:   subscription,
		ComputedStatus: subscriptiondomain.ComputeStatus(subscription, *app.GracePeriodDays, now),
	}, nil
}

func (s *Service) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		if !subscriptiondomain.CanBePaused(sub.Status) {
			return subscriptiondomain.ErrNotPausable
		}
		sub.Status = subscriptiondomain.StatusPaused
		sub.PausedAt = &now
		return nil
	}, webhookdomain.EventSubscriptionPaused)
}

func (s *Service) Resume(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		if !subscriptiondomain.CanBeResumed(sub.Status) {
			return subscriptiondomain.ErrNotResumable
		}
		sub.Status = subscriptiondomain.StatusActive
		sub.ResumedAt = &now
		return nil
	}, webhookdomain.EventSubscriptionResumed)
}

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelSubscriptionRequest) error {
	if req.AtPeriodEnd {
		appID, ok := appcontext.AppIDFromContext(ctx)
		if !ok || appID == 0 {
			return subscriptiondomain.ErrInvalidApp
		}
		subscriptionID, err := s.parseID(req.SubscriptionID, subscriptiondomain.ErrInvalidSubscription)
		if err != nil {
			return err
		}
		subscription, err := s.repo.FindByID(ctx, s.db, appID, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if !subscriptiondomain.CanBeCancelled(subscription.Status) {
			return subscriptiondomain.ErrNotCancellable
		}
		return s.repo.SetCancelAtPeriodEnd(ctx, s.db, appID, subscriptionID, true, s.clock.Now())
	}

	return s.transition(ctx, req.SubscriptionID, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		if !subscriptiondomain.CanBeCancelled(sub.Status) {
			return subscriptiondomain.ErrNotCancellable
		}
		sub.Status = subscriptiondomain.StatusCancelled
		sub.CancelledAt = &now
		return nil
	}, webhookdomain.EventSubscriptionCancelled)
}

// MarkPendingPayment persists the trial-expiry transition. Guarded so a
// concurrent or repeated sweep tick is a no-op.
func (s *Service) MarkPendingPayment(ctx context.Context, id string, now time.Time) (bool, error) {
	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND trial_ends_at <= ?`,
		subscriptiondomain.StatusPendingPayment,
		now,
		subscriptionID,
		subscriptiondomain.StatusTrialing,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkPastDue persists the grace-expiry transition. Guarded on the stored
// status so re-running the sweep cannot double-process.
func (s *Service) MarkPastDue(ctx context.Context, id string, now time.Time) (bool, error) {
	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		subscriptiondomain.StatusPastDue,
		now,
		subscriptionID,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPendingPayment,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AdvancePeriod rolls the billing period forward after a confirmed payment
// and restores ACTIVE status.
func (s *Service) AdvancePeriod(ctx context.Context, id string, periodStart, periodEnd, now time.Time) error {
	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, current_period_start = ?, current_period_end = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		subscriptiondomain.StatusActive,
		periodStart,
		periodEnd,
		now,
		subscriptionID,
		subscriptiondomain.StatusCancelled,
		subscriptiondomain.StatusExpired,
		subscriptiondomain.StatusPaused,
	).Error
}

func (s *Service) transition(
	ctx context.Context,
	id string,
	apply func(sub *subscriptiondomain.Subscription, now time.Time) error,
	event webhookdomain.EventType,
) error {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return subscriptiondomain.ErrInvalidApp
	}

	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return err
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		now := s.clock.Now()
		if err := apply(subscription, now); err != nil {
			return err
		}
		subscription.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, subscription); err != nil {
			return err
		}
		updated = *subscription
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, appID, event, updated)
	return nil
}

func (s *Service) emit(ctx context.Context, appID snowflake.ID, event webhookdomain.EventType, subscription subscriptiondomain.Subscription) {
	if s.dispatcher == nil {
		return
	}
	payload := map[string]any{
		"subscription_id": subscription.ID.String(),
		"customer_id":     subscription.CustomerID.String(),
		"plan_id":         subscription.PlanID.String(),
		"status":          string(subscription.Status),
	}
	if err := s.dispatcher.Dispatch(ctx, appID, event, payload); err != nil {
		s.log.Warn("webhook dispatch failed",
			zap.String("event", string(event)),
			zap.String("subscription_id", subscription.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func parseStatus(value string) (subscriptiondomain.Status, error) {
	status := subscriptiondomain.Status(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case subscriptiondomain.StatusActive,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusPendingPayment,
		subscriptiondomain.StatusPastDue,
		subscriptiondomain.StatusPaused,
		subscriptiondomain.StatusCancelled,
		subscriptiondomain.StatusExpired:
		return status, nil
	default:
		return "", subscriptiondomain.ErrInvalidStatus
	}
}
