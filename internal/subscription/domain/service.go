package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/subledger/pkg/db/pagination"
)

type ListSubscriptionRequest struct {
	Status     string
	CustomerID string
	PageToken  string
	PageSize   int32
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

type CreateSubscriptionRequest struct {
	CustomerID string         `json:"customer_id"`
	PlanID     string         `json:"plan_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type CancelSubscriptionRequest struct {
	SubscriptionID string `json:"-"`
	AtPeriodEnd    bool   `json:"at_period_end"`
}

// ResolvedSubscription pairs the stored record with its computed projection.
type ResolvedSubscription struct {
	Subscription
	ComputedStatus Status `json:"computed_status"`
}

type Service interface {
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	// Resolve loads the subscription and its app's grace period and applies
	// ComputeStatus at the given instant.
	Resolve(ctx context.Context, id string, now time.Time) (ResolvedSubscription, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, req CancelSubscriptionRequest) error
	// MarkPendingPayment persists the trial-expiry transition; called by the
	// sweep, never by request handlers.
	MarkPendingPayment(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkPastDue persists the grace-expiry transition; sweep-only.
	MarkPastDue(ctx context.Context, id string, now time.Time) (bool, error)
	// AdvancePeriod rolls the current period forward after a successful
	// renewal payment.
	AdvancePeriod(ctx context.Context, id string, periodStart, periodEnd, now time.Time) error
}

var (
	ErrInvalidApp           = errors.New("invalid_app")
	ErrInvalidCustomer      = errors.New("invalid_customer")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrNotPausable          = errors.New("subscription_not_pausable")
	ErrNotResumable         = errors.New("subscription_not_resumable")
	ErrNotCancellable       = errors.New("subscription_not_cancellable")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrMissingGracePeriod   = errors.New("missing_grace_period")
)
