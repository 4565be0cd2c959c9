package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "cancelled",
			err:  context.Canceled,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "missing_grace_period",
			err:  subscriptiondomain.ErrMissingGracePeriod,
			want: SchedulerJobReasonConfig,
		},
		{
			name: "subscription_not_found",
			err:  subscriptiondomain.ErrSubscriptionNotFound,
			want: SchedulerJobReasonNotFound,
		},
		{
			name: "subscription_gone",
			err:  invoicedomain.ErrSubscriptionGone,
			want: SchedulerJobReasonNotFound,
		},
		{
			name: "plan_gone",
			err:  invoicedomain.ErrPlanGone,
			want: SchedulerJobReasonNotFound,
		},
		{
			name: "wrapped",
			err:  errors.Join(errors.New("grace_sweep"), subscriptiondomain.ErrMissingGracePeriod),
			want: SchedulerJobReasonConfig,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "subledger",
		Environment: "test",
	})

	metrics.AddBatchProcessed("expire_trials", "subscriptions", 3)
	metrics.AddBatchProcessed("expire_trials", "subscriptions", 0)
	metrics.AddBatchProcessed("expire_trials", "subscriptions", -1)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("expire_trials", "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncJobError_Classifies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "subledger",
		Environment: "test",
	})

	metrics.IncJobError("grace_sweep", subscriptiondomain.ErrMissingGracePeriod)
	metrics.IncJobError("grace_sweep", nil)

	got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("grace_sweep", SchedulerJobReasonConfig))
	if got != 1 {
		t.Fatalf("expected 1 config error, got %v", got)
	}
}

func TestIncDeliveryAttempt(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "subledger",
		Environment: "test",
	})

	metrics.IncDeliveryAttempt("delivered")
	metrics.IncDeliveryAttempt("delivered")
	metrics.IncDeliveryAttempt("retrying")

	if got := testutil.ToFloat64(metrics.deliveries.WithLabelValues("delivered")); got != 2 {
		t.Fatalf("expected 2 delivered attempts, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.deliveries.WithLabelValues("retrying")); got != 1 {
		t.Fatalf("expected 1 retrying attempt, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *SchedulerMetrics
	metrics.IncJobRun("expire_trials")
	metrics.ObserveJobDuration("expire_trials", time.Second)
	metrics.IncJobError("expire_trials", errors.New("boom"))
	metrics.AddBatchProcessed("expire_trials", "subscriptions", 1)
	metrics.ObserveRunLoopLag(time.Second)
	metrics.IncDeliveryAttempt("delivered")
}
