package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"github.com/smallbiznis/subledger/internal/clock"
	customerdomain "github.com/smallbiznis/subledger/internal/customer/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/subledger/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stripForUpdate makes the row-locking reads runnable on sqlite.
func stripForUpdate(db *gorm.DB) {
	rewrite := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", rewrite)
	db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", rewrite)
}

type subscriptionFixture struct {
	svc       subscriptiondomain.Service
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	app       appdomain.App
	customer  customerdomain.Customer
	trialPlan plandomain.Plan
	paidPlan  plandomain.Plan
}

func newSubscriptionFixture(t *testing.T) *subscriptionFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stripForUpdate(db)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&appdomain.App{},
		&customerdomain.Customer{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	svc := New(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  subscriptionrepo.Provide(),
	})

	grace := 3
	app := appdomain.App{
		ID:              node.Generate(),
		OrgID:           node.Generate(),
		Name:            "acme",
		Status:          appdomain.AppStatusActive,
		GracePeriodDays: &grace,
	}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("seed app: %v", err)
	}
	customer := customerdomain.Customer{
		ID:    node.Generate(),
		AppID: app.ID,
		Email: "jo@example.com",
	}
	if err := db.Create(&customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	trialDays := 14
	trialPlan := plandomain.Plan{
		ID:        node.Generate(),
		AppID:     app.ID,
		Code:      "pro-trial",
		Name:      "Pro with trial",
		Amount:    2900,
		Currency:  "USD",
		Interval:  plandomain.IntervalMonthly,
		TrialDays: &trialDays,
		Active:    true,
	}
	paidPlan := plandomain.Plan{
		ID:       node.Generate(),
		AppID:    app.ID,
		Code:     "pro",
		Name:     "Pro",
		Amount:   2900,
		Currency: "USD",
		Interval: plandomain.IntervalMonthly,
		Active:   true,
	}
	for _, plan := range []*plandomain.Plan{&trialPlan, &paidPlan} {
		if err := db.Create(plan).Error; err != nil {
			t.Fatalf("seed plan %s: %v", plan.Code, err)
		}
	}

	return &subscriptionFixture{
		svc:       svc,
		db:        db,
		node:      node,
		clock:     fakeClock,
		app:       app,
		customer:  customer,
		trialPlan: trialPlan,
		paidPlan:  paidPlan,
	}
}

func (f *subscriptionFixture) ctx() context.Context {
	return appcontext.WithAppID(context.Background(), f.app.ID)
}

func (f *subscriptionFixture) create(t *testing.T, plan plandomain.Plan) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Create(f.ctx(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: f.customer.ID.String(),
		PlanID:     plan.ID.String(),
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func (f *subscriptionFixture) reload(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	if err := f.db.First(&sub, "id = ?", id).Error; err != nil {
		t.Fatalf("reload subscription: %v", err)
	}
	return sub
}

func TestCreate_TrialPlanStartsTrialing(t *testing.T) {
	f := newSubscriptionFixture(t)

	sub := f.create(t, f.trialPlan)
	if sub.Status != subscriptiondomain.StatusTrialing {
		t.Fatalf("expected TRIALING, got %s", sub.Status)
	}
	wantTrialEnd := f.clock.Now().AddDate(0, 0, 14)
	if sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(wantTrialEnd) {
		t.Fatalf("expected trial end %v, got %v", wantTrialEnd, sub.TrialEndsAt)
	}
	if sub.CurrentPeriodEnd != nil {
		t.Fatal("a new subscription has no billing period yet")
	}
}

func TestCreate_NoTrialStartsPendingPayment(t *testing.T) {
	f := newSubscriptionFixture(t)

	sub := f.create(t, f.paidPlan)
	if sub.Status != subscriptiondomain.StatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", sub.Status)
	}
	if sub.TrialEndsAt != nil {
		t.Fatal("no-trial plan must not set trial end")
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	if _, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: f.customer.ID.String(),
		PlanID:     f.paidPlan.ID.String(),
	}); err != subscriptiondomain.ErrInvalidApp {
		t.Fatalf("missing app scope: expected ErrInvalidApp, got %v", err)
	}
	if _, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: f.node.Generate().String(),
		PlanID:     f.paidPlan.ID.String(),
	}); err != subscriptiondomain.ErrInvalidCustomer {
		t.Fatalf("unknown customer: expected ErrInvalidCustomer, got %v", err)
	}

	inactive := plandomain.Plan{
		ID:       f.node.Generate(),
		AppID:    f.app.ID,
		Code:     "legacy",
		Name:     "Legacy",
		Amount:   100,
		Currency: "USD",
		Interval: plandomain.IntervalMonthly,
		Active:   false,
	}
	if err := f.db.Create(&inactive).Error; err != nil {
		t.Fatalf("seed inactive plan: %v", err)
	}
	var storedPlan plandomain.Plan
	if err := f.db.First(&storedPlan, "id = ?", inactive.ID).Error; err != nil {
		t.Fatalf("fetch inactive plan: %v", err)
	}
	if storedPlan.Active {
		t.Fatal("inactive plan must persist active=false")
	}
	if _, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: f.customer.ID.String(),
		PlanID:     inactive.ID.String(),
	}); err != subscriptiondomain.ErrInvalidPlan {
		t.Fatalf("inactive plan: expected ErrInvalidPlan, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	sub := f.create(t, f.trialPlan)
	if err := f.svc.Pause(ctx, sub.ID.String()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	stored := f.reload(t, sub.ID)
	if stored.Status != subscriptiondomain.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", stored.Status)
	}
	if stored.PausedAt == nil {
		t.Fatal("expected paused_at to be stamped")
	}

	if err := f.svc.Pause(ctx, sub.ID.String()); err != subscriptiondomain.ErrNotPausable {
		t.Fatalf("double pause: expected ErrNotPausable, got %v", err)
	}

	if err := f.svc.Resume(ctx, sub.ID.String()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	stored = f.reload(t, sub.ID)
	if stored.Status != subscriptiondomain.StatusActive {
		t.Fatalf("resume restores ACTIVE, got %s", stored.Status)
	}
	if stored.ResumedAt == nil {
		t.Fatal("expected resumed_at to be stamped")
	}

	if err := f.svc.Resume(ctx, sub.ID.String()); err != subscriptiondomain.ErrNotResumable {
		t.Fatalf("resume non-paused: expected ErrNotResumable, got %v", err)
	}

	// A pending-payment subscription cannot be paused.
	pending := f.create(t, f.paidPlan)
	if err := f.svc.Pause(ctx, pending.ID.String()); err != subscriptiondomain.ErrNotPausable {
		t.Fatalf("pause PENDING_PAYMENT: expected ErrNotPausable, got %v", err)
	}
}

func TestPause_LapsedTrialStillPausable(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	sub := f.create(t, f.trialPlan)

	// The trial lapses but no sweep has persisted the transition yet: the
	// stored row still reads TRIALING and eligibility follows the store.
	f.clock.Advance(15 * 24 * time.Hour)

	resolved, err := f.svc.Resolve(ctx, sub.ID.String(), f.clock.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ComputedStatus != subscriptiondomain.StatusPendingPayment {
		t.Fatalf("expected computed PENDING_PAYMENT, got %s", resolved.ComputedStatus)
	}
	if resolved.Subscription.Status != subscriptiondomain.StatusTrialing {
		t.Fatalf("expected stored TRIALING, got %s", resolved.Subscription.Status)
	}

	if err := f.svc.Pause(ctx, sub.ID.String()); err != nil {
		t.Fatalf("pause after lapsed trial: %v", err)
	}
	if got := f.reload(t, sub.ID).Status; got != subscriptiondomain.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", got)
	}
}

func TestCancel(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	// Immediate cancellation.
	sub := f.create(t, f.trialPlan)
	if err := f.svc.Cancel(ctx, subscriptiondomain.CancelSubscriptionRequest{
		SubscriptionID: sub.ID.String(),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored := f.reload(t, sub.ID)
	if stored.Status != subscriptiondomain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", stored.Status)
	}
	if stored.CancelledAt == nil {
		t.Fatal("expected cancelled_at to be stamped")
	}
	if err := f.svc.Cancel(ctx, subscriptiondomain.CancelSubscriptionRequest{
		SubscriptionID: sub.ID.String(),
	}); err != subscriptiondomain.ErrNotCancellable {
		t.Fatalf("double cancel: expected ErrNotCancellable, got %v", err)
	}

	// Deferred cancellation only flips the flag.
	deferred := f.create(t, f.trialPlan)
	if err := f.svc.Cancel(ctx, subscriptiondomain.CancelSubscriptionRequest{
		SubscriptionID: deferred.ID.String(),
		AtPeriodEnd:    true,
	}); err != nil {
		t.Fatalf("cancel at period end: %v", err)
	}
	stored = f.reload(t, deferred.ID)
	if !stored.CancelAtPeriodEnd {
		t.Fatal("expected cancel_at_period_end to be set")
	}
	if stored.Status != subscriptiondomain.StatusTrialing {
		t.Fatalf("deferred cancel must not change status, got %s", stored.Status)
	}
}

func TestResolve_MissingGracePeriodIsAnError(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	sub := f.create(t, f.paidPlan)
	if err := f.db.Model(&appdomain.App{}).
		Where("id = ?", f.app.ID).
		Update("grace_period_days", nil).Error; err != nil {
		t.Fatalf("clear grace period: %v", err)
	}

	if _, err := f.svc.Resolve(ctx, sub.ID.String(), f.clock.Now()); err != subscriptiondomain.ErrMissingGracePeriod {
		t.Fatalf("expected ErrMissingGracePeriod, got %v", err)
	}
}

func TestMarkPendingPayment_GuardedOnTrialEnd(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()

	sub := f.create(t, f.trialPlan)
	now := f.clock.Now()

	// Trial has not ended: the guard refuses.
	updated, err := f.svc.MarkPendingPayment(ctx, sub.ID.String(), now)
	if err != nil {
		t.Fatalf("mark pending payment: %v", err)
	}
	if updated {
		t.Fatal("expected no transition before trial end")
	}

	after := sub.TrialEndsAt.Add(time.Minute)
	updated, err = f.svc.MarkPendingPayment(ctx, sub.ID.String(), after)
	if err != nil {
		t.Fatalf("mark pending payment after trial: %v", err)
	}
	if !updated {
		t.Fatal("expected transition after trial end")
	}
	if got := f.reload(t, sub.ID).Status; got != subscriptiondomain.StatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", got)
	}

	// Re-running is a no-op.
	updated, err = f.svc.MarkPendingPayment(ctx, sub.ID.String(), after)
	if err != nil {
		t.Fatalf("repeat mark pending payment: %v", err)
	}
	if updated {
		t.Fatal("expected repeat transition to be a no-op")
	}
}

func TestMarkPastDue_Guarded(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()
	now := f.clock.Now()

	sub := f.create(t, f.paidPlan)
	updated, err := f.svc.MarkPastDue(ctx, sub.ID.String(), now)
	if err != nil {
		t.Fatalf("mark past due: %v", err)
	}
	if !updated {
		t.Fatal("expected PENDING_PAYMENT to transition")
	}
	if got := f.reload(t, sub.ID).Status; got != subscriptiondomain.StatusPastDue {
		t.Fatalf("expected PAST_DUE, got %s", got)
	}

	updated, err = f.svc.MarkPastDue(ctx, sub.ID.String(), now)
	if err != nil {
		t.Fatalf("repeat mark past due: %v", err)
	}
	if updated {
		t.Fatal("expected repeat transition to be a no-op")
	}
}

func TestAdvancePeriod(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := f.ctx()
	now := f.clock.Now()

	sub := f.create(t, f.paidPlan)
	periodStart := now
	periodEnd := now.AddDate(0, 1, 0)
	if err := f.svc.AdvancePeriod(ctx, sub.ID.String(), periodStart, periodEnd, now); err != nil {
		t.Fatalf("advance period: %v", err)
	}

	stored := f.reload(t, sub.ID)
	if stored.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected ACTIVE after payment, got %s", stored.Status)
	}
	if stored.CurrentPeriodEnd == nil || !stored.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected period end %v, got %v", periodEnd, stored.CurrentPeriodEnd)
	}

	// A cancelled subscription never advances.
	if err := f.svc.Cancel(ctx, subscriptiondomain.CancelSubscriptionRequest{
		SubscriptionID: sub.ID.String(),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.svc.AdvancePeriod(ctx, sub.ID.String(), periodEnd, periodEnd.AddDate(0, 1, 0), now); err != nil {
		t.Fatalf("advance cancelled: %v", err)
	}
	if got := f.reload(t, sub.ID).Status; got != subscriptiondomain.StatusCancelled {
		t.Fatalf("cancelled subscription must stay CANCELLED, got %s", got)
	}
}
