package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/subledger/internal/clock"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	"github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockInvoiceSvc struct {
	paid []snowflake.ID
}

func (m *mockInvoiceSvc) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	return invoicedomain.ListInvoiceResponse{}, nil
}

func (m *mockInvoiceSvc) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
}

func (m *mockInvoiceSvc) ExistsForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (bool, error) {
	return false, nil
}

func (m *mockInvoiceSvc) GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd, now time.Time) (invoicedomain.Invoice, bool, error) {
	return invoicedomain.Invoice{}, false, nil
}

func (m *mockInvoiceSvc) MarkPaid(ctx context.Context, id snowflake.ID, now time.Time) error {
	m.paid = append(m.paid, id)
	return nil
}

type advanceCall struct {
	id          string
	periodStart time.Time
	periodEnd   time.Time
}

type mockSubscriptionSvc struct {
	advanced []advanceCall
}

func (m *mockSubscriptionSvc) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	return subscriptiondomain.ListSubscriptionResponse{}, nil
}

func (m *mockSubscriptionSvc) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (m *mockSubscriptionSvc) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
}

func (m *mockSubscriptionSvc) Resolve(ctx context.Context, id string, now time.Time) (subscriptiondomain.ResolvedSubscription, error) {
	return subscriptiondomain.ResolvedSubscription{}, subscriptiondomain.ErrSubscriptionNotFound
}

func (m *mockSubscriptionSvc) Pause(ctx context.Context, id string) error  { return nil }
func (m *mockSubscriptionSvc) Resume(ctx context.Context, id string) error { return nil }

func (m *mockSubscriptionSvc) Cancel(ctx context.Context, req subscriptiondomain.CancelSubscriptionRequest) error {
	return nil
}

func (m *mockSubscriptionSvc) MarkPendingPayment(ctx context.Context, id string, now time.Time) (bool, error) {
	return false, nil
}

func (m *mockSubscriptionSvc) MarkPastDue(ctx context.Context, id string, now time.Time) (bool, error) {
	return false, nil
}

func (m *mockSubscriptionSvc) AdvancePeriod(ctx context.Context, id string, periodStart, periodEnd, now time.Time) error {
	m.advanced = append(m.advanced, advanceCall{id: id, periodStart: periodStart, periodEnd: periodEnd})
	return nil
}

type paymentFixture struct {
	svc      domain.Service
	db       *gorm.DB
	node     *snowflake.Node
	invoices *mockInvoiceSvc
	subs     *mockSubscriptionSvc
	sub      subscriptiondomain.Subscription
	plan     plandomain.Plan
	now      time.Time
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&plandomain.Plan{},
		&domain.Transaction{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	invoices := &mockInvoiceSvc{}
	subs := &mockSubscriptionSvc{}
	svc := New(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(now),
		Invoices:      invoices,
		Subscriptions: subs,
	})

	appID := node.Generate()
	plan := plandomain.Plan{
		ID:       node.Generate(),
		AppID:    appID,
		Code:     "pro-monthly",
		Name:     "Pro Monthly",
		Amount:   2900,
		Currency: "USD",
		Interval: plandomain.IntervalMonthly,
		Active:   true,
	}
	if err := db.Create(&plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	periodEnd := now.AddDate(0, 1, 0)
	sub := subscriptiondomain.Subscription{
		ID:               node.Generate(),
		AppID:            appID,
		CustomerID:       node.Generate(),
		PlanID:           plan.ID,
		Status:           subscriptiondomain.StatusActive,
		StartDate:        now,
		CurrentPeriodEnd: &periodEnd,
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	return &paymentFixture{
		svc:      svc,
		db:       db,
		node:     node,
		invoices: invoices,
		subs:     subs,
		sub:      sub,
		plan:     plan,
		now:      now,
	}
}

func (f *paymentFixture) charge(t *testing.T, invoiceID *snowflake.ID) domain.Transaction {
	t.Helper()
	transaction, err := f.svc.InitiateCharge(context.Background(), domain.InitiateChargeRequest{
		SubscriptionID: f.sub.ID,
		InvoiceID:      invoiceID,
		Amount:         f.plan.Amount,
		Currency:       f.plan.Currency,
		Provider:       "default",
	}, f.now)
	if err != nil {
		t.Fatalf("initiate charge: %v", err)
	}
	return transaction
}

func TestInitiateCharge(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	if _, err := f.svc.InitiateCharge(ctx, domain.InitiateChargeRequest{
		SubscriptionID: f.sub.ID,
		Amount:         0,
		Currency:       "USD",
		Provider:       "default",
	}, f.now); err != domain.ErrInvalidCharge {
		t.Fatalf("zero amount: expected ErrInvalidCharge, got %v", err)
	}
	if _, err := f.svc.InitiateCharge(ctx, domain.InitiateChargeRequest{
		SubscriptionID: f.node.Generate(),
		Amount:         100,
		Currency:       "USD",
		Provider:       "default",
	}, f.now); err != subscriptiondomain.ErrSubscriptionNotFound {
		t.Fatalf("unknown subscription: expected ErrSubscriptionNotFound, got %v", err)
	}

	transaction, err := f.svc.InitiateCharge(ctx, domain.InitiateChargeRequest{
		SubscriptionID: f.sub.ID,
		Amount:         2900,
		Currency:       "usd",
		Provider:       "Default",
	}, f.now)
	if err != nil {
		t.Fatalf("initiate charge: %v", err)
	}
	if transaction.Status != domain.TransactionStatusPending {
		t.Fatalf("expected PENDING, got %s", transaction.Status)
	}
	if transaction.Currency != "USD" || transaction.Provider != "default" {
		t.Fatalf("expected normalized currency and provider, got %s/%s", transaction.Currency, transaction.Provider)
	}
	if transaction.ProviderReference == "" {
		t.Fatal("expected a provider reference")
	}
	if transaction.ExpiresAt == nil || !transaction.ExpiresAt.Equal(f.now.Add(24*time.Hour)) {
		t.Fatalf("expected expiry 24h out, got %v", transaction.ExpiresAt)
	}
	if transaction.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1, got %d", transaction.AttemptNumber)
	}
}

func TestInitiateCharge_AttemptNumberSpansTransactions(t *testing.T) {
	f := newPaymentFixture(t)
	invoiceID := f.node.Generate()

	first := f.charge(t, &invoiceID)
	second := f.charge(t, &invoiceID)
	if first.AttemptNumber != 1 || second.AttemptNumber != 2 {
		t.Fatalf("expected attempts 1 then 2, got %d then %d", first.AttemptNumber, second.AttemptNumber)
	}

	// A charge against a different invoice starts its own count.
	otherInvoice := f.node.Generate()
	other := f.charge(t, &otherInvoice)
	if other.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1 for a fresh invoice, got %d", other.AttemptNumber)
	}
}

func TestIngestProviderEvent_SuccessSettles(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	invoiceID := f.node.Generate()
	transaction := f.charge(t, &invoiceID)

	event := domain.ProviderEvent{
		Provider:              "default",
		ProviderReference:     transaction.ProviderReference,
		ProviderTransactionID: "ch_123",
		Status:                domain.ProviderEventSucceeded,
	}
	settled, err := f.svc.IngestProviderEvent(ctx, event, f.now)
	if err != nil {
		t.Fatalf("ingest success: %v", err)
	}
	if settled.Status != domain.TransactionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", settled.Status)
	}

	if len(f.invoices.paid) != 1 || f.invoices.paid[0] != invoiceID {
		t.Fatalf("expected invoice %d marked paid, got %v", invoiceID, f.invoices.paid)
	}
	if len(f.subs.advanced) != 1 {
		t.Fatalf("expected one period advance, got %d", len(f.subs.advanced))
	}
	call := f.subs.advanced[0]
	wantStart := *f.sub.CurrentPeriodEnd
	wantEnd := f.plan.NextPeriodEnd(wantStart)
	if !call.periodStart.Equal(wantStart) || !call.periodEnd.Equal(wantEnd) {
		t.Fatalf("expected advance %v..%v, got %v..%v", wantStart, wantEnd, call.periodStart, call.periodEnd)
	}

	// Replaying the same event is a no-op.
	if _, err := f.svc.IngestProviderEvent(ctx, event, f.now.Add(time.Minute)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(f.invoices.paid) != 1 || len(f.subs.advanced) != 1 {
		t.Fatal("replay must not settle twice")
	}

	// A conflicting failure after settlement is rejected.
	event.Status = domain.ProviderEventFailed
	if _, err := f.svc.IngestProviderEvent(ctx, event, f.now); err != domain.ErrTransactionFinal {
		t.Fatalf("failure after success: expected ErrTransactionFinal, got %v", err)
	}
}

func TestIngestProviderEvent_Failure(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	transaction := f.charge(t, nil)

	failed, err := f.svc.IngestProviderEvent(ctx, domain.ProviderEvent{
		Provider:          "default",
		ProviderReference: transaction.ProviderReference,
		Status:            domain.ProviderEventFailed,
	}, f.now)
	if err != nil {
		t.Fatalf("ingest failure: %v", err)
	}
	if failed.Status != domain.TransactionStatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "provider_declined" {
		t.Fatalf("expected default failure reason, got %v", failed.FailureReason)
	}
	if len(f.subs.advanced) != 0 {
		t.Fatal("failed charge must not advance the period")
	}
}

func TestIngestProviderEvent_CorrelatesByProviderTransactionID(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	transaction := f.charge(t, nil)

	// Stamp the provider's id as an earlier event would have.
	if err := f.db.Model(&domain.Transaction{}).
		Where("id = ?", transaction.ID).
		Update("provider_transaction_id", "ch_456").Error; err != nil {
		t.Fatalf("stamp provider transaction id: %v", err)
	}

	settled, err := f.svc.IngestProviderEvent(ctx, domain.ProviderEvent{
		Provider:              "default",
		ProviderTransactionID: "ch_456",
		Status:                domain.ProviderEventSucceeded,
	}, f.now)
	if err != nil {
		t.Fatalf("ingest by provider transaction id: %v", err)
	}
	if settled.ID != transaction.ID {
		t.Fatalf("correlated wrong transaction: %d", settled.ID)
	}

	if _, err := f.svc.IngestProviderEvent(ctx, domain.ProviderEvent{
		Provider:          "default",
		ProviderReference: "unknown",
		Status:            domain.ProviderEventSucceeded,
	}, f.now); err != domain.ErrTransactionNotFound {
		t.Fatalf("unknown reference: expected ErrTransactionNotFound, got %v", err)
	}
}

func TestMarkExpired(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	expired := f.charge(t, nil)
	fresh := f.charge(t, nil)

	// Push the first charge's expiry into the past.
	past := f.now.Add(-time.Hour)
	if err := f.db.Model(&domain.Transaction{}).
		Where("id = ?", expired.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	n, err := f.svc.MarkExpired(ctx, f.now)
	if err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired transaction, got %d", n)
	}

	var stored domain.Transaction
	if err := f.db.First(&stored, "id = ?", expired.ID).Error; err != nil {
		t.Fatalf("fetch expired: %v", err)
	}
	if stored.Status != domain.TransactionStatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != domain.FailureReasonExpired {
		t.Fatalf("expected reason %s, got %v", domain.FailureReasonExpired, stored.FailureReason)
	}

	var untouched domain.Transaction
	if err := f.db.First(&untouched, "id = ?", fresh.ID).Error; err != nil {
		t.Fatalf("fetch fresh: %v", err)
	}
	if untouched.Status != domain.TransactionStatusPending {
		t.Fatalf("fresh transaction must stay PENDING, got %s", untouched.Status)
	}
}

func TestRetryableFailed(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	seed := func(status domain.TransactionStatus, attempt int, initiatedAt time.Time) snowflake.ID {
		id := f.node.Generate()
		transaction := domain.Transaction{
			ID:                id,
			AppID:             f.sub.AppID,
			SubscriptionID:    f.sub.ID,
			Status:            status,
			Amount:            2900,
			Currency:          "USD",
			AttemptNumber:     attempt,
			Provider:          "default",
			ProviderReference: id.String(),
			InitiatedAt:       initiatedAt,
			CreatedAt:         initiatedAt,
			UpdatedAt:         initiatedAt,
		}
		if err := f.db.Create(&transaction).Error; err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
		return id
	}

	recent := f.now.Add(-time.Hour)
	retryable := seed(domain.TransactionStatusFailed, 1, recent)
	seed(domain.TransactionStatusFailed, domain.MaxChargeAttempts, recent)
	seed(domain.TransactionStatusFailed, 1, f.now.Add(-domain.RetryLookback-time.Hour))
	seed(domain.TransactionStatusSucceeded, 1, recent)
	seed(domain.TransactionStatusPending, 1, recent)

	transactions, err := f.svc.RetryableFailed(ctx, f.now, 10)
	if err != nil {
		t.Fatalf("retryable failed: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("expected 1 retryable transaction, got %d", len(transactions))
	}
	if transactions[0].ID != retryable {
		t.Fatalf("expected transaction %d, got %d", retryable, transactions[0].ID)
	}
}
