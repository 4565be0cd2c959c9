package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/subledger/internal/clock"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	"github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// chargeWindow is how long a provider has to settle a charge before the
// expiry sweep fails it.
const chargeWindow = 24 * time.Hour

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	dispatcher    webhookdomain.Dispatcher
	invoices      invoicedomain.Service
	subscriptions subscriptiondomain.Service

	transactionRepo  repository.Repository[domain.Transaction]
	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]
	planRepo         repository.Repository[plandomain.Plan]
}

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Dispatcher    webhookdomain.Dispatcher `optional:"true"`
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		dispatcher:    p.Dispatcher,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,

		transactionRepo:  repository.ProvideStore[domain.Transaction](p.DB),
		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		planRepo:         repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) InitiateCharge(ctx context.Context, req domain.InitiateChargeRequest, now time.Time) (domain.Transaction, error) {
	if req.SubscriptionID == 0 || req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" || strings.TrimSpace(req.Provider) == "" {
		return domain.Transaction{}, domain.ErrInvalidCharge
	}

	sub, err := s.subscriptionRepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: req.SubscriptionID})
	if err != nil {
		return domain.Transaction{}, err
	}
	if sub == nil {
		return domain.Transaction{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	attempt, err := s.nextAttemptNumber(ctx, req)
	if err != nil {
		return domain.Transaction{}, err
	}

	expiresAt := now.Add(chargeWindow)
	transaction := domain.Transaction{
		ID:                s.genID.Generate(),
		AppID:             sub.AppID,
		SubscriptionID:    sub.ID,
		InvoiceID:         req.InvoiceID,
		Status:            domain.TransactionStatusPending,
		Amount:            req.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		AttemptNumber:     attempt,
		Provider:          strings.ToLower(strings.TrimSpace(req.Provider)),
		ProviderReference: uuid.NewString(),
		Metadata:          datatypes.JSONMap{},
		InitiatedAt:       now,
		ExpiresAt:         &expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.transactionRepo.Create(ctx, &transaction); err != nil {
		return domain.Transaction{}, err
	}
	return transaction, nil
}

// nextAttemptNumber continues the charge-attempt count for the invoice (or,
// without one, the subscription) so the retry ceiling spans transactions.
func (s *Service) nextAttemptNumber(ctx context.Context, req domain.InitiateChargeRequest) (int, error) {
	var prior int64
	query := s.db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("subscription_id = ?", req.SubscriptionID)
	if req.InvoiceID != nil {
		query = query.Where("invoice_id = ?", *req.InvoiceID)
	}
	if err := query.Count(&prior).Error; err != nil {
		return 0, err
	}
	return int(prior) + 1, nil
}

func (s *Service) IngestProviderEvent(ctx context.Context, event domain.ProviderEvent, now time.Time) (domain.Transaction, error) {
	transaction, err := s.correlate(ctx, event)
	if err != nil {
		return domain.Transaction{}, err
	}

	switch event.Status {
	case domain.ProviderEventSucceeded:
		if transaction.Status == domain.TransactionStatusSucceeded {
			return *transaction, nil
		}
		return s.applySuccess(ctx, transaction, event, now)
	case domain.ProviderEventFailed:
		if transaction.Status == domain.TransactionStatusFailed {
			return *transaction, nil
		}
		return s.applyFailure(ctx, transaction, event, now)
	default:
		return domain.Transaction{}, domain.ErrInvalidProviderEvent
	}
}

func (s *Service) correlate(ctx context.Context, event domain.ProviderEvent) (*domain.Transaction, error) {
	if ref := strings.TrimSpace(event.ProviderReference); ref != "" {
		transaction, err := s.transactionRepo.FindOne(ctx, &domain.Transaction{
			Provider:          strings.ToLower(strings.TrimSpace(event.Provider)),
			ProviderReference: ref,
		})
		if err != nil {
			return nil, err
		}
		if transaction != nil {
			return transaction, nil
		}
	}

	if ptid := strings.TrimSpace(event.ProviderTransactionID); ptid != "" {
		var transactions []domain.Transaction
		err := s.db.WithContext(ctx).Raw(
			`SELECT * FROM payment_transactions
			 WHERE provider = ? AND provider_transaction_id = ?
			 LIMIT 1`,
			strings.ToLower(strings.TrimSpace(event.Provider)),
			ptid,
		).Scan(&transactions).Error
		if err != nil {
			return nil, err
		}
		if len(transactions) > 0 {
			return &transactions[0], nil
		}
	}

	return nil, domain.ErrTransactionNotFound
}

func (s *Service) applySuccess(ctx context.Context, transaction *domain.Transaction, event domain.ProviderEvent, now time.Time) (domain.Transaction, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, provider_transaction_id = ?, failure_reason = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.TransactionStatusSucceeded,
		nullableString(event.ProviderTransactionID),
		now,
		transaction.ID,
		domain.TransactionStatusPending,
		domain.TransactionStatusInitiated,
	)
	if result.Error != nil {
		return domain.Transaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		return domain.Transaction{}, domain.ErrTransactionFinal
	}

	s.settle(ctx, transaction, now)
	s.emit(ctx, transaction, webhookdomain.EventPaymentSucceeded, "")

	transaction.Status = domain.TransactionStatusSucceeded
	transaction.UpdatedAt = now
	return *transaction, nil
}

// settle rolls the paid period forward. Settlement failures are logged and
// left for the next sweep; the provider already has the money either way.
func (s *Service) settle(ctx context.Context, transaction *domain.Transaction, now time.Time) {
	if transaction.InvoiceID != nil {
		if err := s.invoices.MarkPaid(ctx, *transaction.InvoiceID, now); err != nil {
			s.log.Warn("mark invoice paid failed",
				zap.String("invoice_id", transaction.InvoiceID.String()),
				zap.Error(err),
			)
		}
	}

	sub, err := s.subscriptionRepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: transaction.SubscriptionID})
	if err != nil || sub == nil {
		s.log.Warn("load subscription for settlement failed",
			zap.String("subscription_id", transaction.SubscriptionID.String()),
			zap.Error(err),
		)
		return
	}

	plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: sub.PlanID})
	if err != nil || plan == nil {
		s.log.Warn("load plan for settlement failed",
			zap.String("plan_id", sub.PlanID.String()),
			zap.Error(err),
		)
		return
	}

	periodStart := now
	if sub.CurrentPeriodEnd != nil {
		periodStart = *sub.CurrentPeriodEnd
	}
	periodEnd := plan.NextPeriodEnd(periodStart)

	if err := s.subscriptions.AdvancePeriod(ctx, sub.ID.String(), periodStart, periodEnd, now); err != nil {
		s.log.Warn("advance period failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) applyFailure(ctx context.Context, transaction *domain.Transaction, event domain.ProviderEvent, now time.Time) (domain.Transaction, error) {
	reason := strings.TrimSpace(event.FailureReason)
	if reason == "" {
		reason = "provider_declined"
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, provider_transaction_id = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.TransactionStatusFailed,
		nullableString(event.ProviderTransactionID),
		reason,
		now,
		transaction.ID,
		domain.TransactionStatusPending,
		domain.TransactionStatusInitiated,
	)
	if result.Error != nil {
		return domain.Transaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		return domain.Transaction{}, domain.ErrTransactionFinal
	}

	s.emit(ctx, transaction, webhookdomain.EventPaymentFailed, reason)

	transaction.Status = domain.TransactionStatusFailed
	transaction.FailureReason = &reason
	transaction.UpdatedAt = now
	return *transaction, nil
}

func (s *Service) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at < ?`,
		domain.TransactionStatusFailed,
		domain.FailureReasonExpired,
		now,
		domain.TransactionStatusPending,
		domain.TransactionStatusInitiated,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

func (s *Service) RetryableFailed(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	since := now.Add(-domain.RetryLookback)

	var transactions []domain.Transaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payment_transactions
		 WHERE status = ? AND initiated_at >= ? AND attempt_number < ?
		 ORDER BY initiated_at ASC, id ASC
		 LIMIT ?`,
		domain.TransactionStatusFailed,
		since,
		domain.MaxChargeAttempts,
		limit,
	).Scan(&transactions).Error
	return transactions, err
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Transaction, error) {
	return s.transactionRepo.FindOne(ctx, &domain.Transaction{ID: id})
}

func (s *Service) emit(ctx context.Context, transaction *domain.Transaction, event webhookdomain.EventType, reason string) {
	if s.dispatcher == nil {
		return
	}
	payload := map[string]any{
		"transaction_id":  transaction.ID.String(),
		"subscription_id": transaction.SubscriptionID.String(),
		"amount":          transaction.Amount,
		"currency":        transaction.Currency,
		"attempt_number":  transaction.AttemptNumber,
		"provider":        transaction.Provider,
	}
	if transaction.InvoiceID != nil {
		payload["invoice_id"] = transaction.InvoiceID.String()
	}
	if reason != "" {
		payload["failure_reason"] = reason
	}
	if err := s.dispatcher.Dispatch(ctx, transaction.AppID, event, payload); err != nil {
		s.log.Warn("dispatch payment event failed",
			zap.String("transaction_id", transaction.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func nullableString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
