package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/invoice/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/pkg/db"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	dispatcher webhookdomain.Dispatcher

	invoiceRepo      repository.Repository[domain.Invoice]
	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]
	planRepo         repository.Repository[plandomain.Plan]
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Dispatcher webhookdomain.Dispatcher `optional:"true"`
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		dispatcher: p.Dispatcher,

		invoiceRepo:      repository.ProvideStore[domain.Invoice](p.DB),
		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		planRepo:         repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) List(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.ListInvoiceResponse{}, domain.ErrInvalidApp
	}

	filter := domain.Invoice{AppID: appID}
	if sid := strings.TrimSpace(req.SubscriptionID); sid != "" {
		parsed, err := snowflake.ParseString(sid)
		if err != nil {
			return domain.ListInvoiceResponse{}, domain.ErrInvalidInvoice
		}
		filter.SubscriptionID = parsed
	}
	if status := strings.TrimSpace(req.Status); status != "" {
		filter.Status = domain.InvoiceStatus(strings.ToUpper(status))
	}

	items, err := s.invoiceRepo.Find(ctx, &filter)
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}

	invoices := make([]domain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return domain.ListInvoiceResponse{Invoices: invoices}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Invoice, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.Invoice{}, domain.ErrInvalidApp
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || invoiceID == 0 {
		return domain.Invoice{}, domain.ErrInvalidInvoice
	}

	invoice, err := s.invoiceRepo.FindOne(ctx, &domain.Invoice{ID: invoiceID, AppID: appID})
	if err != nil {
		return domain.Invoice{}, err
	}
	if invoice == nil {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

func (s *Service) ExistsForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices
		 WHERE subscription_id = ? AND period_start = ? AND period_end = ?`,
		subscriptionID,
		periodStart,
		periodEnd,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time, now time.Time) (domain.Invoice, bool, error) {
	if !periodEnd.After(periodStart) {
		return domain.Invoice{}, false, domain.ErrInvalidPeriod
	}

	sub, err := s.subscriptionRepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: subscriptionID})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if sub == nil {
		return domain.Invoice{}, false, domain.ErrSubscriptionGone
	}

	existing, err := s.findForPeriod(ctx, subscriptionID, periodStart, periodEnd)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: sub.PlanID})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if plan == nil {
		return domain.Invoice{}, false, domain.ErrPlanGone
	}

	invoice := domain.Invoice{
		ID:             s.genID.Generate(),
		AppID:          sub.AppID,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanID:         plan.ID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Status:         domain.InvoiceStatusOpen,
		Amount:         plan.Amount,
		Currency:       plan.Currency,
		DueAt:          &periodEnd,
		Metadata:       datatypes.JSONMap{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.invoiceRepo.Create(ctx, &invoice); err != nil {
		// Lost the unique-index race to a concurrent sweep; the winner's
		// row is the invoice for this period.
		if db.IsDuplicateKeyErr(err) {
			winner, findErr := s.findForPeriod(ctx, subscriptionID, periodStart, periodEnd)
			if findErr != nil {
				return domain.Invoice{}, false, findErr
			}
			if winner != nil {
				return *winner, false, nil
			}
		}
		return domain.Invoice{}, false, err
	}

	if s.dispatcher != nil {
		payload := map[string]any{
			"invoice_id":      invoice.ID.String(),
			"subscription_id": sub.ID.String(),
			"period_start":    periodStart.UTC().Format(time.RFC3339),
			"period_end":      periodEnd.UTC().Format(time.RFC3339),
			"amount":          invoice.Amount,
			"currency":        invoice.Currency,
		}
		if err := s.dispatcher.Dispatch(ctx, sub.AppID, webhookdomain.EventInvoiceCreated, payload); err != nil {
			s.log.Warn("dispatch invoice.created failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
		}
	}

	return invoice, true, nil
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID, now time.Time) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusPaid,
		now,
		now,
		id,
		domain.InvoiceStatusOpen,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInvoiceNotPayable
	}
	return nil
}

func (s *Service) findForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (*domain.Invoice, error) {
	var invoices []domain.Invoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM invoices
		 WHERE subscription_id = ? AND period_start = ? AND period_end = ?
		 LIMIT 1`,
		subscriptionID,
		periodStart,
		periodEnd,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}
	return &invoices[0], nil
}
