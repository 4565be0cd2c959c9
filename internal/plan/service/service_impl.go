package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/plan/domain"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo repository.Repository[domain.Plan]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[domain.Plan](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePlanRequest) (domain.Plan, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.Plan{}, domain.ErrInvalidApp
	}

	if req.Amount < 0 {
		return domain.Plan{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.Plan{}, domain.ErrInvalidCurrency
	}
	interval, err := parseInterval(req.Interval)
	if err != nil {
		return domain.Plan{}, err
	}
	if req.TrialDays != nil && *req.TrialDays < 0 {
		return domain.Plan{}, domain.ErrInvalidTrialDays
	}

	now := s.clock.Now()
	plan := domain.Plan{
		ID:        s.genID.Generate(),
		AppID:     appID,
		Code:      strings.TrimSpace(req.Code),
		Name:      strings.TrimSpace(req.Name),
		Amount:    req.Amount,
		Currency:  currency,
		Interval:  interval,
		TrialDays: req.TrialDays,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, &plan); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Plan, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.Plan{}, domain.ErrInvalidApp
	}

	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || planID == 0 {
		return domain.Plan{}, domain.ErrInvalidPlan
	}

	plan, err := s.repo.FindOne(ctx, &domain.Plan{ID: planID, AppID: appID})
	if err != nil {
		return domain.Plan{}, err
	}
	if plan == nil {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Plan, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return nil, domain.ErrInvalidApp
	}

	items, err := s.repo.Find(ctx, &domain.Plan{AppID: appID})
	if err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		plans = append(plans, *item)
	}
	return plans, nil
}

func parseInterval(value string) (domain.PlanInterval, error) {
	switch domain.PlanInterval(strings.ToUpper(strings.TrimSpace(value))) {
	case domain.IntervalDaily:
		return domain.IntervalDaily, nil
	case domain.IntervalWeekly:
		return domain.IntervalWeekly, nil
	case domain.IntervalMonthly:
		return domain.IntervalMonthly, nil
	case domain.IntervalYearly:
		return domain.IntervalYearly, nil
	default:
		return "", domain.ErrInvalidInterval
	}
}
