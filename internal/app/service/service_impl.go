package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/clock"
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

	appRepo repository.Repository[domain.App]
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
		db:      p.DB,
		log:     p.Log.Named("app.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		appRepo: repository.ProvideStore[domain.App](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateAppRequest) (domain.App, error) {
	orgID, err := parseID(req.OrgID, domain.ErrInvalidOrg)
	if err != nil {
		return domain.App{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.App{}, domain.ErrInvalidName
	}

	if req.GracePeriodDays != nil && *req.GracePeriodDays < 0 {
		return domain.App{}, domain.ErrInvalidGracePeriod
	}

	now := s.clock.Now()
	app := domain.App{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		Name:            name,
		Status:          domain.AppStatusActive,
		GracePeriodDays: req.GracePeriodDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.appRepo.Create(ctx, &app); err != nil {
		return domain.App{}, err
	}
	return app, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.App, error) {
	appID, err := parseID(id, domain.ErrInvalidApp)
	if err != nil {
		return domain.App{}, err
	}

	app, err := s.appRepo.FindOne(ctx, &domain.App{ID: appID})
	if err != nil {
		return domain.App{}, err
	}
	if app == nil {
		return domain.App{}, domain.ErrAppNotFound
	}
	return *app, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateAppRequest) (domain.App, error) {
	appID, err := parseID(req.AppID, domain.ErrInvalidApp)
	if err != nil {
		return domain.App{}, err
	}

	updates := map[string]any{"updated_at": s.clock.Now()}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.App{}, domain.ErrInvalidName
		}
		updates["name"] = name
	}
	if req.GracePeriodDays != nil {
		if *req.GracePeriodDays < 0 {
			return domain.App{}, domain.ErrInvalidGracePeriod
		}
		updates["grace_period_days"] = *req.GracePeriodDays
	}

	if err := s.appRepo.Update(ctx, appID.String(), updates); err != nil {
		return domain.App{}, err
	}
	return s.GetByID(ctx, req.AppID)
}

func (s *Service) List(ctx context.Context, orgID string) ([]domain.App, error) {
	parsed, err := parseID(orgID, domain.ErrInvalidOrg)
	if err != nil {
		return nil, err
	}

	items, err := s.appRepo.Find(ctx, &domain.App{OrgID: parsed})
	if err != nil {
		return nil, err
	}

	apps := make([]domain.App, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		apps = append(apps, *item)
	}
	return apps, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
