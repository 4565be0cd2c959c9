package domain

import (
	"context"
	"errors"
)

type CreateAppRequest struct {
	OrgID           string `json:"org_id"`
	Name            string `json:"name"`
	GracePeriodDays *int   `json:"grace_period_days,omitempty"`
}

type UpdateAppRequest struct {
	AppID           string `json:"-"`
	Name            *string `json:"name,omitempty"`
	GracePeriodDays *int    `json:"grace_period_days,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateAppRequest) (App, error)
	GetByID(ctx context.Context, id string) (App, error)
	Update(ctx context.Context, req UpdateAppRequest) (App, error)
	List(ctx context.Context, orgID string) ([]App, error)
}

var (
	ErrInvalidOrg         = errors.New("invalid_org")
	ErrInvalidApp         = errors.New("invalid_app")
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidGracePeriod = errors.New("invalid_grace_period")
	ErrAppNotFound        = errors.New("app_not_found")
)
