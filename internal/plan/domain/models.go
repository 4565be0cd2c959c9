// Package domain contains persistence models for pricing plans.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanInterval is the billing period length of a plan.
type PlanInterval string

const (
	IntervalDaily   PlanInterval = "DAILY"
	IntervalWeekly  PlanInterval = "WEEKLY"
	IntervalMonthly PlanInterval = "MONTHLY"
	IntervalYearly  PlanInterval = "YEARLY"
)

// Plan is a priced subscription offering within an app. Amount is in the
// currency's minor unit.
type Plan struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AppID     snowflake.ID `gorm:"not null;index"`
	Code      string       `gorm:"type:text;not null"`
	Name      string       `gorm:"type:text;not null"`
	Amount    int64        `gorm:"not null"`
	Currency  string       `gorm:"type:text;not null"`
	Interval  PlanInterval `gorm:"type:text;not null"`
	TrialDays *int         `gorm:""`
	// No gorm-level default here: gorm omits zero-valued fields on insert
	// when a default tag is present, which would silently flip Active back
	// to true for rows created inactive.
	Active    bool         `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// NextPeriodEnd advances a period start by one plan interval.
func (p Plan) NextPeriodEnd(start time.Time) time.Time {
	switch p.Interval {
	case IntervalDaily:
		return start.AddDate(0, 0, 1)
	case IntervalWeekly:
		return start.AddDate(0, 0, 7)
	case IntervalYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

type CreatePlanRequest struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Interval  string `json:"interval"`
	TrialDays *int   `json:"trial_days,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)
	GetByID(ctx context.Context, id string) (Plan, error)
	List(ctx context.Context) ([]Plan, error)
}

var (
	ErrInvalidApp       = errors.New("invalid_app")
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidInterval  = errors.New("invalid_interval")
	ErrInvalidTrialDays = errors.New("invalid_trial_days")
	ErrPlanNotFound     = errors.New("plan_not_found")
)
