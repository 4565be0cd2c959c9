// Package domain contains subscription persistence models and the pure
// status projection used by both the API and the sweep.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusTrialing       Status = "TRIALING"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPastDue        Status = "PAST_DUE"
	StatusPaused         Status = "PAUSED"
	StatusCancelled      Status = "CANCELLED"
	StatusExpired        Status = "EXPIRED"
)

// IsTerminal reports whether the status is never recomputed further.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Subscription captures a customer's agreement to a plan.
//
// CurrentPeriodEnd being nil means the subscription has never completed a
// first payment cycle; grace-period logic must not apply in that state.
type Subscription struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	AppID              snowflake.ID      `gorm:"not null;index"`
	CustomerID         snowflake.ID      `gorm:"not null;index"`
	PlanID             snowflake.ID      `gorm:"not null;index"`
	Status             Status            `gorm:"type:text;not null;index"`
	StartDate          time.Time         `gorm:"not null"`
	TrialEndsAt        *time.Time        `gorm:""`
	CurrentPeriodStart *time.Time        `gorm:""`
	CurrentPeriodEnd   *time.Time        `gorm:"index"`
	CancelAtPeriodEnd  bool              `gorm:"not null;default:false"`
	PausedAt           *time.Time        `gorm:""`
	ResumedAt          *time.Time        `gorm:""`
	CancelledAt        *time.Time        `gorm:""`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
