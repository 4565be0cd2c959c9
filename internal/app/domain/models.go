// Package domain contains persistence models for tenant apps.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AppStatus represents lifecycle states for an app.
type AppStatus string

const (
	AppStatusActive    AppStatus = "ACTIVE"
	AppStatusSuspended AppStatus = "SUSPENDED"
)

// App is a tenant application. Subscriptions, plans, customers, invoices and
// webhook endpoints all hang off an app.
//
// GracePeriodDays is nullable on purpose: a missing value is a configuration
// error the sweep must surface, not an implicit "no grace period".
type App struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrgID           snowflake.ID `gorm:"not null;index"`
	Name            string       `gorm:"type:text;not null"`
	Status          AppStatus    `gorm:"type:text;not null;default:'ACTIVE'"`
	GracePeriodDays *int         `gorm:""`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (App) TableName() string { return "apps" }
