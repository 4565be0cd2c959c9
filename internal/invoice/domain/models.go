// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "DRAFT"
	InvoiceStatusOpen  InvoiceStatus = "OPEN"
	InvoiceStatusPaid  InvoiceStatus = "PAID"
	InvoiceStatusVoid  InvoiceStatus = "VOID"
)

// Invoice represents a generated invoice for one billing period. The unique
// index on (subscription_id, period_start, period_end) is the idempotency
// guard: the sweep can re-run against the same data without double billing.
type Invoice struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AppID          snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoice_subscription_period"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	PlanID         snowflake.ID      `gorm:"not null;index"`
	PeriodStart    time.Time         `gorm:"not null;uniqueIndex:ux_invoice_subscription_period"`
	PeriodEnd      time.Time         `gorm:"not null;uniqueIndex:ux_invoice_subscription_period"`
	Status         InvoiceStatus     `gorm:"type:text;not null;default:'OPEN'"`
	Amount         int64             `gorm:"not null;default:0"`
	Currency       string            `gorm:"type:text;not null"`
	DueAt          *time.Time        `gorm:""`
	PaidAt         *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }
