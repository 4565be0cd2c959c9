// Package domain mirrors external payment-provider transaction state.
// Provider semantics live with the provider; this package only stores
// enough to correlate callbacks and let the sweep bound retries.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionStatus mirrors the provider-facing lifecycle of one charge.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusInitiated TransactionStatus = "INITIATED"
	TransactionStatusSucceeded TransactionStatus = "SUCCEEDED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// FailureReasonExpired is the fixed reason code stamped by the expiry sweep.
const FailureReasonExpired = "EXPIRED"

// MaxChargeAttempts bounds how often a failed charge is retried.
const MaxChargeAttempts = 3

// RetryLookback bounds how far back the retryable-failed discovery scans.
const RetryLookback = 7 * 24 * time.Hour

// Transaction is one charge attempt against a payment provider.
type Transaction struct {
	ID                    snowflake.ID      `gorm:"primaryKey"`
	AppID                 snowflake.ID      `gorm:"not null;index"`
	SubscriptionID        snowflake.ID      `gorm:"not null;index"`
	InvoiceID             *snowflake.ID     `gorm:"index"`
	Status                TransactionStatus `gorm:"type:text;not null;index"`
	Amount                int64             `gorm:"not null"`
	Currency              string            `gorm:"type:text;not null"`
	AttemptNumber         int               `gorm:"not null;default:1"`
	Provider              string            `gorm:"type:text;not null"`
	ProviderReference     string            `gorm:"type:text;not null;index"`
	ProviderTransactionID *string           `gorm:"index"`
	FailureReason         *string           `gorm:"type:text"`
	Metadata              datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	InitiatedAt           time.Time         `gorm:"not null;index"`
	ExpiresAt             *time.Time        `gorm:"index"`
	CreatedAt             time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "payment_transactions" }
