// Package domain contains webhook endpoint configs and the delivery log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType names a domain event an endpoint can subscribe to.
type EventType string

const (
	EventSubscriptionCreated    EventType = "subscription.created"
	EventSubscriptionTrialEnded EventType = "subscription.trial_ended"
	EventSubscriptionPastDue    EventType = "subscription.past_due"
	EventSubscriptionCancelled  EventType = "subscription.cancelled"
	EventSubscriptionPaused     EventType = "subscription.paused"
	EventSubscriptionResumed    EventType = "subscription.resumed"
	EventInvoiceCreated         EventType = "invoice.created"
	EventPaymentFailed          EventType = "payment.failed"
	EventPaymentSucceeded       EventType = "payment.succeeded"
)

type EndpointStatus string

const (
	EndpointStatusActive   EndpointStatus = "ACTIVE"
	EndpointStatusInactive EndpointStatus = "INACTIVE"
)

// Endpoint is an app's webhook subscription config. Only active endpoints
// whose event list contains the firing event receive deliveries.
type Endpoint struct {
	ID        snowflake.ID               `gorm:"primaryKey"`
	AppID     snowflake.ID               `gorm:"not null;index"`
	URL       string                     `gorm:"type:text;not null"`
	Secret    string                     `gorm:"type:text;not null"`
	Events    datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	Status    EndpointStatus             `gorm:"type:text;not null;default:'ACTIVE'"`
	CreatedAt time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Endpoint) TableName() string { return "webhook_endpoints" }

// SubscribesTo reports whether the endpoint's event list contains the event.
func (e Endpoint) SubscribesTo(event EventType) bool {
	for _, name := range e.Events {
		if name == string(event) {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks one delivery row's lifecycle.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
)

// DefaultMaxAttempts bounds retries per delivery row.
const DefaultMaxAttempts = 3

// Delivery is one webhook event's delivery-attempt lifecycle. Retries mutate
// this row; there is never more than one row per (event, endpoint).
//
// Invariants: NextRetryAt is set iff Status is RETRYING; AttemptNumber never
// exceeds MaxAttempts. SENT acts as an in-flight lease: stamped before the
// HTTP call so a crash mid-attempt is recoverable by the stale sweep.
type Delivery struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	AppID         snowflake.ID      `gorm:"not null;index"`
	EndpointID    snowflake.ID      `gorm:"not null;index"`
	EventID       string            `gorm:"type:text;not null"`
	EventType     string            `gorm:"type:text;not null"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Status        DeliveryStatus    `gorm:"type:text;not null;index"`
	AttemptNumber int               `gorm:"not null;default:1"`
	MaxAttempts   int               `gorm:"not null;default:3"`
	NextRetryAt   *time.Time        `gorm:"index"`
	SentAt        *time.Time        `gorm:""`
	DeliveredAt   *time.Time        `gorm:""`
	HTTPStatus    *int              `gorm:""`
	Response      *string           `gorm:"type:text"`
	Error         *string           `gorm:"type:text"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Delivery) TableName() string { return "webhook_deliveries" }
