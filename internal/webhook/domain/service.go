package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Dispatcher fans a domain event out to every matching endpoint by creating
// pending delivery rows. Implemented by the webhook service; consumed by the
// other domain services so they do not depend on delivery mechanics.
type Dispatcher interface {
	Dispatch(ctx context.Context, appID snowflake.ID, event EventType, payload map[string]any) error
}

type CreateEndpointRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

type UpdateEndpointRequest struct {
	EndpointID string    `json:"-"`
	URL        *string   `json:"url,omitempty"`
	Events     *[]string `json:"events,omitempty"`
	Status     *string   `json:"status,omitempty"`
}

// StatusCounts aggregates delivery rows by status for an app and window.
type StatusCounts struct {
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Retrying  int64 `json:"retrying"`
	Total     int64 `json:"total"`
}

type Service interface {
	Dispatcher

	CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (Endpoint, error)
	UpdateEndpoint(ctx context.Context, req UpdateEndpointRequest) (Endpoint, error)
	ListEndpoints(ctx context.Context) ([]Endpoint, error)

	// MarkSending stamps the in-flight lease before the HTTP call is made.
	// Guarded: returns false when another worker already claimed the row.
	MarkSending(ctx context.Context, deliveryID snowflake.ID, now time.Time) (bool, error)
	// MarkDelivered finalizes a successful attempt.
	MarkDelivered(ctx context.Context, deliveryID snowflake.ID, httpStatus int, response string, now time.Time) error
	// MarkFailed records a failed attempt. While attempts remain the row
	// moves to RETRYING with next_retry_at = now + delay (delay is
	// caller-supplied; this subsystem stores, it does not compute backoff);
	// otherwise the row becomes terminally FAILED and next_retry_at clears.
	MarkFailed(ctx context.Context, deliveryID snowflake.ID, httpStatus *int, errMsg string, delay time.Duration, now time.Time) error

	// DueRetries returns RETRYING rows whose next_retry_at has passed,
	// capped by limit (default 100).
	DueRetries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	// PendingDeliveries returns rows never attempted yet.
	PendingDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	// RecoverStale re-queues rows stuck in SENT longer than the lease.
	RecoverStale(ctx context.Context, now time.Time, lease time.Duration, retryDelay time.Duration) (int, error)

	EndpointByID(ctx context.Context, id snowflake.ID) (*Endpoint, error)

	// Stats aggregates counts by status for an app within the window ending
	// at now (default window 24h).
	Stats(ctx context.Context, appID snowflake.ID, window time.Duration, now time.Time) (StatusCounts, error)
}

var (
	ErrInvalidApp       = errors.New("invalid_app")
	ErrInvalidEndpoint  = errors.New("invalid_endpoint")
	ErrInvalidURL       = errors.New("invalid_url")
	ErrInvalidEvents    = errors.New("invalid_events")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrEndpointNotFound = errors.New("endpoint_not_found")
	ErrDeliveryNotFound = errors.New("delivery_not_found")
)
