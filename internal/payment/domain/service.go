package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type InitiateChargeRequest struct {
	SubscriptionID snowflake.ID
	InvoiceID      *snowflake.ID
	Amount         int64
	Currency       string
	Provider       string
}

// ProviderEvent is an inbound payment-provider callback, already verified
// by the transport layer. Correlation runs on ProviderReference first, then
// ProviderTransactionID.
type ProviderEvent struct {
	Provider              string
	ProviderReference     string
	ProviderTransactionID string
	Status                string
	FailureReason         string
}

const (
	ProviderEventSucceeded = "succeeded"
	ProviderEventFailed    = "failed"
)

type Service interface {
	// InitiateCharge records a PENDING transaction for a renewal charge.
	// AttemptNumber continues the failed-attempt count for the invoice.
	InitiateCharge(ctx context.Context, req InitiateChargeRequest, now time.Time) (Transaction, error)

	// IngestProviderEvent applies a provider callback to the correlated
	// transaction; on success it also settles the invoice and advances the
	// subscription period.
	IngestProviderEvent(ctx context.Context, event ProviderEvent, now time.Time) (Transaction, error)

	// MarkExpired fails PENDING/INITIATED transactions whose expires_at has
	// passed, stamping the fixed EXPIRED reason. Returns rows transitioned.
	MarkExpired(ctx context.Context, now time.Time) (int, error)

	// RetryableFailed returns FAILED transactions initiated within the
	// lookback window with attempts remaining, capped by limit.
	RetryableFailed(ctx context.Context, now time.Time, limit int) ([]Transaction, error)

	GetByID(ctx context.Context, id snowflake.ID) (*Transaction, error)
}

var (
	ErrInvalidCharge        = errors.New("invalid_charge")
	ErrInvalidProviderEvent = errors.New("invalid_provider_event")
	ErrTransactionNotFound  = errors.New("transaction_not_found")
	ErrTransactionFinal     = errors.New("transaction_already_final")
)
