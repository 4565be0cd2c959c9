package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ListInvoiceRequest struct {
	SubscriptionID string `form:"subscription_id"`
	Status         string `form:"status"`
}

type ListInvoiceResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	List(context.Context, ListInvoiceRequest) (ListInvoiceResponse, error)
	GetByID(ctx context.Context, id string) (Invoice, error)

	// ExistsForPeriod reports whether an invoice already covers the period.
	// This is the sweep's read-only candidate filter; it has no side effects.
	ExistsForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (bool, error)

	// GenerateForPeriod creates the invoice for a subscription's period.
	// Idempotent: if an invoice already exists for the period the existing
	// one is returned with created=false, including when a concurrent
	// writer wins the unique-index race.
	GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time, now time.Time) (Invoice, bool, error)

	MarkPaid(ctx context.Context, id snowflake.ID, now time.Time) error
}

var (
	ErrInvalidApp        = errors.New("invalid_app")
	ErrInvalidInvoice    = errors.New("invalid_invoice")
	ErrInvoiceNotFound   = errors.New("invoice_not_found")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrSubscriptionGone  = errors.New("subscription_not_found")
	ErrPlanGone          = errors.New("plan_not_found")
	ErrInvoiceNotPayable = errors.New("invoice_not_payable")
)
