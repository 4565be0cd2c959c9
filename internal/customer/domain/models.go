// Package domain contains persistence models for customers.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is a billable account within an app.
type Customer struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	AppID                snowflake.ID      `gorm:"not null;index"`
	Email                string            `gorm:"type:text;not null"`
	Name                 string            `gorm:"type:text"`
	DefaultPaymentMethod *string           `gorm:"type:text"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

type CreateCustomerRequest struct {
	Email    string         `json:"email"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	GetByID(ctx context.Context, id string) (Customer, error)
	List(ctx context.Context) ([]Customer, error)
}

var (
	ErrInvalidApp       = errors.New("invalid_app")
	ErrInvalidCustomer  = errors.New("invalid_customer")
	ErrInvalidEmail     = errors.New("invalid_email")
	ErrCustomerNotFound = errors.New("customer_not_found")
)
