package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, appID, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Subscription, error)
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, appID, id snowflake.ID, value bool, now time.Time) error
}
