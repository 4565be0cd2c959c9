package repository

import (
	"context"

	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, appID, id snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).
		Where("app_id = ? AND id = ?", appID, id).
		First(&subscription).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE app_id = ? AND id = ?
		 LIMIT 1
		 FOR UPDATE`,
		appID,
		id,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	if len(subscriptions) == 0 {
		return nil, nil
	}
	return &subscriptions[0], nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, paused_at = ?, resumed_at = ?, cancelled_at = ?,
		     cancel_at_period_end = ?, current_period_start = ?, current_period_end = ?,
		     updated_at = ?
		 WHERE app_id = ? AND id = ?`,
		subscription.Status,
		subscription.PausedAt,
		subscription.ResumedAt,
		subscription.CancelledAt,
		subscription.CancelAtPeriodEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.UpdatedAt,
		subscription.AppID,
		subscription.ID,
	).Error
}

func (r *repo) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, appID, id snowflake.ID, value bool, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET cancel_at_period_end = ?, updated_at = ?
		 WHERE app_id = ? AND id = ?`,
		value,
		now,
		appID,
		id,
	).Error
}
