package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/webhook/domain"
	"github.com/smallbiznis/subledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	endpointRepo repository.Repository[domain.Endpoint]
	deliveryRepo repository.Repository[domain.Delivery]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("webhook.service"),
		genID: p.GenID,
		clock: p.Clock,

		endpointRepo: repository.ProvideStore[domain.Endpoint](p.DB),
		deliveryRepo: repository.ProvideStore[domain.Delivery](p.DB),
	}
}

// ProvideDispatcher exposes the service under its narrow interface so other
// domain services can emit events without seeing delivery mechanics.
func ProvideDispatcher(svc domain.Service) domain.Dispatcher {
	return svc
}

func (s *Service) CreateEndpoint(ctx context.Context, req domain.CreateEndpointRequest) (domain.Endpoint, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.Endpoint{}, domain.ErrInvalidApp
	}

	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return domain.Endpoint{}, domain.ErrInvalidURL
	}
	if len(req.Events) == 0 {
		return domain.Endpoint{}, domain.ErrInvalidEvents
	}

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		secret = uuid.NewString()
	}

	now := s.clock.Now()
	endpoint := domain.Endpoint{
		ID:        s.genID.Generate(),
		AppID:     appID,
		URL:       parsed.String(),
		Secret:    secret,
		Events:    datatypes.NewJSONSlice(req.Events),
		Status:    domain.EndpointStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.endpointRepo.Create(ctx, &endpoint); err != nil {
		return domain.Endpoint{}, err
	}
	return endpoint, nil
}

func (s *Service) UpdateEndpoint(ctx context.Context, req domain.UpdateEndpointRequest) (domain.Endpoint, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return domain.Endpoint{}, domain.ErrInvalidApp
	}

	endpointID, err := snowflake.ParseString(strings.TrimSpace(req.EndpointID))
	if err != nil || endpointID == 0 {
		return domain.Endpoint{}, domain.ErrInvalidEndpoint
	}

	endpoint, err := s.endpointRepo.FindOne(ctx, &domain.Endpoint{ID: endpointID, AppID: appID})
	if err != nil {
		return domain.Endpoint{}, err
	}
	if endpoint == nil {
		return domain.Endpoint{}, domain.ErrEndpointNotFound
	}

	updates := map[string]any{"updated_at": s.clock.Now()}
	if req.URL != nil {
		parsed, err := url.Parse(strings.TrimSpace(*req.URL))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return domain.Endpoint{}, domain.ErrInvalidURL
		}
		updates["url"] = parsed.String()
	}
	if req.Events != nil {
		if len(*req.Events) == 0 {
			return domain.Endpoint{}, domain.ErrInvalidEvents
		}
		updates["events"] = datatypes.NewJSONSlice(*req.Events)
	}
	if req.Status != nil {
		switch domain.EndpointStatus(strings.ToUpper(strings.TrimSpace(*req.Status))) {
		case domain.EndpointStatusActive:
			updates["status"] = domain.EndpointStatusActive
		case domain.EndpointStatusInactive:
			updates["status"] = domain.EndpointStatusInactive
		default:
			return domain.Endpoint{}, domain.ErrInvalidStatus
		}
	}

	if err := s.endpointRepo.Update(ctx, endpointID.String(), updates); err != nil {
		return domain.Endpoint{}, err
	}

	updated, err := s.endpointRepo.FindOne(ctx, &domain.Endpoint{ID: endpointID, AppID: appID})
	if err != nil {
		return domain.Endpoint{}, err
	}
	return *updated, nil
}

func (s *Service) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok || appID == 0 {
		return nil, domain.ErrInvalidApp
	}

	items, err := s.endpointRepo.Find(ctx, &domain.Endpoint{AppID: appID})
	if err != nil {
		return nil, err
	}

	endpoints := make([]domain.Endpoint, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		endpoints = append(endpoints, *item)
	}
	return endpoints, nil
}

func (s *Service) EndpointByID(ctx context.Context, id snowflake.ID) (*domain.Endpoint, error) {
	return s.endpointRepo.FindOne(ctx, &domain.Endpoint{ID: id})
}

// Dispatch creates one pending delivery row per active endpoint subscribed
// to the event. Event filtering happens here rather than in SQL so the JSON
// event list stays dialect-portable.
func (s *Service) Dispatch(ctx context.Context, appID snowflake.ID, event domain.EventType, payload map[string]any) error {
	if appID == 0 {
		return domain.ErrInvalidApp
	}

	endpoints, err := s.endpointRepo.Find(ctx, &domain.Endpoint{
		AppID:  appID,
		Status: domain.EndpointStatusActive,
	})
	if err != nil {
		return err
	}

	eventID := uuid.NewString()
	now := s.clock.Now()

	deliveries := make([]*domain.Delivery, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint == nil || !endpoint.SubscribesTo(event) {
			continue
		}
		deliveries = append(deliveries, &domain.Delivery{
			ID:            s.genID.Generate(),
			AppID:         appID,
			EndpointID:    endpoint.ID,
			EventID:       eventID,
			EventType:     string(event),
			Payload:       datatypes.JSONMap(payload),
			Status:        domain.DeliveryStatusPending,
			AttemptNumber: 1,
			MaxAttempts:   domain.DefaultMaxAttempts,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(deliveries) == 0 {
		return nil
	}

	return s.deliveryRepo.BatchCreate(ctx, deliveries)
}

// MarkSending stamps the SENT lease. The guard loses the race gracefully:
// a second worker sees zero rows affected and walks away.
func (s *Service) MarkSending(ctx context.Context, deliveryID snowflake.ID, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, sent_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.DeliveryStatusSent,
		now,
		now,
		deliveryID,
		domain.DeliveryStatusPending,
		domain.DeliveryStatusRetrying,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) MarkDelivered(ctx context.Context, deliveryID snowflake.ID, httpStatus int, response string, now time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, delivered_at = ?, http_status = ?, response = ?, error = NULL,
		     next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		domain.DeliveryStatusDelivered,
		now,
		httpStatus,
		response,
		now,
		deliveryID,
		domain.DeliveryStatusDelivered,
		domain.DeliveryStatusFailed,
	).Error
}

// MarkFailed drives the retry state machine with two guarded updates: the
// first claims rows that still have attempts left, the second finalizes
// exhausted rows. Exactly one applies for any live row.
func (s *Service) MarkFailed(ctx context.Context, deliveryID snowflake.ID, httpStatus *int, errMsg string, delay time.Duration, now time.Time) error {
	nextRetryAt := now.Add(delay)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempt_number = attempt_number + 1, next_retry_at = ?,
		     http_status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?) AND attempt_number < max_attempts`,
		domain.DeliveryStatusRetrying,
		nextRetryAt,
		httpStatus,
		errMsg,
		now,
		deliveryID,
		domain.DeliveryStatusPending,
		domain.DeliveryStatusSent,
		domain.DeliveryStatusRetrying,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, next_retry_at = NULL, http_status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?) AND attempt_number >= max_attempts`,
		domain.DeliveryStatusFailed,
		httpStatus,
		errMsg,
		now,
		deliveryID,
		domain.DeliveryStatusPending,
		domain.DeliveryStatusSent,
		domain.DeliveryStatusRetrying,
	).Error
}

func (s *Service) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	var deliveries []domain.Delivery
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM webhook_deliveries
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		domain.DeliveryStatusRetrying,
		now,
		limit,
	).Scan(&deliveries).Error
	return deliveries, err
}

func (s *Service) PendingDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	var deliveries []domain.Delivery
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM webhook_deliveries
		 WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.DeliveryStatusPending,
		limit,
	).Scan(&deliveries).Error
	return deliveries, err
}

// RecoverStale re-queues deliveries stuck under the SENT lease. Rows with
// attempts remaining are rescheduled; exhausted ones finalize as FAILED.
func (s *Service) RecoverStale(ctx context.Context, now time.Time, lease time.Duration, retryDelay time.Duration) (int, error) {
	cutoff := now.Add(-lease)

	requeued := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempt_number = attempt_number + 1, next_retry_at = ?,
		     error = ?, updated_at = ?
		 WHERE status = ? AND sent_at <= ? AND attempt_number < max_attempts`,
		domain.DeliveryStatusRetrying,
		now.Add(retryDelay),
		"delivery attempt timed out",
		now,
		domain.DeliveryStatusSent,
		cutoff,
	)
	if requeued.Error != nil {
		return 0, requeued.Error
	}

	failed := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, next_retry_at = NULL, error = ?, updated_at = ?
		 WHERE status = ? AND sent_at <= ? AND attempt_number >= max_attempts`,
		domain.DeliveryStatusFailed,
		"delivery attempt timed out",
		now,
		domain.DeliveryStatusSent,
		cutoff,
	)
	if failed.Error != nil {
		return int(requeued.RowsAffected), failed.Error
	}

	return int(requeued.RowsAffected + failed.RowsAffected), nil
}

func (s *Service) Stats(ctx context.Context, appID snowflake.ID, window time.Duration, now time.Time) (domain.StatusCounts, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := now.Add(-window)

	var rows []struct {
		Status domain.DeliveryStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS count
		 FROM webhook_deliveries
		 WHERE app_id = ? AND created_at >= ?
		 GROUP BY status`,
		appID,
		since,
	).Scan(&rows).Error
	if err != nil {
		return domain.StatusCounts{}, err
	}

	var counts domain.StatusCounts
	for _, row := range rows {
		switch row.Status {
		case domain.DeliveryStatusPending:
			counts.Pending = row.Count
		case domain.DeliveryStatusSent:
			counts.Sent = row.Count
		case domain.DeliveryStatusDelivered:
			counts.Delivered = row.Count
		case domain.DeliveryStatusFailed:
			counts.Failed = row.Count
		case domain.DeliveryStatusRetrying:
			counts.Retrying = row.Count
		}
		counts.Total += row.Count
	}
	return counts, nil
}
