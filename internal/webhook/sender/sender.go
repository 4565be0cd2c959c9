// Package sender performs webhook HTTP delivery attempts against the
// delivery log maintained by the webhook service.
package sender

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/smallbiznis/subledger/internal/clock"
	obsmetrics "github.com/smallbiznis/subledger/internal/observability/metrics"
	"github.com/smallbiznis/subledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxResponseBytes = 2048

// retrySchedule maps attempt number to the delay before the next try.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// RetryDelay returns the backoff for a row that just failed its Nth attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retrySchedule) {
		attempt = len(retrySchedule)
	}
	return retrySchedule[attempt-1]
}

// Deliverer claims delivery rows, performs the HTTP POST, and records the
// outcome through the webhook service.
type Deliverer struct {
	svc    domain.Service
	client *http.Client
	log    *zap.Logger
	clock  clock.Clock
}

type DelivererParam struct {
	fx.In

	Service domain.Service
	Client  *http.Client
	Log     *zap.Logger
	Clock   clock.Clock
}

func NewDeliverer(p DelivererParam) *Deliverer {
	return &Deliverer{
		svc:    p.Service,
		client: p.Client,
		log:    p.Log.Named("webhook.sender"),
		clock:  p.Clock,
	}
}

// Attempt executes one delivery attempt. The SENT lease is stamped before
// the HTTP call; losing the claim race is not an error. Outcome recording
// errors are returned so the caller can surface them.
func (d *Deliverer) Attempt(ctx context.Context, delivery domain.Delivery) error {
	now := d.clock.Now()
	delay := RetryDelay(delivery.AttemptNumber)

	endpoint, err := d.svc.EndpointByID(ctx, delivery.EndpointID)
	if err != nil {
		return err
	}
	if endpoint == nil || endpoint.Status != domain.EndpointStatusActive {
		claimed, err := d.svc.MarkSending(ctx, delivery.ID, now)
		if err != nil || !claimed {
			return err
		}
		return d.svc.MarkFailed(ctx, delivery.ID, nil, "endpoint missing or inactive", delay, now)
	}

	claimed, err := d.svc.MarkSending(ctx, delivery.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	status, body, sendErr := d.send(ctx, endpoint, delivery)
	now = d.clock.Now()

	if sendErr != nil {
		d.log.Warn("delivery attempt failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("event_type", delivery.EventType),
			zap.Int("attempt", delivery.AttemptNumber),
			zap.Error(sendErr),
		)
		obsmetrics.Scheduler().IncDeliveryAttempt(failureOutcome(delivery))
		return d.svc.MarkFailed(ctx, delivery.ID, nil, sendErr.Error(), delay, now)
	}

	if status >= 200 && status < 300 {
		obsmetrics.Scheduler().IncDeliveryAttempt("delivered")
		return d.svc.MarkDelivered(ctx, delivery.ID, status, body, now)
	}

	d.log.Warn("delivery attempt rejected",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempt", delivery.AttemptNumber),
		zap.Int("http_status", status),
	)
	obsmetrics.Scheduler().IncDeliveryAttempt(failureOutcome(delivery))
	return d.svc.MarkFailed(ctx, delivery.ID, &status, fmt.Sprintf("endpoint returned %d", status), delay, now)
}

// failureOutcome labels a failed attempt by whether the row still has
// retries left.
func failureOutcome(delivery domain.Delivery) string {
	if delivery.AttemptNumber >= delivery.MaxAttempts {
		return "failed"
	}
	return "retrying"
}

func (d *Deliverer) send(ctx context.Context, endpoint *domain.Endpoint, delivery domain.Delivery) (int, string, error) {
	body, err := json.Marshal(map[string]any{
		"id":         delivery.EventID,
		"type":       delivery.EventType,
		"created_at": delivery.CreatedAt.UTC().Format(time.RFC3339),
		"data":       map[string]any(delivery.Payload),
	})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-Event-Id", delivery.EventID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(delivery.AttemptNumber))
	req.Header.Set("X-Webhook-Signature", Sign(endpoint.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(preview), nil
}

// Sign computes the hex HMAC-SHA256 of the payload under the endpoint secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
