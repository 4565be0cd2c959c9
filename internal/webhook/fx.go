package webhook

import (
	"net/http"
	"time"

	"github.com/smallbiznis/subledger/internal/config"
	"github.com/smallbiznis/subledger/internal/webhook/sender"
	"github.com/smallbiznis/subledger/internal/webhook/service"
	"go.uber.org/fx"
)

func newHTTPClient(cfg config.Config) *http.Client {
	timeout := cfg.Scheduler.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

var Module = fx.Module("webhook.service",
	fx.Provide(service.New),
	fx.Provide(service.ProvideDispatcher),
	fx.Provide(newHTTPClient),
	fx.Provide(sender.NewDeliverer),
)
