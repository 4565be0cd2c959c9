// Package server exposes the admin API and inbound payment webhooks.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/config"
	customerdomain "github.com/smallbiznis/subledger/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	clock           clock.Clock
	appSvc          appdomain.Service
	planSvc         plandomain.Service
	customerSvc     customerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      webhookdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	AppSvc          appdomain.Service
	PlanSvc         plandomain.Service
	CustomerSvc     customerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      webhookdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		clock:           p.Clock,
		appSvc:          p.AppSvc,
		planSvc:         p.PlanSvc,
		customerSvc:     p.CustomerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	apps := api.Group("/apps")
	{
		apps.POST("", s.CreateApp)
		apps.GET("", s.ListApps)
		apps.GET("/:app_id", s.GetApp)
		apps.PATCH("/:app_id", s.UpdateApp)

		scoped := apps.Group("/:app_id", s.AppScoped())
		{
			plans := scoped.Group("/plans")
			{
				plans.POST("", s.CreatePlan)
				plans.GET("", s.ListPlans)
				plans.GET("/:id", s.GetPlanByID)
			}

			customers := scoped.Group("/customers")
			{
				customers.POST("", s.CreateCustomer)
				customers.GET("", s.ListCustomers)
				customers.GET("/:id", s.GetCustomerByID)
			}

			subscriptions := scoped.Group("/subscriptions")
			{
				subscriptions.POST("", s.CreateSubscription)
				subscriptions.GET("", s.ListSubscriptions)
				subscriptions.GET("/:id", s.GetSubscriptionByID)
				subscriptions.POST("/:id/pause", s.PauseSubscription)
				subscriptions.POST("/:id/resume", s.ResumeSubscription)
				subscriptions.POST("/:id/cancel", s.CancelSubscription)
			}

			invoices := scoped.Group("/invoices")
			{
				invoices.GET("", s.ListInvoices)
				invoices.GET("/:id", s.GetInvoiceByID)
			}

			endpoints := scoped.Group("/webhook-endpoints")
			{
				endpoints.POST("", s.CreateWebhookEndpoint)
				endpoints.GET("", s.ListWebhookEndpoints)
				endpoints.PATCH("/:id", s.UpdateWebhookEndpoint)
			}

			scoped.GET("/webhook-deliveries/stats", s.WebhookDeliveryStats)
		}
	}

	s.engine.POST("/webhooks/payments/:provider", s.IngestPaymentWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
