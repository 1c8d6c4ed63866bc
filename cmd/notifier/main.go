package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/notify_hook/internal/auth"
	"github.com/austindbirch/notify_hook/internal/billing"
	"github.com/austindbirch/notify_hook/internal/config"
	"github.com/austindbirch/notify_hook/internal/health"
	"github.com/austindbirch/notify_hook/internal/ingest"
	"github.com/austindbirch/notify_hook/internal/jira"
	"github.com/austindbirch/notify_hook/internal/ledger"
	"github.com/austindbirch/notify_hook/internal/logging"
	"github.com/austindbirch/notify_hook/internal/metrics"
	"github.com/austindbirch/notify_hook/internal/slack"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, tracing.Options{
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to initialize tracing")
		} else {
			defer shutdownTracing()
			logger.Plain().WithField("endpoint", cfg.Tracing.OTLPEndpoint).Info("Tracing initialized")
		}
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to start notifier")
	}
	defer app.Close()

	server := &http.Server{
		Addr:              cfg.HTTP.Port,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":          cfg.HTTP.Port,
			"api_prefix":    cfg.HTTP.APIPrefix,
			"ledger_driver": cfg.Ledger.Driver,
			"jira_enabled":  cfg.Jira.Enabled(),
			"slack_enabled": cfg.Slack.Enabled(),
		}).Info("Notifier HTTP listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Plain().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.PortTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("HTTP shutdown error")
	}
	logger.Plain().Info("Notifier stopped")
}

type app struct {
	router *gin.Engine
	store  ledger.Store
}

func (a *app) Close() {
	_ = a.store.Close()
}

// newApp opens the ledger and wires the configured channels into a router
func newApp(ctx context.Context, cfg config.Config, logger *logging.Logger) (*app, error) {
	store, err := ledger.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := ingest.Options{
		ProjectKey:        cfg.Jira.ProjectKey,
		AssigneeAccountID: cfg.Jira.AssigneeAccountID,
		PortTimeout:       cfg.PortTimeout,
		Logger:            logger,
	}
	if cfg.Jira.Enabled() {
		opts.Ticket = jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.APIToken, cfg.Jira.Timeout)
	} else {
		logger.Plain().WithChannel("ticket").Warn("Jira not configured, tickets will be skipped")
	}
	if cfg.Slack.Enabled() {
		opts.Chat = slack.NewClient(cfg.Slack.APIURL, cfg.Slack.BotToken, cfg.Slack.Channel, cfg.Slack.Timeout, logger)
	} else {
		logger.Plain().WithChannel("chat").Warn("Slack not configured, messages will be skipped")
	}
	if cfg.Billing.Enabled() {
		opts.Costs = billing.NewClient(cfg.Billing.URL, cfg.Billing.Timeout)
	}

	var authMW gin.HandlerFunc
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("webhook auth: %w", err)
		}
		authMW = validator.GinMiddleware()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var ready health.Pinger
	if p, ok := store.(ledger.Pinger); ok {
		ready = p
	}

	svc := ingest.NewService(store, opts)
	router := ingest.NewRouter(ingest.NewWebhookHandler(svc, logger), ingest.RouterConfig{
		ServiceName:    cfg.AppName,
		APIPrefix:      cfg.HTTP.APIPrefix,
		TracingEnabled: cfg.Tracing.Enabled,
		Auth:           authMW,
		Registry:       reg,
		Ready:          ready,
		Logger:         logger,
	})
	return &app{router: router, store: store}, nil
}
