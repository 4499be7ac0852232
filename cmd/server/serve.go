package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bizinbox/internal/api"
	"bizinbox/internal/auth"
	"bizinbox/internal/automation"
	"bizinbox/internal/database"
	"bizinbox/internal/delivery"
	"bizinbox/internal/metrics"
	"bizinbox/internal/models"
	"bizinbox/internal/notify"
	"bizinbox/internal/outbox"
	"bizinbox/internal/tenant"
	"bizinbox/internal/twilio"
	"bizinbox/internal/webhook"
	"bizinbox/internal/whatsapp"
	"bizinbox/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhooks, realtime hub and outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not auto-migrate the schema on start")
	return cmd
}

func runServe(parent context.Context, skipMigrate bool) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg, log)
	if err != nil {
		return err
	}
	if !skipMigrate {
		if err := database.Migrate(db); err != nil {
			return err
		}
	}

	m := metrics.New()
	hub := ws.NewHub(log.Named("realtime"), m)
	tenants := tenant.NewDirectory(db, tenant.DefaultTTL)
	reconciler := delivery.NewReconciler(db, hub, m, log.Named("delivery"))

	graph := whatsapp.NewClient(cfg.GraphAPIBase, cfg.WhatsAppToken)
	twilioClient := twilio.NewClient(cfg.TwilioAPIBase, cfg.PublicBaseURL)
	mailer := notify.NewResend(cfg.ResendAPIKey, cfg.ResendFrom, cfg.ResendAPIBase, log.Named("notify"))

	dispatcher := outbox.NewDispatcher(db, map[string]outbox.Sender{
		models.ProviderMeta:   graph,
		models.ProviderTwilio: twilioClient,
	}, reconciler, mailer, m, log.Named("outbox"), outbox.Options{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Lease:        cfg.OutboxLease,
	})

	engine := automation.NewEngine(db, hub, log.Named("automation"))
	webhooks := webhook.NewHandler(db, tenants, reconciler, engine, hub, m, log.Named("webhook"), webhook.Options{
		VerifyToken:   cfg.VerifyToken,
		AppSecret:     cfg.MetaAppSecret,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if cfg.MetaAppSecret == "" {
		log.Warn("META_APP_SECRET is not set; webhook signatures are not verified")
	}

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DB:        db,
		Auth:      auth.NewService(db, issuer, log.Named("auth")),
		Tenants:   tenants,
		Hub:       hub,
		Webhooks:  webhooks,
		Templates: graph,
		Media:     graph,
		Metrics:   m,
		Log:       log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		webhooks.Wait()
		return err
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	err = g.Wait()
	log.Info("server stopped")
	return err
}
