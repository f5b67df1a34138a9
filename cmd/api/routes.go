package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/resellerhub/backend/internal/admin"
	"github.com/resellerhub/backend/internal/auth"
	"github.com/resellerhub/backend/internal/cache"
	"github.com/resellerhub/backend/internal/config"
	"github.com/resellerhub/backend/internal/dashboard"
	"github.com/resellerhub/backend/internal/devices"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/handlers"
	"github.com/resellerhub/backend/internal/keys"
	"github.com/resellerhub/backend/internal/licensing"
	"github.com/resellerhub/backend/internal/metrics"
	"github.com/resellerhub/backend/internal/ratelimit"
	"github.com/resellerhub/backend/internal/reconcile"
	"github.com/resellerhub/backend/internal/repository"
	"github.com/resellerhub/backend/internal/router"
	"github.com/resellerhub/backend/internal/services"
	"github.com/resellerhub/backend/internal/storage"
)

// app carries the shared infrastructure built in run.
type app struct {
	cfg           *config.Config
	pool          *pgxpool.Pool
	redis         *redis.Client
	publisher     *feed.Publisher
	licensing     *licensing.Client
	keyRepo       *repository.KeyRepo
	reconciler    *reconcile.Reconciler
	insertJob     reconcile.InsertFunc
	loginLimiter  ratelimit.Limiter
	signupLimiter ratelimit.Limiter
	registry      *prometheus.Registry
	logger        *slog.Logger
}

// buildRouter wires repositories, services and handlers onto the router.
func buildRouter(a app) (http.Handler, error) {
	cfg, pool, logger := a.cfg, a.pool, a.logger

	profileRepo := repository.NewProfileRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	actionRepo := repository.NewActionRepo(pool)
	messageRepo := repository.NewMessageRepo(pool)
	requestRepo := repository.NewRequestRepo(pool)
	spinRepo := repository.NewSpinRepo(pool)
	creditSvc := services.NewCreditService(profileRepo, creditRepo)

	validator, err := services.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	// Auth: each login schedules a reconcile of the user's keys.
	authSvc := auth.NewService(auth.NewRepository(pool), auth.Options{
		Secret:       cfg.JWT.Secret,
		SessionTTL:   cfg.JWT.SessionTTL,
		ChallengeTTL: cfg.JWT.ChallengeTTL,
		TOTPIssuer:   cfg.Auth.TOTPIssuer,
		OnLogin:      reconcile.EnqueueOnLogin(a.insertJob, cfg.Reconcile.Staleness, logger),
	})

	deviceSvc := devices.NewService(devices.NewRepository(pool), validator, cfg.JWT.Secret, cfg.JWT.DeviceTTL)

	keySvc := keys.NewService(keys.Deps{
		Keys:       a.keyRepo,
		Profiles:   profileRepo,
		Credits:    creditSvc,
		Licensing:  a.licensing,
		Cache:      cache.NewCache(a.redis, "reseller:"),
		Audit:      actionRepo,
		Events:     a.publisher,
		PackageIDs: cfg.Licensing.PackageIDs,
		DetailsTTL: cfg.Keys.DetailsTTL,
		Staleness:  cfg.Reconcile.Staleness,
		Logger:     logger,
	})

	adminSvc := admin.NewService(admin.Deps{
		Pool:       pool,
		Profiles:   profileRepo,
		Credits:    creditSvc,
		Requests:   requestRepo,
		Messages:   messageRepo,
		Audit:      actionRepo,
		Events:     a.publisher,
		SenderName: cfg.Support.SenderName,
		Logger:     logger,
	})

	h := router.Handlers{
		Auth: auth.NewHandler(authSvc, a.loginLimiter, logger),
		Dashboard: dashboard.NewHandler(dashboard.Deps{
			Pool:      pool,
			Profiles:  profileRepo,
			Spins:     spinRepo,
			Ledger:    creditRepo,
			Credits:   creditSvc,
			Passwords: authSvc,
			Audit:     actionRepo,
			Logger:    logger,
		}),
		Keys:    keys.NewHandler(keySvc, a.reconciler, logger),
		Devices: devices.NewHandler(deviceSvc, actionRepo, logger),
		Admin:   admin.NewHandler(adminSvc, logger),
		Messages: &handlers.MessageHandler{
			Messages: messageRepo,
			Events:   a.publisher,
			Logger:   logger,
		},
		Requests: &handlers.RequestHandler{
			Requests:  requestRepo,
			Keys:      keySvc,
			Validator: validator,
			Events:    a.publisher,
			Logger:    logger,
		},
		Media: &handlers.MediaHandler{
			Storage:     storage.NewSupabaseStorage(cfg.Storage.URL, cfg.Storage.ServiceKey),
			ImageBucket: cfg.Storage.ImageBucket,
			VideoBucket: cfg.Storage.VideoBucket,
			Logger:      logger,
		},
		Feed: feed.NewHandler(a.publisher, logger),
	}

	return router.New(h, router.Guards{
		Tokens:   authSvc,
		Profiles: profileRepo,
		Devices:  deviceSvc,
	}, router.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        metrics.Handler(a.registry),
		SignupLimiter:  a.signupLimiter,
		Logger:         logger,
	}), nil
}
