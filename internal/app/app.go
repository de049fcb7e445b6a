package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/config"
	"github.com/templui/authmail/internal/db"
	"github.com/templui/authmail/internal/metrics"
	"github.com/templui/authmail/internal/repository"
	"github.com/templui/authmail/internal/service"
	"github.com/templui/authmail/internal/service/delivery"
)

type App struct {
	Cfg             *config.Config
	DB              *sqlx.DB
	Redis           *redis.Client
	Clock           clock.Clock
	Registry        *prometheus.Registry
	Metrics         *metrics.Metrics
	AuthCodeService *service.AuthCodeService
	EmailService    *service.EmailService
	Pipeline        *delivery.Pipeline
}

func New(cfg *config.Config) (*App, error) {
	// Initialize database
	database, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	err = db.RunMigrations(database.DB, cfg.DBDriver)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a := &App{
		Cfg:      cfg,
		DB:       database,
		Clock:    clock.Real(),
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	// Repositories
	authCodeRepository := repository.NewAuthCodeRepository(database)

	// Services
	a.AuthCodeService = service.NewAuthCodeService(
		authCodeRepository,
		service.NewCodeGenerator(),
		a.Clock,
		a.Metrics,
		cfg.AuthCodeExpiry,
	)

	renderer, err := service.NewTemplateRenderer(
		cfg.AppName,
		cfg.AppURL,
		cfg.ConfirmationPath,
		cfg.ResetPath,
		a.AuthCodeService.DefaultExpiry(),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}

	transport, err := delivery.NewTransport(cfg)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}

	a.Pipeline = delivery.NewPipeline(
		renderer,
		transport,
		delivery.NewClassifier(cfg.DeliveryBaseDelay, cfg.DeliveryRateLimitStep),
		a.Clock,
		a.Metrics,
		delivery.Options{
			MaxAttempts:    cfg.DeliveryMaxAttempts,
			AttemptTimeout: cfg.DeliveryTimeout,
		},
	)

	limiter, err := a.issueLimiter()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.EmailService = service.NewEmailService(a.AuthCodeService, a.Pipeline, limiter, a.Metrics)

	slog.Info("app initialized",
		"email_provider", a.Pipeline.Provider(),
		"code_expiry", a.AuthCodeService.DefaultExpiry(),
		"redis", a.Redis != nil,
	)

	return a, nil
}

// issueLimiter uses Redis when REDIS_URL is set so limits hold across
// replicas, and falls back to process memory otherwise.
func (a *App) issueLimiter() (service.IssueLimiter, error) {
	cfg := a.Cfg
	if cfg.IssueMax <= 0 {
		return service.NoopIssueLimiter{}, nil
	}
	if cfg.RedisURL == "" {
		return service.NewMemoryIssueLimiter(cfg.IssueWindow, cfg.IssueMax, cfg.IssueCooldown, a.Clock), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.Redis = client
	return service.NewRedisIssueLimiter(client, cfg.IssueWindow, cfg.IssueMax, cfg.IssueCooldown), nil
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
