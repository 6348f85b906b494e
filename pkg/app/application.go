package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/audit"
	"github.com/osvaldoandrade/crowdq/internal/backend"
	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/internal/classifier"
	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/middleware"
	"github.com/osvaldoandrade/crowdq/internal/providers"
	"github.com/osvaldoandrade/crowdq/internal/ratelimit"
	"github.com/osvaldoandrade/crowdq/internal/record"
	"github.com/osvaldoandrade/crowdq/internal/report"
	"github.com/osvaldoandrade/crowdq/internal/services"
	"github.com/osvaldoandrade/crowdq/internal/tracing"
	"github.com/osvaldoandrade/crowdq/pkg/auth"
	"github.com/osvaldoandrade/crowdq/pkg/config"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"
	redisplugin "github.com/osvaldoandrade/crowdq/pkg/marketplace/redis"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config *config.Config
	Engine *gin.Engine
	Logger *slog.Logger
	TZ     *time.Location

	Survey    *domain.Survey
	Record    *record.Record
	Market    marketplace.Service
	Backend   backend.Client
	Ledger    audit.Ledger
	Writer    *report.Writer
	Collector services.ResponseCollector
	Campaign  services.CampaignService
	Bonuses   services.BonusService

	AdminValidator  auth.Validator
	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error

	now     func() time.Time
	logFile *os.File
	redis   *redis.Client
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithAdminValidator sets a custom operator token validator
func WithAdminValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.AdminValidator = validator
		return nil
	}
}

// WithMarketplace skips the backend registry and uses svc directly.
func WithMarketplace(svc marketplace.Service) ApplicationOption {
	return func(app *Application) error {
		app.Market = svc
		return nil
	}
}

func WithClock(now func() time.Time) ApplicationOption {
	return func(app *Application) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		app.now = now
		return nil
	}
}

func NewApplication(ctx context.Context, cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg, now: time.Now}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}
	app.TZ = loc

	survey, err := domain.LoadSurvey(cfg.SurveyPath)
	if err != nil {
		return nil, fmt.Errorf("load survey: %w", err)
	}
	app.Survey = survey

	cls, err := classifier.New(classifier.Config{Type: cfg.Classifier.Type, Threshold: cfg.Classifier.Threshold}, survey)
	if err != nil {
		return nil, err
	}
	rec, err := record.New(record.Options{
		Survey:     survey,
		Backend:    cfg.Backend.Type,
		OutputDir:  cfg.OutputDir,
		LogDir:     cfg.LogDir,
		Classifier: cls,
		RunTime:    app.now().In(loc),
		Now:        app.now,
	})
	if err != nil {
		return nil, err
	}
	app.Record = rec

	// the run log gets everything stdout gets
	logFile, err := os.OpenFile(rec.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	app.logFile = logFile
	app.Logger = newLogger(cfg, io.MultiWriter(os.Stdout, logFile)).With("record_id", rec.ID())
	slog.SetDefault(app.Logger)
	logger := app.Logger

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "crowdq",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		app.closeLog()
		return nil, err
	}
	app.TracingShutdown = shutdown

	if err := app.setupBackend(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}

	ledger, err := audit.Open(cfg.AuditDSN)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Ledger = ledger

	writer, err := report.NewWriter(rec.ReportPath(), survey, app.Backend.BackendHeaders(), logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Writer = writer

	uploader, err := providers.NewUploader(ctx, providers.UploadConfig{
		Type:     cfg.ReportUpload.Type,
		Dir:      cfg.ReportUpload.Dir,
		Bucket:   cfg.ReportUpload.Bucket,
		Region:   cfg.ReportUpload.Region,
		Endpoint: cfg.ReportUpload.Endpoint,
		Prefix:   cfg.ReportUpload.Prefix,
	})
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.Collector = services.NewCollectorService(rec, app.Backend, ledger, cfg.BackendExtraFields, logger, app.now)
	app.Campaign = services.NewCampaignService(services.CampaignConfig{
		Participants: cfg.Participants,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		Task:         taskTemplate(cfg.Task),
		UploadPrefix: cfg.ReportUpload.Prefix,
	}, rec, app.Backend, app.Collector, writer, uploader, logger, app.now, backoff.SleepOrDone)
	app.Bonuses = services.NewBonusService(rec, app.Backend, logger)
	metrics.RegisterCampaignCollector(app.Campaign)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.TracingMiddleware("crowdq"),
	)
	app.Engine = engine

	if app.AdminValidator == nil && cfg.AdminAuth.Type != "" {
		raw, err := cfg.AdminAuth.RawConfig()
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		validator, err := auth.NewValidator(auth.ProviderConfig{Type: cfg.AdminAuth.Type, Config: raw})
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		app.AdminValidator = validator
	}

	logger.Info("application ready",
		"survey", survey.ID,
		"backend", app.Backend.Name(),
		"participants", cfg.Participants,
		"report", rec.ReportPath(),
	)
	return app, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "crowdq", "env", cfg.Env)
}

// setupBackend builds the shared Redis client when any component needs one,
// the rate limiter, the marketplace binding and the retrying client over it.
func (app *Application) setupBackend(ctx context.Context) error {
	cfg := app.Config
	needsRedis := cfg.RateLimit.Store == "redis" || (app.Market == nil && cfg.Backend.Type == "redis" && len(cfg.Backend.Config) == 0)
	if needsRedis {
		app.redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	if cfg.RateLimit.Store == "redis" {
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(app.redis,
			ratelimit.WithKeyPrefix("crowdq:"+app.Survey.ID+":rl"),
			ratelimit.WithBucketClock(app.now),
		)
	} else {
		app.RateLimiter = ratelimit.NewLocalLimiter()
	}

	if app.Market == nil {
		svc, err := app.newMarketplace()
		if err != nil {
			return err
		}
		app.Market = svc
	}

	name := cfg.Backend.Type
	if name == "" {
		name = "memory"
	}
	app.Backend = backend.NewClient(app.Market, backend.Options{
		Name:             name,
		Credential:       credentialOf(cfg.Backend),
		Retry:            backoff.NewPolicy(cfg.BackoffPolicy, time.Duration(cfg.BackoffBaseSeconds)*time.Second, time.Duration(cfg.BackoffMaxWaitSeconds)*time.Second, app.Logger),
		Limiter:          app.RateLimiter,
		Bucket:           ratelimit.Bucket(cfg.RateLimit.Backend),
		ExtraFields:      cfg.BackendExtraFields,
		ApprovalFeedback: cfg.ApprovalFeedback,
		Logger:           app.Logger,
	})
	return nil
}

func (app *Application) newMarketplace() (marketplace.Service, error) {
	cfg := app.Config
	// a redis sandbox without its own address shares the application client
	if cfg.Backend.Type == "redis" && len(cfg.Backend.Config) == 0 {
		metrics.RegisterSandboxCollector(app.redis, app.Logger)
		return redisplugin.NewWithClient(app.redis, app.now), nil
	}
	raw, err := cfg.Backend.RawConfig()
	if err != nil {
		return nil, err
	}
	return marketplace.NewService(
		marketplace.ProviderConfig{Type: cfg.Backend.Type, Config: raw},
		marketplace.PluginConfig{Config: raw, Logger: app.Logger, Now: app.now},
	)
}

// credentialOf picks the account identifier used as the rate-limit subject.
func credentialOf(p config.ProviderSection) string {
	for _, key := range []string{"clientId", "token", "addr"} {
		if v, ok := p.Config[key].(string); ok && v != "" {
			return v
		}
	}
	return p.Type
}

func taskTemplate(t config.TaskConfig) domain.TaskParams {
	return domain.TaskParams{
		Title:              t.Title,
		Description:        t.Description,
		Keywords:           t.Keywords,
		Content:            t.Content,
		Reward:             t.Reward,
		AssignmentDuration: time.Duration(t.AssignmentDurationSeconds) * time.Second,
		AutoApprovalDelay:  time.Duration(t.AutoApprovalDelaySeconds) * time.Second,
		Lifetime:           time.Duration(t.LifetimeSeconds) * time.Second,
		MaxSubmissions:     t.MaxSubmissions,
	}
}

// RunCampaign posts the initial task unless one is already tracked, then
// polls until the participant target is met or ctx is done.
func (app *Application) RunCampaign(ctx context.Context) error {
	if len(app.Record.Tasks()) == 0 {
		id, err := app.Campaign.Launch(ctx)
		if err != nil {
			return fmt.Errorf("launch campaign: %w", err)
		}
		app.Logger.Info("campaign launched", "task_id", id)
	}
	return app.Campaign.Run(ctx)
}

// Close releases everything NewApplication opened. It is safe to call on a
// partially built application.
func (app *Application) Close(ctx context.Context) error {
	var errs []error
	if app.Market != nil {
		errs = append(errs, app.Market.Close())
	}
	if app.Ledger != nil {
		errs = append(errs, app.Ledger.Close())
	}
	if app.redis != nil {
		// the redis plugin may already have closed the shared client
		if err := app.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if app.TracingShutdown != nil {
		errs = append(errs, app.TracingShutdown(ctx))
	}
	app.closeLog()
	return errors.Join(errs...)
}

func (app *Application) closeLog() {
	if app.logFile != nil {
		_ = app.logFile.Close()
		app.logFile = nil
	}
}
