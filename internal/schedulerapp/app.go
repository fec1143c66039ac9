// Package schedulerapp is the scheduler's composition root: Logger ->
// Config -> Postgres -> Store -> Dispatcher (over an empty Registry) ->
// LogCapture factory -> WorkService, mirroring the teacher's ordered
// App.New() construction. Handlers are registered by the caller through
// App.Registry before Run.
package schedulerapp

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/config"
	"github.com/yungbote/invocation-scheduler/internal/dispatch"
	"github.com/yungbote/invocation-scheduler/internal/logcapture"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/runner"
	"github.com/yungbote/invocation-scheduler/internal/store"
	"github.com/yungbote/invocation-scheduler/internal/workservice"
)

// App wires and owns every long-lived component of one scheduler process.
type App struct {
	Log         *logger.Logger
	Cfg         *config.Config
	DB          *gorm.DB
	Store       store.Store
	Dispatcher  *dispatch.Dispatcher
	Registry    *dispatch.Registry
	WorkService *workservice.Service

	clock          clock.Clock
	tracerProvider *sdktrace.TracerProvider
}

// New builds every component in dependency order but does not start the
// work service; call Run for that.
func New() (*App, error) {
	mode := os.Getenv("LOG_MODE")
	if mode == "" {
		mode = "development"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	tp, err := buildTracerProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	otel.SetTracerProvider(tp)

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	clk := clock.Real()
	st := store.NewPostgresStore(db, log, clk)

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry)

	captureFactory := buildCaptureFactory(cfg, log)

	ws := workservice.New(workservice.Config{
		InstanceName:   cfg.InstanceName,
		WorkerCount:    cfg.WorkerCount,
		CaptureFactory: captureFactory,
		RunnerOptions: []runner.Option{
			runner.WithPollInterval(cfg.PollInterval),
			runner.WithInvisibilityPeriod(cfg.DefaultInvisibility),
		},
	}, st, dispatcher, clk, log)

	return &App{
		Log:            log,
		Cfg:            cfg,
		DB:             db,
		Store:          st,
		Dispatcher:     dispatcher,
		Registry:       registry,
		WorkService:    ws,
		clock:          clk,
		tracerProvider: tp,
	}, nil
}

// buildTracerProvider sends dispatch spans to stdout by default. A real
// deployment swaps the stdouttrace exporter for an OTLP one behind the
// same TracerProvider seam; this module only needs the spans to exist.
func buildTracerProvider(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "invocation-scheduler"),
		attribute.String("service.instance.id", cfg.InstanceName),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func buildCaptureFactory(cfg *config.Config, log *logger.Logger) runner.CaptureFactory {
	if cfg.InvocationLogBucket == "" {
		log.Info("no invocation log bucket configured, using in-memory log capture")
		return func() logcapture.Capture { return logcapture.NewMemoryCapture() }
	}
	blobStore, err := logcapture.NewGCSBlobStore(log, cfg.InvocationLogBucket)
	if err != nil {
		log.Warn("failed to init blob-backed log capture, falling back to in-memory", "error", err.Error())
		return func() logcapture.Capture { return logcapture.NewMemoryCapture() }
	}
	return func() logcapture.Capture { return logcapture.NewBlobCapture(blobStore, log) }
}

// Run starts the work service and blocks until ctx is cancelled or a
// worker returns a fatal error.
func (a *App) Run(ctx context.Context) error {
	return a.WorkService.Run(ctx)
}

// Close releases the database connection and flushes any buffered spans.
func (a *App) Close() error {
	if a.tracerProvider != nil {
		_ = a.tracerProvider.Shutdown(context.Background())
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
