// Package main is the entry point for the Notifly API server.
//
// It loads the configuration, builds the database pool and AWS clients,
// wires the preference, notification, webhook, and unsubscribe handlers
// onto the core chassis, and starts listening for requests.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on the
// configured port and provider dispatch uses stub clients. In Lambda mode,
// it bridges API Gateway events to the chi router.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifly/internal/api/handlers"
	"notifly/internal/cache"
	"notifly/internal/config"
	"notifly/internal/core"
	"notifly/internal/db"
	"notifly/internal/delivery"
	"notifly/internal/prefs"
	"notifly/internal/queue"
	"notifly/internal/telemetry"
	"notifly/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("notifly API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx := context.Background()
	typedLogger := &slogAdapter{logger: logger}
	clock := types.RealClock{}

	// Database pool.
	pool, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database pool: %w", err)
	}
	srv.RegisterCloser(func() error {
		pool.Close()
		return nil
	})
	srv.HealthProbes = append(srv.HealthProbes, &dbProbe{pool: pool})

	// Redis-backed rate limiting; disabled when no URL is configured.
	if redisURL := cfg.Redis.URL.Unmask(); redisURL != "" {
		store, err := cache.NewRedisRateLimitStore(redisURL)
		if err != nil {
			return fmt.Errorf("initializing rate limit store: %w", err)
		}
		srv.RateLimitStore = store
		srv.RegisterCloser(store.Close)
	} else {
		logger.Warn("REDIS_URL not set, rate limiting disabled")
	}

	// AWS clients.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Telemetry. Local mode skips CloudWatch; the middleware and tracker
	// degrade to no metric emission.
	var analytics *telemetry.CloudWatchAnalytics
	if cfg.Environment != "local" {
		srv.Metrics = telemetry.NewAPIMetrics(cwClient, typedLogger)
		analytics = telemetry.NewCloudWatchAnalytics(cwClient, typedLogger)
	}

	// Repositories and domain services.
	notifRepo := db.NewNotificationRepository(pool)
	prefsRepo := db.NewPreferencesRepository(pool)
	tokenRepo := db.NewTokenRepository(pool)

	prefsService := prefs.NewService(prefs.ServiceConfig{
		Store:    prefsRepo,
		Tokens:   tokenRepo,
		Gate:     prefs.NewGate(clock, typedLogger),
		Cache:    prefs.NewCache(cfg.Prefs.CacheTTL, clock),
		Clock:    clock,
		Logger:   typedLogger,
		TokenTTL: cfg.Prefs.TokenTTL,
	})

	var trackerAnalytics delivery.Analytics
	if analytics != nil {
		trackerAnalytics = analytics
	}
	tracker := delivery.NewTracker(notifRepo, trackerAnalytics, clock, typedLogger)
	publisher := queue.NewSendPublisher(sqsClient, cfg.AWS, logger)

	// Handlers.
	prefsHandler := handlers.NewPreferencesHandler(prefsService, srv.Validator, logger)
	notifHandler := handlers.NewNotificationHandler(notifRepo, prefsService, publisher, srv.Validator, logger)
	webhookHandler := handlers.NewWebhookHandler(tracker, logger)
	unsubHandler := handlers.NewUnsubscribeHandler(prefsService, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		prefsHandler.RegisterRoutes,
		notifHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
		unsubHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// dbProbe reports database reachability for GET /health.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newDBPool builds a pgx connection pool from the database configuration.
func newDBPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return pool, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda starts the server in AWS Lambda mode using the chi adapter.
// This is a placeholder until the aws-lambda-go-api-proxy dependency is added.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Error("Lambda mode is not yet implemented; run with APP_ENV=local for HTTP mode")
	return fmt.Errorf("lambda mode not yet implemented")
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

// Compile-time assertions.
var (
	_ types.Logger     = (*slogAdapter)(nil)
	_ core.HealthProbe = (*dbProbe)(nil)
)
