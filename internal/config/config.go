// Package config defines the global configuration structure for the Notifly platform.
// Configuration is loaded once at process initialization (Lambda Cold Start) and is
// immutable thereafter. It follows 12-Factor App principles by strictly separating
// code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to panic
// immediately on startup (fail fast).
package config

import (
	"time"

	"notifly/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Notifly platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"notifly-service"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Redis         RedisConfig
	Email         EmailConfig
	SMS           SMSConfig
	Push          PushConfig
	Prefs         PrefsConfig
	Retention     RetentionConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for unsubscribe links in email footers (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.notifly.io
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource Identifiers
	SendQueue     string `envconfig:"SQS_SEND_QUEUE" validate:"required,url"`
	DlqURL        string `envconfig:"SQS_DLQ"`
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"` // Cold storage for purged notification rows

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RedisConfig holds the connection settings for the rate limit store.
// An empty URL disables Redis-backed rate limiting entirely.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL"`
}

// EmailConfig holds email delivery provider credentials and sender identity.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"hello@notifly.io"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Notifly"`
}

// SMSConfig holds SMS provider credentials.
type SMSConfig struct {
	TwilioAccountSID string       `envconfig:"TWILIO_ACCOUNT_SID" validate:"required"`
	TwilioAuthToken  SecretString `envconfig:"TWILIO_AUTH_TOKEN" validate:"required"`
	FromNumber       string       `envconfig:"SMS_FROM_NUMBER" validate:"required"`
}

// PushConfig holds push provider credentials.
type PushConfig struct {
	FCMServerKey SecretString `envconfig:"FCM_SERVER_KEY" validate:"required"`
	Endpoint     string       `envconfig:"FCM_ENDPOINT" default:"https://fcm.googleapis.com/fcm/send"`
}

// PrefsConfig tunes the preference layer.
type PrefsConfig struct {
	// CacheTTL bounds how stale a cached preference row may be.
	CacheTTL time.Duration `envconfig:"PREFS_CACHE_TTL" default:"5m"`
	// TokenTTL is the lifetime of issued unsubscribe tokens.
	TokenTTL time.Duration `envconfig:"UNSUBSCRIBE_TOKEN_TTL" default:"8760h"`
}

// RetentionConfig controls the archive-then-purge maintenance job.
type RetentionConfig struct {
	// Age past which notification rows are archived to S3 and deleted.
	MaxAge time.Duration `envconfig:"RETENTION_MAX_AGE" default:"2160h"` // 90 days
}

// SecurityConfig holds CORS and abuse-control settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Notifly"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
