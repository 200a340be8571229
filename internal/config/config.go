// Package config defines the configuration shared by the pipeline stages.
// Configuration is loaded once at process initialization (Lambda cold start)
// and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format is returned as a ConfigError,
// and the entrypoints exit on it.
package config

import (
	"time"

	"c2cpipeline/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"dev" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"c2cpipeline"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Schedule   ScheduleConfig
	Query      QueryConfig
	Export     ExportConfig
	AWS        AWSConfig
	Database   DatabaseConfig
	Metrics    MetricsConfig
	UtilityAPI UtilityAPIConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ScheduleConfig locates the schedule table and controls phase leases.
type ScheduleConfig struct {
	Table         string `envconfig:"SCHEDULE_TABLE" validate:"required"`
	ConfigSortKey string `envconfig:"CONFIG_SORT_KEY" default:"2999-12-31" validate:"required,datetime=2006-01-02"`
	// LeaseTTL is how long an in-flight phase (querying, exporting) blocks
	// other invocations before it may be reclaimed.
	LeaseTTL time.Duration `envconfig:"STAGE_LEASE_TTL" default:"30m" validate:"gt=0"`
}

// PollConfig bounds one stage's status polling.
type PollConfig struct {
	Budget int           `validate:"gt=0"`
	Delay  time.Duration `validate:"gte=0"`
}

// QueryConfig holds Query Stage settings. OutputLocation and WorkGroup are
// defaults; a file type's own configuration takes precedence.
type QueryConfig struct {
	PollBudget     int           `envconfig:"QUERY_POLL_BUDGET" default:"10" validate:"gt=0"`
	PollDelay      time.Duration `envconfig:"QUERY_POLL_DELAY" default:"10s" validate:"gte=0"`
	OutputLocation string        `envconfig:"ATHENA_OUTPUT_LOCATION" validate:"omitempty,startswith=s3://"`
	WorkGroup      string        `envconfig:"ATHENA_WORK_GROUP"`
}

// Poll returns the query poll policy settings.
func (q QueryConfig) Poll() PollConfig {
	return PollConfig{Budget: q.PollBudget, Delay: q.PollDelay}
}

// ExportConfig holds Export Stage settings.
type ExportConfig struct {
	PollBudget int           `envconfig:"EXPORT_POLL_BUDGET" default:"10" validate:"gt=0"`
	PollDelay  time.Duration `envconfig:"EXPORT_POLL_DELAY" default:"80s" validate:"gte=0"`
	// ExhaustedPolicy selects what happens when the budget runs out while the
	// job is still running: "fail" raises BudgetExhaustedError, "pending"
	// reports PENDING and leaves the slot queued.
	ExhaustedPolicy string `envconfig:"POLL_EXHAUSTED_POLICY" default:"fail" validate:"oneof=fail pending"`
}

// Poll returns the export poll policy settings.
func (e ExportConfig) Poll() PollConfig {
	return PollConfig{Budget: e.PollBudget, Delay: e.PollDelay}
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NextStageQueueURL, when set, receives each stage's output so the next
	// stage can be driven from SQS instead of a Lambda destination.
	NextStageQueueURL string `envconfig:"NEXT_STAGE_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// DatabaseConfig configures the optional run history store. An empty URL
// disables it.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// Enabled reports whether run history should be recorded.
func (d DatabaseConfig) Enabled() bool {
	return d.URL.IsSet()
}

// MetricsConfig holds CloudWatch metric settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"C2CPipeline"`
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// UtilityAPIConfig is used by the ad-hoc query runner to pull meter data.
type UtilityAPIConfig struct {
	BaseURL string        `envconfig:"UTILITY_API_URL" default:"https://utilityapi.com/api/v2" validate:"omitempty,url"`
	Token   SecretString  `envconfig:"UTILITY_API_TOKEN"`
	Timeout time.Duration `envconfig:"UTILITY_API_TIMEOUT" default:"30s"`
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
