// Package app holds the cold-start wiring shared by the stage entrypoints:
// configuration, logging, AWS clients, the schedule store and the optional
// run history, metrics and forwarding.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"c2cpipeline/internal/config"
	"c2cpipeline/internal/db"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/queue"
	"c2cpipeline/internal/schedule"
	"c2cpipeline/internal/types"
)

// Forwarder sends a stage output to the next stage's queue.
type Forwarder interface {
	Forward(ctx context.Context, stage, fileType string, body any) error
}

// Runtime is everything a stage entrypoint builds once per cold start.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	AWS     aws.Config
	Store   *db.ScheduleStore
	Tracker *schedule.Tracker

	// Runs is nil when no DATABASE_URL is configured.
	Runs    pipeline.RunRecorder
	Metrics metrics.Publisher
	// Forwarder is nil when NEXT_STAGE_QUEUE_URL is empty.
	Forwarder Forwarder

	pool *pgxpool.Pool
}

// Init loads configuration and builds the shared clients. Run history is
// best effort: a database that cannot be reached is logged and skipped.
func Init(ctx context.Context) (*Runtime, error) {
	provider := config.NewSecretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, err
	}

	logger := config.NewLogger(os.Stdout, cfg.SlogLevel()).With(
		"service", cfg.Service,
		"env", cfg.Environment,
		"version", cfg.Build.Version,
	)

	awsCfg, err := LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	store := db.NewScheduleStore(dynamodb.NewFromConfig(awsCfg), cfg.Schedule.Table, cfg.Schedule.ConfigSortKey)

	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		AWS:    awsCfg,
		Store:  store,
		Tracker: schedule.NewTracker(schedule.TrackerConfig{
			Store:    store,
			LeaseTTL: cfg.Schedule.LeaseTTL,
			Logger:   logger,
		}),
		Metrics: metrics.Nop{},
	}

	if cfg.Database.Enabled() {
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Warn("run history disabled", "error", err)
		} else {
			rt.pool = pool
			rt.Runs = db.NewRunHistoryRepository(pool)
		}
	}

	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.NewCloudWatchPublisher(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace)
	}

	if cfg.AWS.NextStageQueueURL != "" {
		rt.Forwarder = queue.NewStageForwarder(sqs.NewFromConfig(awsCfg), cfg.AWS.NextStageQueueURL, logger)
	}

	return rt, nil
}

// LoadAWS loads the SDK configuration for the configured region. A non-empty
// EndpointURL routes every client to LocalStack.
func LoadAWS(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, types.NewAppError(types.ErrCodeConfigInvalid, "failed to load AWS SDK config", err)
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

// Close releases the run history pool, if any.
func (r *Runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Handler processes one raw invocation event.
type Handler func(ctx context.Context, raw json.RawMessage) (any, error)

// WithInvocation tags ctx with the Lambda request ID, or a fresh UUID when
// running outside Lambda, and stores a logger carrying it.
func WithInvocation(ctx context.Context, logger *slog.Logger) context.Context {
	var id string
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		id = lc.AwsRequestID
	} else {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx = types.WithInvocationID(ctx, id)
	return types.WithLogger(ctx, logger.With("invocation_id", id))
}

// Wrap adds invocation tagging and failure logging around h.
func Wrap(h Handler, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		ctx = WithInvocation(ctx, logger)
		out, err := h(ctx, raw)
		if err != nil {
			types.LoggerFromContext(ctx, logger).ErrorContext(ctx, "invocation failed",
				"error", err,
				"error_kind", string(types.KindOf(err)),
				"error_code", string(types.CodeOf(err)),
			)
		}
		return out, err
	}
}

// Serve starts the Lambda runtime loop, or with APP_ENV=local handles the
// single event read from stdin and prints the result.
func Serve(h Handler, logger *slog.Logger) {
	h = Wrap(h, logger)
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading event from stdin")
		if err := RunLocal(context.Background(), os.Stdin, os.Stdout, h); err != nil {
			logger.Error("Handler execution failed", "error", err)
			os.Exit(1)
		}
		return
	}
	lambda.Start(h)
}

// RunLocal feeds the event read from r to h and writes the JSON result to w.
func RunLocal(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading event: %w", err)
	}
	if len(payload) == 0 {
		return types.NewAppError(types.ErrCodeParseInvalidInput, "no input received on stdin", nil)
	}
	out, err := h(ctx, json.RawMessage(payload))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Forward sends body to the next stage when a Forwarder is configured.
// Forwarding failures are returned so SQS redelivers the triggering event.
func (r *Runtime) Forward(ctx context.Context, stage, fileType string, body any) error {
	if r.Forwarder == nil {
		return nil
	}
	return r.Forwarder.Forward(ctx, stage, fileType, body)
}
