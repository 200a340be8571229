// Package main implements the query-runner CLI tool for loading ad-hoc
// utility data into the analytics tables.
//
// For each file type the tool fetches every meter's records from the utility
// API, uploads them as newline-delimited JSON under the user's partition
// prefix, and registers that partition on the file type's table with Athena.
//
// Usage:
//
//	go run ./cmd/tools/query-runner --utility=SCE --meters=782002,782001 \
//	    --user=test@example.com --bucket=athena-query-results --database=sampledb
//	go run ./cmd/tools/query-runner --file-types=bills --table={file_type}_table --compress
//	go run ./cmd/tools/query-runner --dry-run ...
//
// UTILITY_API_TOKEN (or UTILITY_API_TOKEN_SSM_PARAM) must be set. AWS
// credentials come from the default chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/config"
	"c2cpipeline/internal/external"
	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/types"
)

// objectKeyFormat is the upload prefix the partitioned tables read from.
const objectKeyFormat = "userdata/power_analytics/%s/user_name=%s/%s_%s"

// Fetcher pulls one file type's records for a set of meters.
type Fetcher interface {
	FetchNDJSON(ctx context.Context, fileType, utility string, meters []string) ([]byte, int, error)
}

// Uploader writes one object and returns the key written.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, compress bool) (string, error)
}

// options are the parsed command-line flags.
type options struct {
	FileTypes      []string
	Utility        string
	Meters         []string
	User           string
	Bucket         string
	Database       string
	TableTemplate  string
	OutputLocation string
	Compress       bool
	DryRun         bool
	Policy         poll.Policy
}

// runner loads one user's data for each file type.
type runner struct {
	opts     options
	fetcher  Fetcher
	uploader Uploader
	executor pipeline.QueryExecutor
	sleeper  poll.Sleeper
	newID    func() string
	logger   *slog.Logger
}

func main() {
	fileTypesFlag := flag.String("file-types", "bills,intervals", "Comma-separated file types to load")
	utilityFlag := flag.String("utility", "", "Utility code, e.g. SCE")
	metersFlag := flag.String("meters", "", "Comma-separated meter ids")
	userFlag := flag.String("user", "", "User name the partition is registered for")
	bucketFlag := flag.String("bucket", os.Getenv("QUERY_RUNNER_BUCKET"), "Upload bucket")
	databaseFlag := flag.String("database", "sampledb", "Athena database")
	tableFlag := flag.String("table", "{file_type}_table", "Table name; {file_type} is replaced per file type")
	outputFlag := flag.String("output-location", os.Getenv("ATHENA_OUTPUT_LOCATION"), "Athena result location (s3://...)")
	compressFlag := flag.Bool("compress", false, "Upload zstd-compressed objects")
	dryRunFlag := flag.Bool("dry-run", false, "Fetch and print the plan without uploading or querying")
	budgetFlag := flag.Int("poll-budget", 5, "Status checks per statement")
	delayFlag := flag.Duration("poll-delay", 20*time.Second, "Delay between status checks")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: query-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Load utility API data for one user and register its partitions.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := options{
		FileTypes:      splitList(*fileTypesFlag),
		Utility:        *utilityFlag,
		Meters:         splitList(*metersFlag),
		User:           *userFlag,
		Bucket:         *bucketFlag,
		Database:       *databaseFlag,
		TableTemplate:  *tableFlag,
		OutputLocation: *outputFlag,
		Compress:       *compressFlag,
		DryRun:         *dryRunFlag,
		Policy:         poll.Policy{Budget: *budgetFlag, Delay: *delayFlag},
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stdout, slog.LevelInfo)

	if err := config.ResolveSecrets(config.NewSecretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))); err != nil {
		logger.Error("Failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	var apiCfg config.UtilityAPIConfig
	var awsEnv config.AWSConfig
	if err := envconfig.Process("", &apiCfg); err != nil {
		logger.Error("invalid utility API configuration", "error", err)
		os.Exit(1)
	}
	if err := envconfig.Process("", &awsEnv); err != nil {
		logger.Error("invalid AWS configuration", "error", err)
		os.Exit(1)
	}
	if !apiCfg.Token.IsSet() {
		logger.Error("UTILITY_API_TOKEN is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := app.LoadAWS(ctx, awsEnv)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	r := &runner{
		opts: opts,
		fetcher: external.NewUtilityAPIClient(external.UtilityAPIConfig{
			BaseURL: apiCfg.BaseURL,
			Token:   apiCfg.Token,
			Timeout: apiCfg.Timeout,
			Logger:  logger,
		}),
		uploader: external.NewS3Uploader(s3.NewFromConfig(awsCfg), opts.Bucket, logger),
		executor: external.NewAthenaExecutor(athena.NewFromConfig(awsCfg), external.AthenaExecutorConfig{
			OutputLocation: opts.OutputLocation,
			Logger:         logger,
		}),
		sleeper: poll.ContextSleep,
		newID:   uuid.NewString,
		logger:  logger,
	}

	ctx = app.WithInvocation(ctx, logger)
	if err := r.run(ctx); err != nil {
		logger.Error("query runner failed", "error", err, "error_kind", string(types.KindOf(err)))
		os.Exit(1)
	}
	logger.Info("query runner complete", "file_types", opts.FileTypes)
}

func (o options) validate() error {
	switch {
	case len(o.FileTypes) == 0:
		return fmt.Errorf("--file-types is required")
	case o.Utility == "":
		return fmt.Errorf("--utility is required")
	case len(o.Meters) == 0:
		return fmt.Errorf("--meters is required")
	case o.User == "":
		return fmt.Errorf("--user is required")
	case o.Bucket == "" && !o.DryRun:
		return fmt.Errorf("--bucket is required")
	case o.Policy.Budget < 1:
		return fmt.Errorf("--poll-budget must be at least 1")
	}
	return nil
}

// run processes the file types in order and stops at the first failure.
func (r *runner) run(ctx context.Context) error {
	for _, ft := range r.opts.FileTypes {
		if err := r.load(ctx, ft); err != nil {
			return fmt.Errorf("file type %s: %w", ft, err)
		}
	}
	return nil
}

func (r *runner) load(ctx context.Context, fileType string) error {
	log := r.logger.With("file_type", fileType, "utility", r.opts.Utility)

	table := strings.ReplaceAll(r.opts.TableTemplate, "{file_type}", fileType)
	stmt, err := pipeline.AddUserPartition(table, r.opts.User)
	if err != nil {
		return err
	}

	body, count, err := r.fetcher.FetchNDJSON(ctx, fileType, r.opts.Utility, r.opts.Meters)
	if err != nil {
		return err
	}
	if count == 0 {
		log.WarnContext(ctx, "no records returned, skipping upload", "meters", r.opts.Meters)
		return nil
	}

	key := fmt.Sprintf(objectKeyFormat, fileType, r.opts.User, fileType, r.newID())
	if r.opts.DryRun {
		log.InfoContext(ctx, "dry run",
			"documents", count, "bytes", len(body), "key", key, "statement", stmt.SQL)
		return nil
	}

	written, err := r.uploader.Upload(ctx, key, body, r.opts.Compress)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "records uploaded", "documents", count, "key", written)

	id, err := r.executor.Submit(ctx, external.QueryRequest{SQL: stmt.SQL, Database: r.opts.Database})
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("query %s (%s)", id, stmt.Name)
	opts := []poll.Option{
		poll.WithLogger(log, subject),
		poll.WithTerminateOnUnknown(func(ctx context.Context) error { return r.executor.Cancel(ctx, id) }),
	}
	if r.sleeper != nil {
		opts = append(opts, poll.WithSleeper(r.sleeper))
	}
	res, err := poll.New(r.opts.Policy, external.AthenaStates, opts...).Until(ctx, func(ctx context.Context) (poll.Status, error) {
		return r.executor.GetStatus(ctx, id)
	})
	if err != nil {
		return err
	}
	switch res.Outcome {
	case poll.Terminated:
		return types.NewAppErrorWithDetails(types.ErrCodeExecutionTerminated,
			fmt.Sprintf("%s reported unrecognized state %q and was cancelled", subject, res.Last.State), nil,
			map[string]any{"execution_id": id, "state": res.Last.State})
	case poll.Exhausted:
		return poll.ExhaustedError(subject, r.opts.Policy, res)
	}

	log.InfoContext(ctx, "partition registered", "table", table, "execution_id", id, "checks", res.Checks)
	return nil
}

// splitList splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
