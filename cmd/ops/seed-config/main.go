// Package main implements the seed-config CLI tool, which writes file type
// query and export configurations into the schedule table.
//
// Usage:
//
//	go run ./cmd/ops/seed-config --env=dev --file=configs/file_types.yaml
//	go run ./cmd/ops/seed-config --env=dev --file=configs/file_types.yaml --dry-run
//	go run ./cmd/ops/seed-config --env=prod --file=configs/file_types.yaml --init-history
//
// The tool performs the following:
//  1. Reads and validates the YAML seed file, rendering every statement
//     template once so broken templates never reach the table.
//  2. With --dry-run, prints the DynamoDB items and exits.
//  3. Calls STS GetCallerIdentity to verify the active AWS identity.
//  4. If --env=prod, requires explicit interactive confirmation ("yes").
//  5. Writes each config under the sentinel sort key.
//  6. With --init-history, creates the run history table in DATABASE_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/joho/godotenv"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/config"
	"c2cpipeline/internal/db"
	"c2cpipeline/internal/types"
)

// Supported environments.
var validEnvironments = map[string]bool{
	"local":   true,
	"dev":     true,
	"staging": true,
	"prod":    true,
}

func main() {
	envFlag := flag.String("env", "", "Target environment (local/dev/staging/prod) [required]")
	fileFlag := flag.String("file", "", "Path to the YAML seed file [required]")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	endpointFlag := flag.String("endpoint", "", "AWS endpoint override, e.g. http://localhost:4566")
	tableFlag := flag.String("table", "", "Schedule table (default: $SCHEDULE_TABLE)")
	sortKeyFlag := flag.String("config-sort-key", types.ConfigSortKey, "Sort key the configs are stored under")
	dryRunFlag := flag.Bool("dry-run", false, "Print the items without writing")
	initHistoryFlag := flag.Bool("init-history", false, "Create the pipeline_runs table in DATABASE_URL")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Pipeline Config Seeder\n\n")
		fmt.Fprintf(os.Stderr, "Writes file type query/export configurations into the schedule table.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  seed-config --env=dev --file=PATH [--dry-run] [--init-history]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *envFlag == "" || *fileFlag == "" {
		fmt.Fprintf(os.Stderr, "error: --env and --file are required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: invalid environment %q (must be local, dev, staging, or prod)\n", *envFlag)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Load .env file for local development (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine outside local development)")
	}

	table := *tableFlag
	if table == "" {
		table = os.Getenv("SCHEDULE_TABLE")
	}
	if table == "" {
		fmt.Fprintf(os.Stderr, "error: --table or SCHEDULE_TABLE is required\n")
		os.Exit(1)
	}

	f, err := os.Open(*fileFlag)
	if err != nil {
		logger.Error("failed to open seed file", "error", err)
		os.Exit(1)
	}
	sf, err := LoadSeedFile(f)
	f.Close()
	if err != nil {
		logger.Error("failed to load seed file", "error", err)
		os.Exit(1)
	}
	if err := sf.Validate(); err != nil {
		logger.Error("seed file is invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := app.LoadAWS(ctx, config.AWSConfig{Region: *regionFlag, EndpointURL: *endpointFlag})
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	store := db.NewScheduleStore(dynamodb.NewFromConfig(awsCfg), table, *sortKeyFlag)
	seeder := &Seeder{Writer: store, Out: os.Stdout}

	if *dryRunFlag {
		if _, err := seeder.Apply(ctx, sf, true); err != nil {
			logger.Error("dry run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	session := &Session{Environment: *envFlag, Region: *regionFlag, Table: table}
	if err := verifyIdentity(ctx, sts.NewFromConfig(awsCfg), session, logger); err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	// Production safety gate: require explicit confirmation.
	if session.Environment == "prod" && !confirmProduction(session, os.Stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}

	printBanner(session, os.Stderr)

	written, err := seeder.Apply(ctx, sf, false)
	if err != nil {
		logger.Error("seeding failed", "error", err, "written", written)
		os.Exit(1)
	}
	logger.Info("file type configs written", "count", written, "table", table)

	if *initHistoryFlag {
		if err := initHistory(ctx, logger); err != nil {
			logger.Error("failed to initialize run history", "error", err)
			os.Exit(1)
		}
	}
}

// initHistory creates the run history table in the database named by
// DATABASE_URL (resolved from *_SSM_PARAM pointers like the Lambda functions do).
func initHistory(ctx context.Context, logger *slog.Logger) error {
	if err := config.ResolveSecrets(config.NewSecretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))); err != nil {
		return err
	}
	dbCfg := config.DatabaseConfig{URL: config.SecretString(os.Getenv("DATABASE_URL"))}
	if !dbCfg.Enabled() {
		return types.NewAppError(types.ErrCodeConfigMissing, "DATABASE_URL is required for --init-history", nil)
	}

	pool, err := db.NewPool(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.NewRunHistoryRepository(pool).EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("run history table ready")
	return nil
}
