package external

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"

	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/types"
)

// AthenaStates classifies query execution states.
var AthenaStates = poll.Classifier{
	Pending:   []string{string(athenatypes.QueryExecutionStateQueued), string(athenatypes.QueryExecutionStateRunning)},
	Succeeded: []string{string(athenatypes.QueryExecutionStateSucceeded)},
	Failed:    []string{string(athenatypes.QueryExecutionStateFailed), string(athenatypes.QueryExecutionStateCancelled)},
}

// AthenaAPI is the subset of the Athena client the executor uses.
type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	StopQueryExecution(ctx context.Context, params *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
}

// QueryRequest is one statement to run.
type QueryRequest struct {
	SQL      string
	Database string
	// Params are bound to `?` placeholders in SQL, in order.
	Params []string
	// OutputLocation and WorkGroup override the executor defaults when set.
	OutputLocation string
	WorkGroup      string
}

// AthenaExecutorConfig holds the executor defaults.
type AthenaExecutorConfig struct {
	OutputLocation string
	WorkGroup      string
	Logger         *slog.Logger
}

// AthenaExecutor submits statements to Athena and reports their status.
type AthenaExecutor struct {
	client AthenaAPI
	cfg    AthenaExecutorConfig
	logger *slog.Logger
	newID  func() string
}

// NewAthenaExecutor creates an executor. cfg.OutputLocation and
// cfg.WorkGroup apply to requests that do not set their own.
func NewAthenaExecutor(client AthenaAPI, cfg AthenaExecutorConfig) *AthenaExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AthenaExecutor{
		client: client,
		cfg:    cfg,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Submit starts req and returns the execution id. Each call carries a fresh
// client request token, so a retried SDK call cannot start a second
// execution.
func (e *AthenaExecutor) Submit(ctx context.Context, req QueryRequest) (string, error) {
	in := &athena.StartQueryExecutionInput{
		QueryString:           aws.String(req.SQL),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{Database: aws.String(req.Database)},
		ClientRequestToken:    aws.String(e.newID()),
	}
	if len(req.Params) > 0 {
		in.ExecutionParameters = req.Params
	}

	output := firstNonEmpty(req.OutputLocation, e.cfg.OutputLocation)
	if output != "" {
		in.ResultConfiguration = &athenatypes.ResultConfiguration{OutputLocation: aws.String(output)}
	}
	if wg := firstNonEmpty(req.WorkGroup, e.cfg.WorkGroup); wg != "" {
		in.WorkGroup = aws.String(wg)
	}

	resp, err := e.client.StartQueryExecution(ctx, in)
	if err != nil {
		return "", mapAthenaError("failed to start query", err)
	}
	id := aws.ToString(resp.QueryExecutionId)
	if id == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamQuery, "query service returned no execution id", nil)
	}

	e.logger.InfoContext(ctx, "query submitted",
		"execution_id", id,
		"database", req.Database,
		"parameterized", len(req.Params) > 0,
	)
	return id, nil
}

// GetStatus reads the execution state once. The reason is the state change
// reason, falling back to the Athena error message.
func (e *AthenaExecutor) GetStatus(ctx context.Context, executionID string) (poll.Status, error) {
	resp, err := e.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(executionID),
	})
	if err != nil {
		return poll.Status{}, mapAthenaError("failed to read query status", err)
	}
	if resp.QueryExecution == nil || resp.QueryExecution.Status == nil {
		return poll.Status{}, nil
	}

	st := resp.QueryExecution.Status
	reason := aws.ToString(st.StateChangeReason)
	if reason == "" && st.AthenaError != nil {
		reason = aws.ToString(st.AthenaError.ErrorMessage)
	}
	return poll.Status{State: string(st.State), Reason: reason}, nil
}

// Cancel stops the execution.
func (e *AthenaExecutor) Cancel(ctx context.Context, executionID string) error {
	if _, err := e.client.StopQueryExecution(ctx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(executionID),
	}); err != nil {
		return mapAthenaError("failed to stop query", err)
	}
	e.logger.WarnContext(ctx, "query cancelled", "execution_id", executionID)
	return nil
}

func mapAthenaError(msg string, err error) error {
	var invalid *athenatypes.InvalidRequestException
	if errors.As(err, &invalid) {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid, msg, err,
			map[string]any{"athena_error_code": aws.ToString(invalid.AthenaErrorCode)})
	}
	var throttled *athenatypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, msg, err)
	}
	return types.NewAppError(types.ErrCodeUpstreamQuery, msg, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
