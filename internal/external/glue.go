package external

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"

	"c2cpipeline/internal/poll"
	"c2cpipeline/internal/types"
)

// GlueStates classifies job run states. STOPPING counts as a failure: a run
// only stops when something asked it to.
var GlueStates = poll.Classifier{
	Pending: []string{
		string(gluetypes.JobRunStateStarting),
		string(gluetypes.JobRunStateRunning),
		string(gluetypes.JobRunStateWaiting),
	},
	Succeeded: []string{string(gluetypes.JobRunStateSucceeded)},
	Failed: []string{
		string(gluetypes.JobRunStateFailed),
		string(gluetypes.JobRunStateStopping),
		string(gluetypes.JobRunStateStopped),
		string(gluetypes.JobRunStateTimeout),
		string(gluetypes.JobRunStateError),
		string(gluetypes.JobRunStateExpired),
	},
}

// GlueAPI is the subset of the Glue client the runner uses.
type GlueAPI interface {
	StartJobRun(ctx context.Context, params *glue.StartJobRunInput, optFns ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, params *glue.GetJobRunInput, optFns ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
}

// GlueRunner starts transform job runs and reads their state.
type GlueRunner struct {
	client GlueAPI
	logger *slog.Logger
}

// NewGlueRunner creates a new GlueRunner.
func NewGlueRunner(client GlueAPI, logger *slog.Logger) *GlueRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &GlueRunner{client: client, logger: logger}
}

// Start launches jobName with args and returns the run id.
func (g *GlueRunner) Start(ctx context.Context, jobName string, args map[string]string) (string, error) {
	resp, err := g.client.StartJobRun(ctx, &glue.StartJobRunInput{
		JobName:   aws.String(jobName),
		Arguments: args,
	})
	if err != nil {
		return "", mapGlueError("failed to start job run", jobName, err)
	}
	runID := aws.ToString(resp.JobRunId)
	if runID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamJob, "job service returned no run id", nil)
	}

	g.logger.InfoContext(ctx, "job run started", "job_name", jobName, "run_id", runID)
	return runID, nil
}

// GetStatus reads the run state once.
func (g *GlueRunner) GetStatus(ctx context.Context, jobName, runID string) (poll.Status, error) {
	resp, err := g.client.GetJobRun(ctx, &glue.GetJobRunInput{
		JobName: aws.String(jobName),
		RunId:   aws.String(runID),
	})
	if err != nil {
		return poll.Status{}, mapGlueError("failed to read job run", jobName, err)
	}
	if resp.JobRun == nil {
		return poll.Status{}, nil
	}
	return poll.Status{
		State:  string(resp.JobRun.JobRunState),
		Reason: aws.ToString(resp.JobRun.ErrorMessage),
	}, nil
}

func mapGlueError(msg, jobName string, err error) error {
	details := map[string]any{"job_name": jobName}

	var notFound *gluetypes.EntityNotFoundException
	if errors.As(err, &notFound) {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigMissing, msg, err, details)
	}
	var invalid *gluetypes.InvalidInputException
	if errors.As(err, &invalid) {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid, msg, err, details)
	}
	var concurrent *gluetypes.ConcurrentRunsExceededException
	if errors.As(err, &concurrent) {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited, msg, err, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamJob, msg, err, details)
}
