// Package metrics publishes stage outcomes to CloudWatch.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Outcome labels used in the Outcome dimension.
const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "succeeded"
	OutcomeRequested = "export_requested"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
)

// StageMetric is one stage invocation's result for one file type.
type StageMetric struct {
	Stage    string
	FileType string
	Outcome  string
	Duration time.Duration
	// Checks is the number of status reads the poll loops made.
	Checks int
}

// Publisher records stage metrics.
type Publisher interface {
	RecordStage(ctx context.Context, m StageMetric) error
}

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher writes StageRuns, StageDuration and StatusChecks in a
// single PutMetricData call.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
}

// NewCloudWatchPublisher creates a publisher writing to namespace.
func NewCloudWatchPublisher(client CloudWatchAPI, namespace string) *CloudWatchPublisher {
	return &CloudWatchPublisher{client: client, namespace: namespace}
}

// RecordStage publishes one stage run as a single PutMetricData call.
func (p *CloudWatchPublisher) RecordStage(ctx context.Context, m StageMetric) error {
	dims := []cwtypes.Dimension{
		{Name: aws.String("Stage"), Value: aws.String(m.Stage)},
		{Name: aws.String("FileType"), Value: aws.String(m.FileType)},
	}
	withOutcome := append(append([]cwtypes.Dimension(nil), dims...),
		cwtypes.Dimension{Name: aws.String("Outcome"), Value: aws.String(m.Outcome)})

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("StageRuns"),
				Dimensions: withOutcome,
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("StageDuration"),
				Dimensions: dims,
				Value:      aws.Float64(float64(m.Duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
			{
				MetricName: aws.String("StatusChecks"),
				Dimensions: dims,
				Value:      aws.Float64(float64(m.Checks)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("metrics: put %s/%s: %w", m.Stage, m.FileType, err)
	}
	return nil
}

// Nop discards metrics. Used when METRICS_ENABLED is false and in tests.
type Nop struct{}

// RecordStage discards m.
func (Nop) RecordStage(context.Context, StageMetric) error { return nil }
