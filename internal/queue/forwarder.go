// Package queue forwards stage outputs to the next stage over SQS, as an
// alternative to Lambda destinations.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"c2cpipeline/internal/types"
)

// SQSSender abstracts SendMessage for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// StageForwarder sends a stage's response envelope to one queue. The next
// stage decodes the record bodies with types.DecodeStagePayload.
type StageForwarder struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewStageForwarder creates a forwarder sending to queueURL.
func NewStageForwarder(client SQSSender, queueURL string, logger *slog.Logger) *StageForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageForwarder{client: client, queueURL: queueURL, logger: logger}
}

// Forward sends body from stage for fileType. FIFO queues get the file type
// as message group, which keeps one file type's slots in order.
func (f *StageForwarder) Forward(ctx context.Context, stage, fileType string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %s output: %w", stage, err)
	}

	attrs := map[string]sqstypes.MessageAttributeValue{
		"stage":     {DataType: aws.String("String"), StringValue: aws.String(stage)},
		"file_type": {DataType: aws.String("String"), StringValue: aws.String(fileType)},
	}
	if id := types.GetInvocationID(ctx); id != "" {
		attrs["invocation_id"] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(id)}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(f.queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: attrs,
	}
	if strings.HasSuffix(f.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(fileType)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	resp, err := f.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable, "failed to forward stage output", err,
			map[string]any{"stage": stage, "file_type": fileType})
	}

	f.logger.InfoContext(ctx, "stage output forwarded",
		"stage", stage,
		"file_type", fileType,
		"message_id", aws.ToString(resp.MessageId),
	)
	return nil
}
