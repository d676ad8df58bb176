package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/yairfalse/dormant/types"
)

// SQSAPI is the subset of the SQS client the emitter uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSEmitter publishes each decision as a JSON message on an SQS queue.
// FIFO queues are ordered per group.
type SQSEmitter struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSEmitter creates an emitter using the default AWS credential chain.
func NewSQSEmitter(ctx context.Context, queueURL, region string) (*SQSEmitter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSEmitterWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewSQSEmitterWithClient creates an emitter on an existing client.
func NewSQSEmitterWithClient(client SQSAPI, queueURL string) *SQSEmitter {
	return &SQSEmitter{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Emit sends the decision.
func (e *SQSEmitter) Emit(ctx context.Context, d types.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"action":   stringAttr(d.Action),
			"group":    stringAttr(d.Group),
			"provider": stringAttr(string(d.Provider)),
			"status":   stringAttr(d.Status),
		},
	}
	if e.fifo {
		input.MessageGroupId = aws.String(d.Group)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

// Close is a no-op for the SQS emitter.
func (e *SQSEmitter) Close() error {
	return nil
}

func stringAttr(v string) sqstypes.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
