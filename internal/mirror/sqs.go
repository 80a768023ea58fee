package mirror

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mew-protocol/gateway/pkg/types"
)

// sqsPublisher is the subset of the SQS API the sink needs, narrowed for
// testability.
type sqsPublisher interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink publishes mirrored envelopes to a single SQS queue, tagging
// each message with the gateway topic as a message attribute.
type SQSSink struct {
	client   sqsPublisher
	queueURL string
}

// NewSQSSink loads the default AWS config for region (picking up IRSA
// credentials the same way the rest of the stack does) and targets
// queueURL.
func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("mirror: load AWS config: %w", err)
	}
	return &SQSSink{client: sqs.NewFromConfig(awsCfg), queueURL: queueURL}, nil
}

// Mirror sends env's wire encoding as the SQS message body.
func (s *SQSSink) Mirror(ctx context.Context, topic string, env *types.Envelope) error {
	body, err := encode(topic, env)
	if err != nil {
		return fmt.Errorf("mirror: encode: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"topic": {DataType: aws.String("String"), StringValue: aws.String(topic)},
		},
	})
	if err != nil {
		return fmt.Errorf("mirror: send message: %w", err)
	}
	return nil
}

// Close is a no-op: the SQS client holds no persistent connection.
func (s *SQSSink) Close() error { return nil }
