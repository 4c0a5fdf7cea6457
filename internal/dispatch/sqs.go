package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the slice of the SQS client the dispatcher needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDispatcher publishes jobs to an SQS queue, using DelaySeconds for
// delayed requeues (capped at the SQS maximum of 900 seconds).
type SQSDispatcher struct {
	Client   SQSAPI
	QueueURL string
}

func NewSQSDispatcher(client SQSAPI, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{Client: client, QueueURL: queueURL}
}

func (d *SQSDispatcher) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.Name, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if job.Delay > 0 {
		delay := int32(job.Delay.Seconds())
		if delay > 900 {
			delay = 900
		}
		input.DelaySeconds = delay
	}

	if _, err := d.Client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.Name, err)
	}
	return nil
}
