// Package worker drains the reconciliation job queue with a bounded pool.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/sentinelops/policysync/internal/dispatch"
)

// SQSReceiver is the slice of the SQS client the pool consumes through.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one job. A returned error leaves the message on the
// queue for redelivery.
type Handler func(ctx context.Context, job dispatch.Job) error

// Pool long-polls the queue and fans messages out to a fixed number of
// workers. Jobs with no registered handler are acknowledged and dropped:
// they belong to downstream consumers sharing the queue.
type Pool struct {
	client     SQSReceiver
	queueURL   string
	handlers   map[string]Handler
	numWorkers int
	log        *zap.SugaredLogger
}

func NewPool(client SQSReceiver, queueURL string, numWorkers int, log *zap.SugaredLogger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		client:     client,
		queueURL:   queueURL,
		handlers:   map[string]Handler{},
		numWorkers: numWorkers,
		log:        log,
	}
}

// Handle registers the handler for one job name. Not safe to call once Run
// has started.
func (p *Pool) Handle(name string, handler Handler) {
	p.handlers[name] = handler
}

type message struct {
	job           dispatch.Job
	receiptHandle string
}

// Run consumes until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	messages := make(chan message)

	var wg sync.WaitGroup
	for i := 0; i < p.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for msg := range messages {
				p.process(ctx, workerID, msg)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			close(messages)
			wg.Wait()
			return ctx.Err()
		default:
		}

		out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(p.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				close(messages)
				wg.Wait()
				return ctx.Err()
			}
			p.log.Errorw("receiving messages", "error", err)
			continue
		}

		for _, raw := range out.Messages {
			var job dispatch.Job
			if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &job); err != nil {
				p.log.Errorw("unparseable message dropped", "error", err)
				p.ack(ctx, aws.ToString(raw.ReceiptHandle))
				continue
			}
			messages <- message{job: job, receiptHandle: aws.ToString(raw.ReceiptHandle)}
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, msg message) {
	handler, ok := p.handlers[msg.job.Name]
	if !ok {
		p.ack(ctx, msg.receiptHandle)
		return
	}
	if err := handler(ctx, msg.job); err != nil {
		p.log.Errorw("job failed", "worker", workerID, "job", msg.job.Name, "error", err)
		return
	}
	p.ack(ctx, msg.receiptHandle)
	p.log.Debugw("job done", "worker", workerID, "job", msg.job.Name)
}

func (p *Pool) ack(ctx context.Context, receiptHandle string) {
	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}); err != nil {
		p.log.Warnw("deleting message", "error", err)
	}
}
