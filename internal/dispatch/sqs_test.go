package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestEnqueue_SendsEncodedJob(t *testing.T) {
	ctx := context.Background()
	client := &fakeSQS{}
	d := NewSQSDispatcher(client, "https://sqs.test/queue")

	job := Job{Name: JobAnalyzerStatus, Args: map[string]string{"project_id": "7"}}
	require.NoError(t, d.Enqueue(ctx, job))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "https://sqs.test/queue", *client.inputs[0].QueueUrl)
	assert.Equal(t, int32(0), client.inputs[0].DelaySeconds)

	var decoded Job
	require.NoError(t, json.Unmarshal([]byte(*client.inputs[0].MessageBody), &decoded))
	assert.Equal(t, job.Name, decoded.Name)
	assert.Equal(t, job.Args, decoded.Args)
}

func TestEnqueue_DelayInSeconds(t *testing.T) {
	client := &fakeSQS{}
	d := NewSQSDispatcher(client, "q")

	job := Job{Name: JobHierarchyRetry, Delay: 10 * time.Second}
	require.NoError(t, d.Enqueue(context.Background(), job))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, int32(10), client.inputs[0].DelaySeconds)
}

func TestEnqueue_DelayClampedToSQSMaximum(t *testing.T) {
	client := &fakeSQS{}
	d := NewSQSDispatcher(client, "q")

	job := Job{Name: JobHierarchyRetry, Delay: time.Hour}
	require.NoError(t, d.Enqueue(context.Background(), job))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, int32(900), client.inputs[0].DelaySeconds)
}

func TestEnqueue_SendFailureWrapped(t *testing.T) {
	client := &fakeSQS{err: fmt.Errorf("throttled")}
	d := NewSQSDispatcher(client, "q")

	err := d.Enqueue(context.Background(), Job{Name: JobFindingsSync})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobFindingsSync)
	assert.Contains(t, err.Error(), "throttled")
}

func TestMemoryDispatcher_RecordsAndDrains(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDispatcher()

	require.NoError(t, d.Enqueue(ctx, Job{Name: JobAnalyzerStatus}))
	require.NoError(t, d.Enqueue(ctx, Job{Name: JobFindingsSync}))
	require.NoError(t, d.Enqueue(ctx, Job{Name: JobAnalyzerStatus}))

	assert.Len(t, d.Jobs(), 3)
	assert.Len(t, d.JobsNamed(JobAnalyzerStatus), 2)

	drained := d.Drain()
	assert.Len(t, drained, 3)
	assert.Empty(t, d.Jobs())
}
