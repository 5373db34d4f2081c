package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/support-desk/internal/queue"
	"github.com/nimasrn/support-desk/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu    sync.Mutex
	seen  []string
	fails int32
}

func (p *recordingProcessor) GetType() string { return "recording" }

func (p *recordingProcessor) Process(ctx context.Context, msg *queue.Message) error {
	if atomic.AddInt32(&p.fails, -1) >= 0 {
		return errors.New("transient")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, string(msg.Data))
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func testOptions() Options {
	return Options{
		Queue: queue.QueueConfig{
			Name:              "retry-test",
			ConsumerGroup:     "redelivery",
			ConsumerName:      "processor",
			MaxRetries:        5,
			VisibilityTimeout: 100 * time.Millisecond,
			PollInterval:      10 * time.Millisecond,
			BatchSize:         10,
			EnableDLQ:         true,
		},
		Consumers:      2,
		Workers:        2,
		Buffer:         4,
		ReportInterval: time.Hour,
		HealthInterval: time.Hour,
	}
}

func TestProcessorService_ProcessesStream(t *testing.T) {
	_, adapter := helpers.SetupTestRedis(t)
	ctx := context.Background()

	p := &recordingProcessor{}
	svc := NewProcessorService(adapter, p, testOptions())
	require.NoError(t, svc.Start(ctx))

	producer, err := queue.NewQueue(ctx, adapter, testOptions().Queue)
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c"} {
		_, err := producer.Publish(ctx, []byte(body), nil)
		require.NoError(t, err)
	}

	helpers.AssertEventually(t, 3*time.Second, func() bool { return p.count() == 3 }, "all entries processed")
	require.NoError(t, svc.HealthCheck(ctx))

	svc.Stop()
	stats := svc.Metrics().Snapshot()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestProcessorService_RetriesFailedEntry(t *testing.T) {
	_, adapter := helpers.SetupTestRedis(t)
	ctx := context.Background()

	p := &recordingProcessor{fails: 1}
	svc := NewProcessorService(adapter, p, testOptions())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	producer, err := queue.NewQueue(ctx, adapter, testOptions().Queue)
	require.NoError(t, err)
	_, err = producer.Publish(ctx, []byte("reply-1"), nil)
	require.NoError(t, err)

	helpers.AssertEventually(t, 3*time.Second, func() bool { return p.count() == 1 }, "entry reclaimed after failure")
	assert.Equal(t, int64(1), svc.Metrics().Snapshot().Failed)
}

func TestProcessorService_HealthCheckFailsWithoutRedis(t *testing.T) {
	mr, adapter := helpers.SetupTestRedis(t)
	svc := NewProcessorService(adapter, &recordingProcessor{}, testOptions())

	mr.Close()
	assert.Error(t, svc.HealthCheck(context.Background()))
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics()
	m.RecordSuccess(10 * time.Millisecond)
	m.RecordSuccess(30 * time.Millisecond)
	m.RecordFailure()

	stats := m.Snapshot()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, 20*time.Millisecond, stats.AvgDuration)
	assert.Greater(t, stats.Uptime, time.Duration(0))

	m.Reset()
	assert.Equal(t, int64(0), m.Snapshot().Processed)
}
