package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/support-desk/internal/config"
	"github.com/nimasrn/support-desk/internal/queue"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/prom"
	"github.com/nimasrn/support-desk/pkg/redis"
	"github.com/nimasrn/support-desk/pkg/worker"
)

const (
	ProcessingTimeout = time.Second * 10
	HealthInterval    = time.Second * 30
	ShutdownTimeout   = time.Minute

	highLagThreshold = 10000
)

// Processor handles one kind of stream entry. A nil error acknowledges it.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type Options struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	Buffer            int
	ProcessingTimeout time.Duration
	ReportInterval    time.Duration
	HealthInterval    time.Duration
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Queue: queue.QueueConfig{
			Name:              c.QueueName,
			ConsumerGroup:     c.QueueConsumerGroup,
			ConsumerName:      c.QueueConsumerName,
			MaxRetries:        c.QueueMaxRetries,
			VisibilityTimeout: c.QueueVisibilityTimeout,
			PollInterval:      c.QueuePollInterval,
			BatchSize:         c.QueueBatchSize,
			MaxLen:            c.QueueMaxLen,
			EnableDLQ:         c.QueueEnableDLQ,
		},
		Consumers:         c.QueueConsumers,
		Workers:           c.QueueWorkers,
		Buffer:            c.QueueWorkers * 4,
		ProcessingTimeout: ProcessingTimeout,
		ReportInterval:    30 * time.Second,
		HealthInterval:    HealthInterval,
	}
}

// ProcessorService reads the retry stream with several consumers of the same
// group and runs the entries on a shared worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	opts      Options
	processor Processor
	queues    []*queue.Queue
	metrics   *ServiceMetrics
	worker    *worker.WorkerManager
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func NewProcessorService(adapter redis.RedisAdapter, processor Processor, opts Options) *ProcessorService {
	if opts.Consumers <= 0 {
		opts.Consumers = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = ProcessingTimeout
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = HealthInterval
	}

	s := &ProcessorService{
		adapter:   adapter,
		opts:      opts,
		processor: processor,
		metrics:   NewServiceMetrics(),
	}
	s.worker = worker.NewWorkerManager(opts.Buffer, opts.Workers, s.workerHandler)
	logger.Info("registered processor", "type", processor.GetType())
	return s
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

func (s *ProcessorService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.worker.Start(ctx)

	for i := 0; i < s.opts.Consumers; i++ {
		qc := s.opts.Queue
		qc.ConsumerName = fmt.Sprintf("%s-instance-%d", qc.ConsumerName, i)

		q, err := queue.NewQueue(ctx, s.adapter, qc)
		if err != nil {
			s.cancel()
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		if err := q.Consume(ctx, s.messageHandler); err != nil {
			s.cancel()
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.every(ctx, s.opts.ReportInterval, s.reportMetrics)
	go s.every(ctx, s.opts.HealthInterval, s.performHealthCheck)

	logger.Info("processor service started",
		"stream", s.opts.Queue.Name,
		"consumers", len(s.queues),
		"workers", s.worker.Size())
	return nil
}

func (s *ProcessorService) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics(ctx context.Context) {
	stats := s.metrics.Snapshot()
	logger.Info("processor metrics",
		"total_processed", stats.Processed,
		"total_failed", stats.Failed,
		"rate_per_second", stats.RatePerSecond,
		"avg_duration_ms", stats.AvgDuration.Milliseconds(),
		"uptime_seconds", int64(stats.Uptime.Seconds()))

	if len(s.queues) == 0 {
		return
	}
	// every consumer shares the group, one read is enough
	if qStats, err := s.queues[0].GetStats(ctx); err == nil {
		prom.SetRetryQueuePending(s.queues[0].Name(), qStats.PendingMessages)
		logger.Info("queue stats",
			"stream", s.queues[0].Name(),
			"total", qStats.TotalMessages,
			"pending", qStats.PendingMessages,
			"consumers", qStats.ConsumerCount)
	}
}

// HealthCheck pings redis and reads the stream lag.
func (s *ProcessorService) HealthCheck(ctx context.Context) error {
	if err := s.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if len(s.queues) == 0 {
		return nil
	}
	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if stats.PendingMessages > highLagThreshold {
		logger.Warn("retry stream has high lag", "stream", s.queues[0].Name(), "pending", stats.PendingMessages)
	}
	return nil
}

func (s *ProcessorService) performHealthCheck(ctx context.Context) {
	if err := s.HealthCheck(ctx); err != nil {
		logger.Error("health check failed", "error", err)
		return
	}
	logger.Debug("health check ok")
}

// Stop stops the consumers first so nothing new reaches the pool, then waits
// for the workers.
func (s *ProcessorService) Stop() {
	logger.Info("shutting down processor service")

	var qwg sync.WaitGroup
	for i, q := range s.queues {
		qwg.Add(1)
		go func(index int, q *queue.Queue) {
			defer qwg.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("error stopping queue consumer", "instance", index, "error", err)
			}
		}(i, q)
	}
	qwg.Wait()

	if s.cancel != nil {
		s.cancel()
	}
	s.worker.Wait()
	s.wg.Wait()

	s.reportMetrics(context.Background())
	logger.Info("processor service stopped")
}

type job struct {
	ctx    context.Context
	msg    *queue.Message
	result chan error
}

// messageHandler hands the entry to the pool and waits for its outcome so
// the queue can ack or leave it pending.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.opts.ProcessingTimeout)
	defer cancel()

	j := &job{ctx: jobCtx, msg: msg, result: make(chan error, 1)}
	if err := s.worker.Enqueue(jobCtx, j); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}

	select {
	case err := <-j.result:
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process %s: %w", msg.ID, jobCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(_ context.Context, workerIndex int, payload any) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}
	if j.ctx.Err() != nil {
		logger.Warn("job expired before processing started", "worker", workerIndex, "stream_id", j.msg.ID)
		return
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
		logger.Error("failed to process message",
			"worker", workerIndex,
			"stream_id", j.msg.ID,
			"attempts", j.msg.Attempts,
			"error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// buffered, never blocks
	j.result <- err
}
