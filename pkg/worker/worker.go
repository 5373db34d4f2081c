package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/support-desk/pkg/logger"
)

var ErrPoolStopped = errors.New("worker pool stopped")

type Handler func(ctx context.Context, workerIndex int, job any)

// WorkerManager is a fixed size goroutine pool fed through a buffered channel.
// Workers run until the context passed to Start is cancelled.
type WorkerManager struct {
	jobs           chan any
	numberOfWorker int
	do             Handler
	wg             sync.WaitGroup
	done           chan struct{}
	once           sync.Once
}

func NewWorkerManager(bufferSize, numberOfWorkers int, do Handler) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		jobs:           make(chan any, bufferSize),
		numberOfWorker: numberOfWorkers,
		do:             do,
		done:           make(chan struct{}),
	}
}

// Start launches the workers and returns immediately.
func (w *WorkerManager) Start(ctx context.Context) {
	w.wg.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.wg.Done()
			for {
				select {
				case job := <-w.jobs:
					w.do(ctx, index, job)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
	go func() {
		<-ctx.Done()
		w.once.Do(func() { close(w.done) })
	}()
}

// Enqueue blocks until a slot is free, the caller gives up or the pool stops.
func (w *WorkerManager) Enqueue(ctx context.Context, job any) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrPoolStopped
	}
}

func (w *WorkerManager) Pending() int {
	return len(w.jobs)
}

func (w *WorkerManager) Size() int {
	return w.numberOfWorker
}

// Wait blocks until every worker has returned.
func (w *WorkerManager) Wait() {
	w.wg.Wait()
	logger.Info("worker pool stopped", "workers", w.numberOfWorker, "unprocessed", len(w.jobs))
}
