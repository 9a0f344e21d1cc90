// Package executor runs detached background tasks, such as record detection
// and history backfill after a live poll commits. Task failures go to the
// log and to metrics, never back to the submitter.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Executor is a bounded pool of workers with a bounded queue. Submit never
// blocks; tasks submitted while the queue is full are dropped and logged.
type Executor struct {
	ctx  context.Context
	pool pond.Pool
}

// New creates an executor. ctx is handed to every task and stops the pool
// when cancelled.
func New(ctx context.Context, workers, queueSize int) *Executor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	pool := pond.NewPool(
		workers,
		pond.WithQueueSize(queueSize),
		pond.WithNonBlocking(true),
		pond.WithContext(ctx),
	)

	logger.Info("executor pool created",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))

	return &Executor{ctx: ctx, pool: pool}
}

// Submit schedules fn under name and returns immediately.
func (e *Executor) Submit(name string, fn Task) {
	task := e.pool.SubmitErr(func() error {
		start := time.Now()
		err := fn(e.ctx)
		metrics.ObserveJob(name, start, err)
		if err != nil {
			logger.ErrorCtx(e.ctx, err,
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)))
			return err
		}
		logger.Debug("background task done",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	})

	select {
	case <-task.Done():
		if err := task.Wait(); errors.Is(err, pond.ErrQueueFull) || errors.Is(err, pond.ErrPoolStopped) {
			logger.Warn("background task rejected", zap.String("task", name), zap.Error(err))
		}
	default:
	}
}

// Stop waits for queued and running tasks to finish and rejects new ones.
func (e *Executor) Stop() {
	logger.Info("stopping executor",
		zap.Uint64("submitted", e.pool.SubmittedTasks()),
		zap.Uint64("waiting", e.pool.WaitingTasks()))

	e.pool.StopAndWait()

	logger.Info("executor stopped",
		zap.Uint64("completed", e.pool.CompletedTasks()),
		zap.Uint64("failed", e.pool.FailedTasks()))
}
