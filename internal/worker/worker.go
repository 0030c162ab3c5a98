// Package worker contains the single-consumer dispatch loop and the executor
// that runs the external processing command.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Pr3zLy/face-swap-site/internal/queue"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

const restartBackoff = 5 * time.Second

// Worker polls the repository, picks the next eligible task by the
// (priority, kind, age) policy and hands it to the executor. Only one task
// is ever in flight; the loop does not advance until the executor returns.
//
// The queue is re-read and re-sorted on every iteration instead of keeping
// an in-memory priority structure, so tasks appended or re-prioritized by
// an admin between iterations are always honored.
type Worker struct {
	repo     *queue.Repo
	executor *Executor
	busy     time.Duration
	idle     time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func New(repo *queue.Repo, executor *Executor, busy, idle time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		repo:     repo,
		executor: executor,
		busy:     busy,
		idle:     idle,
		logger:   logger,
	}
}

// Start runs the dispatch loop under a supervisor goroutine. Run is not
// expected to return while the context is live (per-task failures are
// contained), but if it ever does the supervisor restarts it after a
// backoff.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			w.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dispatch loop exited unexpectedly, restarting",
				zap.Duration("backoff", restartBackoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
		}
	}()
	w.logger.Info("worker started")
}

// Stop blocks until the supervisor and loop have exited. The context passed
// to Start must be cancelled first.
func (w *Worker) Stop() {
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Run is one lifetime of the dispatch loop. It returns only when the
// context is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		next, err := w.nextTask(ctx)
		if err != nil {
			w.logger.Error("failed to load queue", zap.Error(err))
			if !w.sleep(ctx, w.idle) {
				return
			}
			continue
		}

		if next == nil {
			if !w.sleep(ctx, w.idle) {
				return
			}
			continue
		}

		if err := w.executor.Process(ctx, next); err != nil {
			// A failure to persist task state is local to that task;
			// the loop must keep going.
			w.logger.Error("executor error", zap.String("task_id", next.ID), zap.Error(err))
		}

		if !w.sleep(ctx, w.busy) {
			return
		}
	}
}

// nextTask selects the most urgent queued task, or nil when the queue has
// no queued entries.
func (w *Worker) nextTask(ctx context.Context) (*task.Task, error) {
	all, err := w.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	var queued []task.Task
	for _, t := range all {
		if t.Status == task.StatusQueued {
			queued = append(queued, t)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}

	sort.SliceStable(queued, func(i, j int) bool {
		return task.Less(&queued[i], &queued[j])
	})
	return &queued[0], nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
