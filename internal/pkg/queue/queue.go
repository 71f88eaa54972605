// Package queue 提供固定大小的 worker 池，用于执行同步任务循环。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task 是一个带名称的异步任务，名称用于日志与错误回调（通常为 sync ID）。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 在任务返回错误或 panic 时被调用。
type ErrorHandler func(name string, err error)

// PanicError 包装任务执行中恢复的 panic。
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v", e.Value)
}

// Queue 是有界任务队列加固定 worker 池。
//
// 队列满时 Enqueue 立即返回 false，由调用方决定如何拒绝。
type Queue struct {
	logger       *slog.Logger
	workers      int
	tasks        chan Task
	errorHandler ErrorHandler

	wg      sync.WaitGroup
	closed  atomic.Bool
	running atomic.Int64

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 是队列计数器的快照。
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"` // 队列满被拒绝
	Panics    int64 `json:"panics"`
	Running   int64 `json:"running"` // 正在执行的任务数
	Pending   int   `json:"pending"` // 排队等待的任务数
}

// NewQueue 创建任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1），即可同时执行的任务数
//   - capacity: 排队容量（至少为 1）
//
// 返回值:
//   - *Queue: 队列实例（需调用 Start）
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, capacity),
	}
}

// SetErrorHandler 设置错误回调，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case task, ok := <-q.tasks:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if task.Run != nil {
				q.execute(ctx, task, id)
			}
		}
	}
}

// execute 执行单个任务，panic 会被恢复并作为 *PanicError 交给错误回调。
func (q *Queue) execute(ctx context.Context, task Task, workerID int) {
	q.running.Add(1)
	defer q.running.Add(-1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				q.stats.panics.Add(1)
				pe := &PanicError{Value: r, Stack: string(debug.Stack())}
				q.logger.Error("task panic recovered",
					slog.Int("worker_id", workerID),
					slog.String("task", task.Name),
					slog.Any("panic", r),
					slog.String("stack", pe.Stack))
				err = pe
			}
		}()
		return task.Run(ctx)
	}()
	q.stats.processed.Add(1)

	if err == nil {
		q.stats.succeeded.Add(1)
		return
	}
	q.stats.failed.Add(1)
	q.logger.Warn("task failed",
		slog.Int("worker_id", workerID),
		slog.String("task", task.Name),
		slog.String("error", err.Error()))
	if q.errorHandler != nil {
		q.errorHandler(task.Name, err)
	}
}

// Enqueue 非阻塞入队，队列已满或已关闭时返回 false。
func (q *Queue) Enqueue(task Task) bool {
	if task.Run == nil {
		return false
	}

	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject task", slog.String("task", task.Name))
		return false
	}

	select {
	case q.tasks <- task:
		q.stats.enqueued.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, reject task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(q.tasks)),
			slog.Int("pending", len(q.tasks)))
		return false
	}
}

// Shutdown 拒绝新任务并等待 worker 处理完已入队的任务。
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.tasks)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout 与 Shutdown 相同，但最多等待 timeout。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.tasks)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-timer.C:
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回计数器快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		Running:   q.running.Load(),
		Pending:   len(q.tasks),
	}
}

// Len 返回排队等待的任务数。
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Cap 返回排队容量。
func (q *Queue) Cap() int {
	return cap(q.tasks)
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int {
	return q.workers
}

// IsClosed 返回队列是否已关闭。
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

func (q *Queue) String() string {
	s := q.Stats()
	return fmt.Sprintf("Queue[workers=%d, capacity=%d, pending=%d, running=%d, closed=%v, enqueued=%d, succeeded=%d, failed=%d, dropped=%d, panics=%d]",
		q.workers, q.Cap(), s.Pending, s.Running, q.IsClosed(),
		s.Enqueued, s.Succeeded, s.Failed, s.Dropped, s.Panics)
}
