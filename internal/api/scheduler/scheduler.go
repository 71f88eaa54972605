// Package scheduler 定时触发同步任务，并周期性清理进度存储。
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"partsync/internal/syncjob"

	"github.com/redis/go-redis/v9"
)

const leaderKey = "partsync:scheduler:leader"

// Engine 是调度器依赖的同步引擎能力。
type Engine interface {
	StartSync(req syncjob.Request) (string, error)
	Get(ctx context.Context, id string) (syncjob.Snapshot, error)
}

// Sweeper 清理过期的终态任务，返回清理数量。
type Sweeper interface {
	Sweep() int
}

// Scheduler 按固定间隔对过期商品发起同步，同一时间只保留一个定时任务。
//
// 配置了 Redis 时，多个实例通过租约保证每个周期只有一个实例触发。
type Scheduler struct {
	engine          Engine
	sweeper         Sweeper
	rdb             *redis.Client
	logger          *slog.Logger
	interval        time.Duration
	janitorInterval time.Duration
	batchSize       int
	instanceID      string

	mu     sync.Mutex
	lastID string
}

// NewScheduler 创建调度器。
//
// 参数:
//
//	engine: 同步引擎
//	sweeper: 进度存储清理器（可为 nil）
//	rdb: Redis 客户端（可为 nil，此时不做跨实例互斥）
//	logger: 日志记录器
//	interval: 定时同步间隔
//	janitorInterval: 清理间隔
//	batchSize: 每次定时同步的商品数
//
// 返回值:
//
//	*Scheduler: 调度器实例
func NewScheduler(engine Engine, sweeper Sweeper, rdb *redis.Client, logger *slog.Logger, interval, janitorInterval time.Duration, batchSize int) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if janitorInterval <= 0 {
		janitorInterval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scheduler{
		engine:          engine,
		sweeper:         sweeper,
		rdb:             rdb,
		logger:          logger,
		interval:        interval,
		janitorInterval: janitorInterval,
		batchSize:       batchSize,
		instanceID:      hostID(),
	}
}

// Start 启动定时同步与清理循环，ctx 结束时退出。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.String("interval", s.interval.String()),
		slog.Int("batch_size", s.batchSize))

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.StartJanitor(ctx)
}

// RunOnce 触发一次定时同步。
//
// 返回值:
//
//	string: 新任务 ID；跳过时为空
func (s *Scheduler) RunOnce(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastID != "" {
		snap, err := s.engine.Get(ctx, s.lastID)
		if err == nil && !snap.Status.Terminal() {
			s.logger.Info("sync already running, skipping",
				slog.String("sync_id", s.lastID),
				slog.String("status", string(snap.Status)))
			return ""
		}
	}

	if !s.acquireLease(ctx) {
		s.logger.Info("scheduled sync claimed by another instance, skipping")
		return ""
	}

	id, err := s.engine.StartSync(syncjob.Request{BatchSize: s.batchSize})
	if err != nil {
		s.logger.Error("scheduled sync failed to start", slog.String("error", err.Error()))
		return ""
	}
	s.lastID = id
	s.logger.Info("scheduled sync started",
		slog.String("sync_id", id),
		slog.Int("batch_size", s.batchSize))
	return id
}

// acquireLease 在 Redis 中抢占本周期的触发权。Redis 不可用时按单实例处理。
func (s *Scheduler) acquireLease(ctx context.Context) bool {
	if s.rdb == nil {
		return true
	}
	lease := s.interval / 2
	if lease < time.Second {
		lease = time.Second
	}
	ok, err := s.rdb.SetNX(ctx, leaderKey, s.instanceID, lease).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		s.logger.Warn("scheduler lease unavailable, running locally",
			slog.String("error", err.Error()))
		return true
	}
	return ok
}

// StartJanitor 周期性清理进度存储中过期的终态任务。
func (s *Scheduler) StartJanitor(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.janitorInterval)
	s.logger.Info("janitor started")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Scheduler) sweep() {
	if n := s.sweeper.Sweep(); n > 0 {
		s.logger.Info("janitor removed finished sync jobs", slog.Int("count", n))
	}
}

func hostID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
