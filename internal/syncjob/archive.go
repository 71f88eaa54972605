package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const archiveKeyPrefix = "partsync:sync:job:"

// RedisArchive 将终态任务快照保存到 Redis，带过期时间。
type RedisArchive struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisArchive 创建 Redis 归档。
func NewRedisArchive(rdb *redis.Client, ttl time.Duration) *RedisArchive {
	if ttl <= 0 {
		ttl = defaultRetention
	}
	return &RedisArchive{rdb: rdb, ttl: ttl}
}

// Save 保存快照。非终态快照会被拒绝。
func (a *RedisArchive) Save(ctx context.Context, snap Snapshot) error {
	if a == nil || a.rdb == nil {
		return nil
	}
	if !snap.Status.Terminal() {
		return fmt.Errorf("archive sync job %s: status %s is not terminal", snap.SyncID, snap.Status)
	}
	snap.EstimatedTimeRemaining = nil
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := a.rdb.Set(ctx, archiveKeyPrefix+snap.SyncID, data, a.ttl).Err(); err != nil {
		return fmt.Errorf("archive set: %w", err)
	}
	return nil
}

// Load 读取快照，不存在时返回 ErrJobNotFound。
func (a *RedisArchive) Load(ctx context.Context, id string) (Snapshot, error) {
	if a == nil || a.rdb == nil {
		return Snapshot{}, ErrJobNotFound
	}
	data, err := a.rdb.Get(ctx, archiveKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrJobNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("archive get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Errors == nil {
		snap.Errors = []string{}
	}
	return snap, nil
}
