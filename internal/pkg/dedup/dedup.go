// Package dedup 在短时间窗口内拦截重复的同步请求（例如用户连续点击"同步"按钮）。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "partsync:dedup:sync:"
	pendingValue = "pending"
)

type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDeduplicator 创建去重器，ttl 为去重窗口。
func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Fingerprint 由请求的各组成部分生成稳定的指纹。
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate 尝试占用指纹。窗口内已有相同请求时返回 true，
// 以及该请求绑定的同步任务 ID（尚未绑定时为空）。
func (d *Deduplicator) IsDuplicate(ctx context.Context, fingerprint string) (bool, string, error) {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return false, "", nil
	}
	key := keyPrefix + fingerprint
	ok, err := d.rdb.SetNX(ctx, key, pendingValue, d.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("dedup setnx: %w", err)
	}
	if ok {
		return false, "", nil
	}
	existing, err := d.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || existing == pendingValue {
		return true, "", nil
	}
	if err != nil {
		return true, "", fmt.Errorf("dedup get: %w", err)
	}
	return true, existing, nil
}

// Bind 将已占用的指纹关联到创建出的同步任务，不改变剩余窗口。
func (d *Deduplicator) Bind(ctx context.Context, fingerprint, syncID string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	err := d.rdb.SetArgs(ctx, keyPrefix+fingerprint, syncID, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedup bind: %w", err)
	}
	return nil
}

// Delete 释放指纹，用于任务创建失败的情况。
func (d *Deduplicator) Delete(ctx context.Context, fingerprint string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
