// Package ratelimit 提供基于 Redis 的分布式令牌桶，用于限制对供应商抓取服务的调用频率。
//
// 每个供应商一个桶，多个服务实例共享同一份额度。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"partsync/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	keyPrefix   = "partsync:ratelimit:"
	minRetry    = 50 * time.Millisecond
	retryJitter = 10 * time.Millisecond
)

// KEYS[1]=桶; ARGV: rate(token/s), burst, now(ms), ttl(ms)
// 返回 {是否放行, 需等待的毫秒数, 剩余令牌(x1000)}
const takeTokenLua = `
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now   = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last   = tonumber(state[2]) or now

if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000.0)
end

local granted = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)
return {granted, wait, math.floor(tokens * 1000)}
`

var takeToken = redis.NewScript(takeTokenLua)

// Reservation 是一次取令牌的结果。
type Reservation struct {
	Allowed   bool
	Wait      time.Duration // 未放行时建议的等待时间
	Remaining float64       // 取令牌后桶内剩余
}

// RateLimiter 是一个命名的 Redis 令牌桶。rate 或 burst 不大于 0 时不限流。
type RateLimiter struct {
	rdb    *redis.Client
	name   string
	key    string
	rate   float64
	burst  float64
	ttl    time.Duration
	logger *slog.Logger
}

// KeyFor 返回某个限流对象（如供应商代码）在 Redis 中的 key。
func KeyFor(name string) string {
	return keyPrefix + normalizeName(name)
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "default"
	}
	return name
}

// NewRedisRateLimiter 创建令牌桶限流器。
//
// 参数:
//
//	rdb: Redis 客户端
//	logger: 日志记录器（可为 nil）
//	name: 限流对象名称，决定 Redis key 与指标标签
//	rate: 每秒补充的令牌数
//	burst: 桶容量
//
// 返回值:
//
//	*RateLimiter: 限流器
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, name string, rate float64, burst float64) *RateLimiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &RateLimiter{
		rdb:    rdb,
		name:   normalizeName(name),
		rate:   rate,
		burst:  burst,
		logger: logger,
	}
	l.key = keyPrefix + l.name
	if l.enabled() {
		// 桶从空到满所需时间的两倍，之后闲置的桶自动过期
		l.ttl = time.Duration(math.Ceil(burst/rate*2000)) * time.Millisecond
	}
	return l
}

func (r *RateLimiter) enabled() bool {
	return r != nil && r.rate > 0 && r.burst > 0
}

// Reserve 尝试取一个令牌，不阻塞。
func (r *RateLimiter) Reserve(ctx context.Context) (Reservation, error) {
	if !r.enabled() {
		return Reservation{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	res, err := takeToken.Run(ctx, r.rdb, []string{r.key},
		r.rate, r.burst, time.Now().UnixMilli(), r.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("ratelimit %s: %w", r.name, err)
	}
	if len(res) < 3 {
		return Reservation{}, fmt.Errorf("ratelimit %s: unexpected reply %v", r.name, res)
	}
	return Reservation{
		Allowed:   res[0] == 1,
		Wait:      time.Duration(res[1]) * time.Millisecond,
		Remaining: float64(res[2]) / 1000,
	}, nil
}

// Acquire 阻塞直到拿到一个令牌或 ctx 结束。
//
// Redis 不可用时放行请求并记录告警。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if !r.enabled() {
		return nil
	}

	start := time.Now()
	for {
		res, err := r.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.timedOut(start)
			}
			metrics.RateLimitBypassTotal.WithLabelValues(r.name).Inc()
			r.logger.Warn("rate limiter unavailable, request allowed",
				slog.String("limiter", r.name),
				slog.String("error", err.Error()))
			return nil
		}
		if res.Allowed {
			metrics.RateLimitWaitDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
			return nil
		}

		wait := res.Wait
		if wait < minRetry {
			wait = minRetry
		}
		wait += time.Duration(rand.Int63n(int64(retryJitter)))
		if !sleep(ctx, wait) {
			return r.timedOut(start)
		}
	}
}

func (r *RateLimiter) timedOut(start time.Time) error {
	metrics.RateLimitWaitDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	metrics.RateLimitTimeoutTotal.WithLabelValues(r.name).Inc()
	return ErrRateLimitTimeout
}

// String 返回限流器的描述，便于日志输出。
func (r *RateLimiter) String() string {
	if !r.enabled() {
		return "ratelimit(disabled)"
	}
	return "ratelimit(" + r.name + ", rate=" + strconv.FormatFloat(r.rate, 'f', -1, 64) +
		", burst=" + strconv.FormatFloat(r.burst, 'f', -1, 64) + ")"
}

// sleep 等待 d，ctx 先结束时返回 false。
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
