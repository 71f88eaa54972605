// Package scraper 调用外部供应商抓取服务并规范化其结果。
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"partsync/internal/model"
	"partsync/internal/pkg/metrics"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20
	maxErrorSnippet = 256
)

// Result 是一次抓取的规范化结果。
//
// FoundAtSupplier=false 表示调用成功但供应商没有该商品，此时 Price 为零。
type Result struct {
	Supplier        model.Supplier  `json:"supplier"`
	StockCode       string          `json:"stockCode"`
	Price           decimal.Decimal `json:"price"`
	Stock           int             `json:"stock"`
	IsAvailable     bool            `json:"isAvailable"`
	FoundAtSupplier bool            `json:"foundAtSupplier"`
	Source          string          `json:"source,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Limiter 在每次外部调用前获取令牌。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Option 配置 Client。
type Option func(*Client)

// WithTimeout 设置单次调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLimiter 为指定供应商设置限流器（例如 Redis 令牌桶）。
func WithLimiter(supplier model.Supplier, l Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiters[supplier] = l
		}
	}
}

// WithLocalRate 为未设置限流器的供应商启用进程内限流。
func WithLocalRate(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 && burst > 0 {
			c.localRate = rate.Limit(r)
			c.localBurst = burst
		}
	}
}

// Client 是抓取服务客户端，可被多个同步任务并发使用。
type Client struct {
	httpClient *http.Client
	endpoints  map[model.Supplier]string
	limiters   map[model.Supplier]Limiter
	localRate  rate.Limit
	localBurst int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient 创建抓取服务客户端。
//
// 参数:
//
//	endpoints: 供应商到抓取服务基础地址的映射（如 "http://localhost:5001"）
//	logger: 日志记录器
//	opts: 可选配置
//
// 返回值:
//
//	*Client: 客户端实例
func NewClient(endpoints map[model.Supplier]string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		httpClient: &http.Client{},
		endpoints:  make(map[model.Supplier]string, len(endpoints)),
		limiters:   make(map[model.Supplier]Limiter),
		timeout:    defaultTimeout,
		logger:     logger,
	}
	for s, base := range endpoints {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base != "" {
			c.endpoints[s] = base
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.localRate > 0 {
		for s := range c.endpoints {
			if _, ok := c.limiters[s]; !ok {
				c.limiters[s] = localLimiter{rate.NewLimiter(c.localRate, c.localBurst)}
			}
		}
	}
	return c
}

// Suppliers 返回已配置抓取地址的供应商，按已知顺序排列。
func (c *Client) Suppliers() []model.Supplier {
	out := make([]model.Supplier, 0, len(c.endpoints))
	for _, s := range model.KnownSuppliers() {
		if _, ok := c.endpoints[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Scrape 向供应商抓取服务查询一个库存编码。
//
// 参数:
//
//	ctx: 上下文（取消会中断调用）
//	stockCode: 库存编码，不能为空
//	supplier: 供应商，必须已知且已配置
//
// 返回值:
//
//	Result: 规范化结果
//	error: *Error 类型的失败
func (c *Client) Scrape(ctx context.Context, stockCode string, supplier model.Supplier) (Result, error) {
	stockCode = strings.TrimSpace(stockCode)
	fail := func(kind Kind, msg string, err error) (Result, error) {
		metrics.ScraperErrorsTotal.WithLabelValues(supplier.Code(), string(kind)).Inc()
		return Result{}, &Error{Kind: kind, Supplier: string(supplier), StockCode: stockCode, Message: msg, Err: err}
	}

	if stockCode == "" {
		return fail(KindValidation, "", ErrEmptyStockCode)
	}
	base, ok := c.endpoints[supplier]
	if !supplier.Known() || !ok {
		return fail(KindValidation, "", ErrUnknownSupplier)
	}

	if l, ok := c.limiters[supplier]; ok {
		if err := l.Acquire(ctx); err != nil {
			return fail(KindTimeout, "rate limit wait aborted", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"stockCode": stockCode,
		"supplier":  supplier.Code(),
	})
	if err != nil {
		return fail(KindValidation, "", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return fail(KindNetwork, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ScraperRequestDuration.WithLabelValues(supplier.Code()).Observe(time.Since(start).Seconds())
	if err != nil {
		if isTimeout(err) {
			return fail(KindTimeout, fmt.Sprintf("no response within %s", c.timeout), err)
		}
		return fail(KindNetwork, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if isTimeout(err) {
			return fail(KindTimeout, "reading response body", err)
		}
		return fail(KindNetwork, "reading response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ScraperErrorsTotal.WithLabelValues(supplier.Code(), string(KindHTTPStatus)).Inc()
		return Result{}, &Error{
			Kind:      KindHTTPStatus,
			Supplier:  string(supplier),
			StockCode: stockCode,
			Status:    resp.StatusCode,
			Message:   snippet(body),
		}
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return fail(KindMalformed, "invalid JSON: "+snippet(trimmed), nil)
		}
		return fail(KindNonJSON, "response is not JSON: "+snippet(trimmed), nil)
	}

	var wire wireResponse
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return fail(KindMalformed, "", err)
	}

	if !wire.Success {
		msg := wire.Error
		if msg == "" {
			msg = wire.Message
		}
		if msg == "" {
			msg = "scraper reported failure"
		}
		return fail(KindSupplier, msg, nil)
	}

	res, err := normalize(wire, supplier, stockCode)
	if err != nil {
		return fail(KindMalformed, err.Error(), nil)
	}

	c.logger.Debug("scrape completed",
		slog.String("supplier", string(supplier)),
		slog.String("stock_code", stockCode),
		slog.Bool("found", res.FoundAtSupplier),
		slog.String("price", res.Price.String()),
		slog.Int("stock", res.Stock))
	return res, nil
}

func normalize(wire wireResponse, supplier model.Supplier, stockCode string) (Result, error) {
	found := wire.Price.Set
	if wire.FoundAtSupplier != nil {
		found = *wire.FoundAtSupplier
	}

	res := Result{
		Supplier:        supplier,
		StockCode:       stockCode,
		FoundAtSupplier: found,
		Source:          wire.Source,
		Timestamp:       time.Now(),
	}
	if !found {
		return res, nil
	}

	if !wire.Price.Set || !wire.Price.Value.IsPositive() {
		return Result{}, fmt.Errorf("price must be positive, got %q", wire.Price.Value.String())
	}
	if wire.Stock.Value < 0 {
		return Result{}, fmt.Errorf("stock must be non-negative, got %d", wire.Stock.Value)
	}
	res.Price = wire.Price.Value
	res.Stock = wire.Stock.Value
	res.IsAvailable = res.Stock > 0
	if wire.IsAvailable != nil {
		res.IsAvailable = *wire.IsAvailable
	}
	return res, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}

type localLimiter struct {
	l *rate.Limiter
}

func (l localLimiter) Acquire(ctx context.Context) error {
	return l.l.Wait(ctx)
}
