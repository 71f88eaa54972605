// Package catalog 封装店铺目录（WooCommerce REST v3）的商品更新接口。
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"partsync/internal/model"
	"partsync/internal/pkg/metrics"

	"github.com/shopspring/decimal"
)

// ErrDisabled 表示目录推送未配置。
var ErrDisabled = errors.New("catalog client disabled")

// ProductUpdate 是推送到店铺的价格与库存。
type ProductUpdate struct {
	Price         decimal.Decimal
	StockQuantity int
	StockStatus   model.StockStatus
}

type updatePayload struct {
	RegularPrice  string `json:"regular_price"`
	Price         string `json:"price"`
	StockQuantity int    `json:"stock_quantity"`
	ManageStock   bool   `json:"manage_stock"`
	StockStatus   string `json:"stock_status"`
}

// Client 是店铺目录客户端。
type Client struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient 创建店铺目录客户端。
//
// baseURL 为空时返回的客户端处于禁用状态，UpdateProduct 返回 ErrDisabled。
func NewClient(baseURL, consumerKey, consumerSecret string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:        consumerKey,
		secret:     consumerSecret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled 返回是否配置了店铺地址。
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// UpdateProduct 更新店铺中的商品价格与库存。
func (c *Client) UpdateProduct(ctx context.Context, wooID int64, upd ProductUpdate) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if wooID <= 0 {
		return fmt.Errorf("invalid catalog product id %d", wooID)
	}

	status := upd.StockStatus
	if status == "" {
		status = model.StockStatusFor(upd.StockQuantity)
	}
	price := upd.Price.StringFixed(2)
	body, err := json.Marshal(updatePayload{
		RegularPrice:  price,
		Price:         price,
		StockQuantity: upd.StockQuantity,
		ManageStock:   true,
		StockStatus:   string(status),
	})
	if err != nil {
		return fmt.Errorf("marshal catalog update: %w", err)
	}

	url := fmt.Sprintf("%s/wp-json/wc/v3/products/%d", c.baseURL, wooID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("catalog update %d: %w", wooID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.CatalogRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("catalog update %d: status %d: %s", wooID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	metrics.CatalogRequestsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("catalog product updated",
		slog.Int64("woo_id", wooID),
		slog.String("price", price),
		slog.Int("stock", upd.StockQuantity))
	return nil
}
