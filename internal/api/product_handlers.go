package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"partsync/internal/model"
	"partsync/internal/pricing"
	"partsync/internal/scraper"
	"partsync/internal/storage"
	"partsync/internal/syncjob"

	"github.com/gin-gonic/gin"
)

type markForSyncRequest struct {
	ProductIDs []uint `json:"productIds" binding:"required,min=1"`
}

type requestUpdateRequest struct {
	StockCode string `json:"stockCode" binding:"required"`
	Supplier  string `json:"supplier" binding:"required"`
}

// supplierPricesResponse 是商品在各供应商处的当前价格及最优选择。
type supplierPricesResponse struct {
	ProductID     uint                  `json:"productId"`
	StockCode     string                `json:"stockCode"`
	Prices        []model.SupplierPrice `json:"prices"`
	Best          *pricing.Quote        `json:"best"`
	ProfitMargin  string                `json:"profitMargin"`
	CurrentPrice  string                `json:"currentPrice"`
	BestSupplier  string                `json:"bestSupplier,omitempty"`
	StockQuantity int                   `json:"stockQuantity"`
}

// handleMarkForSync 将商品标记为需要同步，下一次同步任务会优先处理。
func (s *Server) handleMarkForSync(c *gin.Context) {
	var req markForSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "productIds is required")
		return
	}
	for _, id := range req.ProductIDs {
		if id == 0 {
			respondError(c, http.StatusBadRequest, "productIds must be positive")
			return
		}
	}

	n, err := s.products.MarkForSync(c.Request.Context(), req.ProductIDs)
	if err != nil {
		s.logger.Error("mark for sync failed", slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "mark for sync failed")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"updated": n}, "products marked for sync")
}

// handleSupplierPrices 返回商品当前激活的供应商价格与最优供应商。
func (s *Server) handleSupplierPrices(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid product id")
		return
	}
	ctx := c.Request.Context()

	p, ok := s.loadProduct(c, id)
	if !ok {
		return
	}
	records, err := s.products.ActiveSupplierPrices(ctx, id)
	if err != nil {
		s.logger.Error("load supplier prices failed", slog.Uint64("product_id", uint64(id)), slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "load supplier prices failed")
		return
	}
	if records == nil {
		records = []model.SupplierPrice{}
	}

	resp := supplierPricesResponse{
		ProductID:     p.ID,
		StockCode:     p.StockCode,
		Prices:        records,
		ProfitMargin:  s.margin.String(),
		CurrentPrice:  p.Price.StringFixed(2),
		BestSupplier:  p.BestSupplier,
		StockQuantity: p.StockQuantity,
	}
	if q, ok := pricing.QuoteBest(records, s.margin); ok {
		resp.Best = &q
	}
	respondOK(c, http.StatusOK, resp, "")
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// loadProduct 加载商品，失败时写出 404/500 响应并返回 false。
func (s *Server) loadProduct(c *gin.Context, id uint) (*model.Product, bool) {
	p, err := s.products.GetProduct(c.Request.Context(), id)
	if err == nil {
		return p, true
	}
	if errors.Is(err, storage.ErrProductNotFound) {
		respondError(c, http.StatusNotFound, "product not found")
		return nil, false
	}
	s.logger.Error("load product failed", slog.Uint64("product_id", uint64(id)), slog.String("error", err.Error()))
	respondError(c, http.StatusInternalServerError, "load product failed")
	return nil, false
}

// handleDeactivateSupplierPrice 停用商品在某个供应商处的价格记录，记录保留但不再参与选价。
func (s *Server) handleDeactivateSupplierPrice(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid product id")
		return
	}
	supplier, ok := model.ParseSupplier(c.Param("supplier"))
	if !ok {
		respondError(c, http.StatusBadRequest, "unknown supplier")
		return
	}

	n, err := s.products.DeactivateSupplierPrice(c.Request.Context(), id, supplier)
	switch {
	case errors.Is(err, storage.ErrSupplierPriceNotFound):
		respondError(c, http.StatusNotFound, "no active price for this supplier")
		return
	case err != nil:
		s.logger.Error("deactivate supplier price failed",
			slog.Uint64("product_id", uint64(id)),
			slog.String("supplier", supplier.Code()),
			slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "deactivate supplier price failed")
		return
	}
	s.logger.Info("supplier price deactivated",
		slog.Uint64("product_id", uint64(id)),
		slog.String("supplier", supplier.Code()))
	respondOK(c, http.StatusOK, gin.H{"productId": id, "supplier": supplier, "deactivated": n}, "supplier price deactivated")
}

// handleApplyBestPrice 不抓取，直接按当前激活的供应商记录为商品选价并写入历史。
func (s *Server) handleApplyBestPrice(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid product id")
		return
	}
	ctx := c.Request.Context()
	p, ok := s.loadProduct(c, id)
	if !ok {
		return
	}

	res := s.pricer.ApplyBestPrice(ctx, *p)
	if res.Fatal != nil {
		s.logger.Error("apply best price failed",
			slog.Uint64("product_id", uint64(id)),
			slog.String("error", res.Fatal.Error()))
		respondError(c, http.StatusInternalServerError, "apply best price failed")
		return
	}
	if res.History != nil {
		res.History.IsSuccessful = res.Outcome == syncjob.OutcomeSuccess
		if !res.History.IsSuccessful {
			res.History.ErrorMessage = res.Message
		}
		if err := s.products.CreateHistory(ctx, res.History); err != nil {
			s.logger.Warn("write update history failed",
				slog.Uint64("product_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	}

	updated, ok := s.loadProduct(c, id)
	if !ok {
		return
	}
	body := gin.H{
		"productId":     updated.ID,
		"outcome":       res.Outcome.String(),
		"price":         updated.Price.StringFixed(2),
		"bestSupplier":  updated.BestSupplier,
		"stockQuantity": updated.StockQuantity,
		"stockStatus":   updated.StockStatus,
	}
	if res.Outcome == syncjob.OutcomeFailure {
		respondError(c, http.StatusBadGateway, res.Message)
		return
	}
	respondOK(c, http.StatusOK, body, res.Message)
}

// handleProductHistory 返回商品最近的变更历史，limit 默认 50，最多 500。
func (s *Server) handleProductHistory(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid product id")
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if _, ok := s.loadProduct(c, id); !ok {
		return
	}
	entries, err := s.products.ListHistory(c.Request.Context(), id, limit)
	if err != nil {
		s.logger.Error("load history failed", slog.Uint64("product_id", uint64(id)), slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "load history failed")
		return
	}
	if entries == nil {
		entries = []model.UpdateHistory{}
	}
	respondOK(c, http.StatusOK, entries, "")
}

// handleRequestUpdate 对单个供应商执行一次抓取并返回规范化结果，不修改任何数据。
func (s *Server) handleRequestUpdate(c *gin.Context) {
	var req requestUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "stockCode and supplier are required")
		return
	}
	supplier, ok := model.ParseSupplier(req.Supplier)
	if !ok {
		respondError(c, http.StatusBadRequest, "unknown supplier")
		return
	}

	res, err := s.scraper.Scrape(c.Request.Context(), strings.TrimSpace(req.StockCode), supplier)
	if err != nil {
		status := scrapeErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("single scrape failed",
				slog.String("supplier", string(supplier)),
				slog.String("stock_code", req.StockCode),
				slog.String("error", err.Error()))
		}
		respondError(c, status, err.Error())
		return
	}
	respondOK(c, http.StatusOK, res, "")
}

// scrapeErrorStatus 将抓取错误映射为 HTTP 状态码：连接不上或超时为 503，
// 抓取服务返回了无法使用的响应为 502。
func scrapeErrorStatus(err error) int {
	switch scraper.KindOf(err) {
	case scraper.KindValidation:
		return http.StatusBadRequest
	case scraper.KindNetwork, scraper.KindTimeout:
		return http.StatusServiceUnavailable
	case scraper.KindHTTPStatus, scraper.KindNonJSON, scraper.KindMalformed, scraper.KindSupplier:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
