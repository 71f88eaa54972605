package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"partsync/internal/catalog"
	"partsync/internal/model"
	"partsync/internal/pricing"
	"partsync/internal/scraper"

	"github.com/shopspring/decimal"
)

// Scraper 查询供应商价格。
type Scraper interface {
	Suppliers() []model.Supplier
	Scrape(ctx context.Context, stockCode string, supplier model.Supplier) (scraper.Result, error)
}

// ProductRepository 是同步单个商品所需的存储操作。
type ProductRepository interface {
	ActiveSupplierPrices(ctx context.Context, productID uint) ([]model.SupplierPrice, error)
	UpsertSupplierPrice(ctx context.Context, obs model.SupplierPrice) (model.SupplierPrice, error)
	SaveProduct(ctx context.Context, p *model.Product) error
}

// CatalogUpdater 将结果推送到店铺目录。
type CatalogUpdater interface {
	Enabled() bool
	UpdateProduct(ctx context.Context, wooID int64, upd catalog.ProductUpdate) error
}

// SupplierSyncer 是默认的单商品同步实现：
// 逐个供应商抓取、写入供应商价格记录、选出最优价并更新商品与店铺目录。
type SupplierSyncer struct {
	scraper    Scraper
	repo       ProductRepository
	catalog    CatalogUpdater
	margin     decimal.Decimal
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSupplierSyncer 创建单商品同步器。catalog 可以为 nil。
func NewSupplierSyncer(sc Scraper, repo ProductRepository, cat CatalogUpdater, marginPercent decimal.Decimal, staleAfter time.Duration, logger *slog.Logger) *SupplierSyncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &SupplierSyncer{
		scraper:    sc,
		repo:       repo,
		catalog:    cat,
		margin:     marginPercent,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

type changeDetails struct {
	Suppliers map[string]string `json:"suppliers"`
	Errors    []string          `json:"errors,omitempty"`
}

// SyncProduct 实现 ItemSyncer。
func (s *SupplierSyncer) SyncProduct(ctx context.Context, p model.Product, force bool) ItemResult {
	if strings.TrimSpace(p.StockCode) == "" {
		return ItemResult{Outcome: OutcomeFailure, Message: "missing stock code"}
	}
	now := s.now()
	if !force && !p.SyncRequired && p.LastSyncAt != nil && now.Sub(*p.LastSyncAt) < s.staleAfter {
		return ItemResult{Outcome: OutcomeSkip, Message: "already fresh"}
	}

	suppliers := s.scraper.Suppliers()
	if len(suppliers) == 0 {
		return ItemResult{Fatal: errors.New("no supplier scrapers configured")}
	}

	details := changeDetails{Suppliers: make(map[string]string, len(suppliers))}
	found := 0
	for _, sup := range suppliers {
		res, err := s.scraper.Scrape(ctx, p.StockCode, sup)
		if err != nil {
			details.Errors = append(details.Errors, fmt.Sprintf("%s: %v", sup, describeScrapeError(err)))
			details.Suppliers[string(sup)] = "error"
			continue
		}

		obs := model.SupplierPrice{
			ProductID:   p.ID,
			Supplier:    sup,
			IsAvailable: res.FoundAtSupplier && res.IsAvailable,
			StockStatus: model.StockOutOfStock,
			LastUpdated: res.Timestamp,
		}
		if res.FoundAtSupplier {
			found++
			obs.Price = res.Price
			obs.StockQuantity = res.Stock
			obs.StockStatus = model.StockStatusFor(res.Stock)
			details.Suppliers[string(sup)] = res.Price.String()
		} else {
			details.Suppliers[string(sup)] = "not found"
		}
		if _, err := s.repo.UpsertSupplierPrice(ctx, obs); err != nil {
			return ItemResult{Fatal: err}
		}
	}

	if len(details.Errors) == len(suppliers) {
		return ItemResult{
			Outcome: OutcomeFailure,
			Message: strings.Join(details.Errors, "; "),
			History: s.historyFor(p, p, "", details),
		}
	}
	if found == 0 && len(details.Errors) == 0 {
		return ItemResult{Outcome: OutcomeSkip, Message: "not carried by any supplier"}
	}
	if len(details.Errors) > 0 {
		s.logger.Warn("partial supplier failures",
			slog.Uint64("product_id", uint64(p.ID)),
			slog.String("stock_code", p.StockCode),
			slog.String("errors", strings.Join(details.Errors, "; ")))
	}

	records, err := s.repo.ActiveSupplierPrices(ctx, p.ID)
	if err != nil {
		return ItemResult{Fatal: err}
	}

	before := p
	updated := s.priced(p, records)
	updated.SyncRequired = false
	updated.LastSyncAt = &now

	catalogErr := s.pushCatalog(ctx, &updated)
	if err := s.repo.SaveProduct(ctx, &updated); err != nil {
		return ItemResult{Fatal: err}
	}

	h := s.historyFor(before, updated, updated.BestSupplier, details)
	if catalogErr != nil {
		return ItemResult{
			Outcome: OutcomeFailure,
			Message: fmt.Sprintf("catalog update: %v", catalogErr),
			History: h,
		}
	}
	return ItemResult{Outcome: OutcomeSuccess, History: h}
}

// ApplyBestPrice 不抓取，直接按现有激活的供应商记录重新选价并更新商品。
//
// 用于停用某个供应商记录之后，或人工要求立即采用当前最优价时。
// 结果中的 History 由调用方写入。
func (s *SupplierSyncer) ApplyBestPrice(ctx context.Context, p model.Product) ItemResult {
	records, err := s.repo.ActiveSupplierPrices(ctx, p.ID)
	if err != nil {
		return ItemResult{Fatal: err}
	}
	updated := s.priced(p, records)
	catalogErr := s.pushCatalog(ctx, &updated)
	if err := s.repo.SaveProduct(ctx, &updated); err != nil {
		return ItemResult{Fatal: err}
	}

	h := s.historyFor(p, updated, updated.BestSupplier, changeDetails{Suppliers: map[string]string{}})
	h.Notes = strings.TrimSpace("manual best-price apply; " + h.Notes)
	if catalogErr != nil {
		return ItemResult{Outcome: OutcomeFailure, Message: fmt.Sprintf("catalog update: %v", catalogErr), History: h}
	}
	if updated.BestSupplier == "" {
		return ItemResult{Outcome: OutcomeSkip, Message: "no active in-stock supplier", History: h}
	}
	return ItemResult{Outcome: OutcomeSuccess, History: h}
}

// priced 按最优供应商记录计算商品的售价与库存。
func (s *SupplierSyncer) priced(p model.Product, records []model.SupplierPrice) model.Product {
	quote, ok := pricing.QuoteBest(records, s.margin)
	if !ok {
		// 无可选价格：保留当前价格，库存清零
		p.BestSupplier = ""
		p.StockQuantity = 0
		p.StockStatus = model.StockOutOfStock
		return p
	}
	p.Price = quote.CalculatedPrice
	p.CalculatedPrice = quote.CalculatedPrice
	p.BestSupplier = string(quote.Supplier)
	p.StockQuantity = quote.StockQuantity
	p.StockStatus = model.StockInStock
	return p
}

// pushCatalog 将价格与库存推送到店铺目录，失败时商品保持 sync_required。
func (s *SupplierSyncer) pushCatalog(ctx context.Context, p *model.Product) error {
	if s.catalog == nil || !s.catalog.Enabled() || p.WooID <= 0 {
		return nil
	}
	err := s.catalog.UpdateProduct(ctx, p.WooID, catalog.ProductUpdate{
		Price:         p.Price,
		StockQuantity: p.StockQuantity,
		StockStatus:   p.StockStatus,
	})
	if err != nil {
		p.SyncRequired = true
	}
	return err
}

func (s *SupplierSyncer) historyFor(before, after model.Product, supplier string, details changeDetails) *model.UpdateHistory {
	oldStock, newStock := before.StockQuantity, after.StockQuantity
	h := &model.UpdateHistory{
		ProductID:      after.ID,
		SupplierName:   supplier,
		UpdateType:     updateType(before, after),
		OldPrice:       decimal.NewNullDecimal(before.Price),
		NewPrice:       decimal.NewNullDecimal(after.Price),
		OldStock:       &oldStock,
		NewStock:       &newStock,
		OldStockStatus: before.StockStatus,
		NewStockStatus: after.StockStatus,
		Timestamp:      s.now(),
	}
	if supplier != "" {
		h.Notes = fmt.Sprintf("best supplier %s", supplier)
	}
	if raw, err := json.Marshal(details); err == nil {
		h.ChangeDetails = string(raw)
	}
	return h
}

func updateType(before, after model.Product) model.UpdateType {
	priceChanged := !before.Price.Equal(after.Price)
	stockChanged := before.StockQuantity != after.StockQuantity || before.StockStatus != after.StockStatus
	switch {
	case priceChanged && stockChanged:
		return model.UpdateTypeBoth
	case priceChanged:
		return model.UpdateTypePrice
	case stockChanged:
		return model.UpdateTypeStock
	default:
		return model.UpdateTypeSync
	}
}

func describeScrapeError(err error) string {
	var se *scraper.Error
	if errors.As(err, &se) && se.Message != "" {
		return fmt.Sprintf("%s: %s", se.Kind, se.Message)
	}
	return err.Error()
}
