package syncjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"partsync/internal/catalog"
	"partsync/internal/model"
	"partsync/internal/pricing"
	"partsync/internal/scraper"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubScraper struct {
	suppliers []model.Supplier
	results   map[model.Supplier]scraper.Result
	errs      map[model.Supplier]error
}

func (s *stubScraper) Suppliers() []model.Supplier { return s.suppliers }

func (s *stubScraper) Scrape(ctx context.Context, stockCode string, supplier model.Supplier) (scraper.Result, error) {
	if err, ok := s.errs[supplier]; ok {
		return scraper.Result{}, err
	}
	res := s.results[supplier]
	res.Supplier = supplier
	res.StockCode = stockCode
	return res, nil
}

// memRepo 是内存商品仓储，按 (商品, 供应商) 保存唯一的激活记录。
type memRepo struct {
	prices  map[model.Supplier]model.SupplierPrice
	saved   []model.Product
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{prices: make(map[model.Supplier]model.SupplierPrice)}
}

func (r *memRepo) ActiveSupplierPrices(ctx context.Context, productID uint) ([]model.SupplierPrice, error) {
	var out []model.SupplierPrice
	for _, sp := range r.prices {
		if sp.ProductID == productID && sp.IsActive {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (r *memRepo) UpsertSupplierPrice(ctx context.Context, obs model.SupplierPrice) (model.SupplierPrice, error) {
	cur, ok := r.prices[obs.Supplier]
	if !ok {
		obs.IsActive = true
		r.prices[obs.Supplier] = obs
		return obs, nil
	}
	if !obs.Price.IsZero() {
		cur.PreviousPrice = cur.Price
		cur.Price = obs.Price
	}
	cur.StockQuantity = obs.StockQuantity
	cur.StockStatus = obs.StockStatus
	cur.IsAvailable = obs.IsAvailable
	cur.LastUpdated = obs.LastUpdated
	r.prices[obs.Supplier] = cur
	return cur, nil
}

func (r *memRepo) SaveProduct(ctx context.Context, p *model.Product) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, *p)
	return nil
}

type stubCatalog struct {
	enabled bool
	err     error
	calls   []catalog.ProductUpdate
}

func (c *stubCatalog) Enabled() bool { return c.enabled }

func (c *stubCatalog) UpdateProduct(ctx context.Context, wooID int64, upd catalog.ProductUpdate) error {
	c.calls = append(c.calls, upd)
	return c.err
}

func found(price string, stock int) scraper.Result {
	return scraper.Result{
		Price:           decimal.RequireFromString(price),
		Stock:           stock,
		IsAvailable:     stock > 0,
		FoundAtSupplier: true,
		Timestamp:       time.Now(),
	}
}

var allSuppliers = []model.Supplier{model.SupplierDinamik, model.SupplierBasbug, model.SupplierDogus}

func newSyncer(sc Scraper, repo ProductRepository, cat CatalogUpdater) *SupplierSyncer {
	return NewSupplierSyncer(sc, repo, cat, decimal.NewFromInt(15), 24*time.Hour, testLogger())
}

func TestSupplierSyncer_PicksCheapestInStock(t *testing.T) {
	sc := &stubScraper{
		suppliers: allSuppliers,
		results: map[model.Supplier]scraper.Result{
			model.SupplierDinamik: found("120.00", 3),
			model.SupplierBasbug:  found("80.00", 0),
			model.SupplierDogus:   found("95.50", 2),
		},
	}
	repo := newMemRepo()
	cat := &stubCatalog{enabled: true}
	p := model.Product{ID: 7, StockCode: "AB-1", WooID: 501, Price: decimal.NewFromInt(90), StockQuantity: 1, StockStatus: model.StockInStock}

	res := newSyncer(sc, repo, cat).SyncProduct(context.Background(), p, false)
	require.NoError(t, res.Fatal)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	require.Len(t, repo.saved, 1)
	saved := repo.saved[0]
	require.Equal(t, string(model.SupplierDogus), saved.BestSupplier)
	require.True(t, saved.Price.Equal(decimal.RequireFromString("109.83")), "got %s", saved.Price)
	require.Equal(t, 2, saved.StockQuantity)
	require.Equal(t, model.StockInStock, saved.StockStatus)
	require.False(t, saved.SyncRequired)
	require.NotNil(t, saved.LastSyncAt)

	require.Len(t, cat.calls, 1)
	require.True(t, cat.calls[0].Price.Equal(saved.Price))
	require.Equal(t, 2, cat.calls[0].StockQuantity)

	require.NotNil(t, res.History)
	require.Equal(t, model.UpdateTypeBoth, res.History.UpdateType)
	require.Equal(t, string(model.SupplierDogus), res.History.SupplierName)
	require.Contains(t, res.History.ChangeDetails, "95.5")
}

func TestSupplierSyncer_SkipsFreshProductUnlessForced(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: found("10", 1)},
	}
	recent := time.Now().Add(-time.Hour)
	p := model.Product{ID: 1, StockCode: "X", LastSyncAt: &recent}

	repo := newMemRepo()
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), p, false)
	require.Equal(t, OutcomeSkip, res.Outcome)
	require.Empty(t, repo.saved)

	res = newSyncer(sc, repo, nil).SyncProduct(context.Background(), p, true)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Len(t, repo.saved, 1)
}

func TestSupplierSyncer_MissingStockCodeFails(t *testing.T) {
	res := newSyncer(&stubScraper{suppliers: allSuppliers}, newMemRepo(), nil).
		SyncProduct(context.Background(), model.Product{ID: 1}, true)
	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Equal(t, "missing stock code", res.Message)
}

func TestSupplierSyncer_AllSuppliersFailing(t *testing.T) {
	timeout := &scraper.Error{Kind: scraper.KindTimeout, Supplier: "Dinamik", Message: "no response within 30s"}
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik, model.SupplierBasbug},
		errs: map[model.Supplier]error{
			model.SupplierDinamik: timeout,
			model.SupplierBasbug:  errors.New("connection refused"),
		},
	}
	repo := newMemRepo()
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)

	require.NoError(t, res.Fatal)
	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Contains(t, res.Message, "timeout: no response within 30s")
	require.Contains(t, res.Message, "connection refused")
	require.Empty(t, repo.saved, "product untouched when no supplier answered")
	require.NotNil(t, res.History)
}

func TestSupplierSyncer_PartialFailureStillSucceeds(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik, model.SupplierBasbug},
		results:   map[model.Supplier]scraper.Result{model.SupplierBasbug: found("50", 5)},
		errs:      map[model.Supplier]error{model.SupplierDinamik: errors.New("boom")},
	}
	repo := newMemRepo()
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, string(model.SupplierBasbug), repo.saved[0].BestSupplier)
}

func TestSupplierSyncer_NotCarriedIsSkipped(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: {Timestamp: time.Now()}},
	}
	repo := newMemRepo()
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Equal(t, OutcomeSkip, res.Outcome)
	require.Len(t, repo.prices, 1, "observation still recorded")
	require.Equal(t, model.StockOutOfStock, repo.prices[model.SupplierDinamik].StockStatus)
}

func TestSupplierSyncer_NoneInStockMarksOutOfStock(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: found("40", 0)},
	}
	repo := newMemRepo()
	p := model.Product{ID: 1, StockCode: "X", Price: decimal.NewFromInt(70), StockQuantity: 4, StockStatus: model.StockInStock}
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), p, true)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	saved := repo.saved[0]
	require.True(t, saved.Price.Equal(decimal.NewFromInt(70)), "price kept")
	require.Equal(t, 0, saved.StockQuantity)
	require.Equal(t, model.StockOutOfStock, saved.StockStatus)
	require.Empty(t, saved.BestSupplier)
	require.Equal(t, model.UpdateTypeStock, res.History.UpdateType)
}

func TestSupplierSyncer_CatalogFailureKeepsProductEligible(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: found("10", 1)},
	}
	repo := newMemRepo()
	cat := &stubCatalog{enabled: true, err: errors.New("woocommerce: 503")}
	res := newSyncer(sc, repo, cat).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X", WooID: 9}, true)

	require.Equal(t, OutcomeFailure, res.Outcome)
	require.Contains(t, res.Message, "catalog update")
	require.True(t, repo.saved[0].SyncRequired)
}

func TestSupplierSyncer_CatalogSkippedWithoutWooID(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: found("10", 1)},
	}
	cat := &stubCatalog{enabled: true}
	res := newSyncer(sc, newMemRepo(), cat).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Empty(t, cat.calls)
}

func TestSupplierSyncer_StorageErrorsAreFatal(t *testing.T) {
	sc := &stubScraper{
		suppliers: []model.Supplier{model.SupplierDinamik},
		results:   map[model.Supplier]scraper.Result{model.SupplierDinamik: found("10", 1)},
	}
	repo := newMemRepo()
	repo.saveErr = errors.New("disk full")
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Error(t, res.Fatal)

	res = newSyncer(&stubScraper{}, newMemRepo(), nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Error(t, res.Fatal, "no suppliers configured")
}

func TestSupplierSyncer_MatchesQuote(t *testing.T) {
	sc := &stubScraper{
		suppliers: allSuppliers,
		results: map[model.Supplier]scraper.Result{
			model.SupplierDinamik: found("33.33", 1),
			model.SupplierBasbug:  found("33.10", 8),
			model.SupplierDogus:   found("40", 2),
		},
	}
	repo := newMemRepo()
	res := newSyncer(sc, repo, nil).SyncProduct(context.Background(), model.Product{ID: 1, StockCode: "X"}, true)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	records, _ := repo.ActiveSupplierPrices(context.Background(), 1)
	quote, ok := pricing.QuoteBest(records, decimal.NewFromInt(15))
	require.True(t, ok)
	require.True(t, repo.saved[0].Price.Equal(quote.CalculatedPrice))
	require.Equal(t, string(model.SupplierBasbug), repo.saved[0].BestSupplier)
}

func TestSupplierSyncer_ApplyBestPriceUsesActiveRecordsOnly(t *testing.T) {
	repo := newMemRepo()
	repo.prices[model.SupplierDinamik] = model.SupplierPrice{ProductID: 3, Supplier: model.SupplierDinamik, Price: decimal.NewFromInt(50), StockQuantity: 4, StockStatus: model.StockInStock, IsActive: false}
	repo.prices[model.SupplierDogus] = model.SupplierPrice{ProductID: 3, Supplier: model.SupplierDogus, Price: decimal.NewFromInt(80), StockQuantity: 2, StockStatus: model.StockInStock, IsActive: true}
	cat := &stubCatalog{enabled: true}
	p := model.Product{ID: 3, StockCode: "K-3", WooID: 12, Price: decimal.NewFromInt(57)}

	res := newSyncer(&stubScraper{}, repo, cat).ApplyBestPrice(context.Background(), p)
	require.NoError(t, res.Fatal)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	saved := repo.saved[0]
	require.Equal(t, string(model.SupplierDogus), saved.BestSupplier)
	require.True(t, saved.Price.Equal(decimal.NewFromInt(92)), "got %s", saved.Price)
	require.Nil(t, saved.LastSyncAt, "no scrape happened")
	require.Len(t, cat.calls, 1)
	require.Contains(t, res.History.Notes, "manual best-price apply")
}

func TestSupplierSyncer_ApplyBestPriceWithoutCandidates(t *testing.T) {
	repo := newMemRepo()
	p := model.Product{ID: 4, StockCode: "K-4", Price: decimal.NewFromInt(10), StockQuantity: 5, StockStatus: model.StockInStock}

	res := newSyncer(&stubScraper{}, repo, nil).ApplyBestPrice(context.Background(), p)
	require.Equal(t, OutcomeSkip, res.Outcome)
	require.True(t, repo.saved[0].Price.Equal(decimal.NewFromInt(10)), "price preserved")
	require.Equal(t, 0, repo.saved[0].StockQuantity)
	require.Equal(t, model.StockOutOfStock, repo.saved[0].StockStatus)
}
