package api

import (
	"context"
	"errors"

	"partsync/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// demoProducts 是本地环境的演示商品，价格与库存由首次同步填充。
var demoProducts = []model.Product{
	{StockCode: "05.10.004", Name: "Fren Balatası Ön Takım", Price: decimal.RequireFromString("850.00")},
	{StockCode: "13.04.112", Name: "Yağ Filtresi", Price: decimal.RequireFromString("145.90")},
	{StockCode: "22.81.300", Name: "Triger Seti", Price: decimal.RequireFromString("2399.00")},
	{StockCode: "41.02.017", Name: "Amortisör Arka", Price: decimal.RequireFromString("1275.50")},
}

// SeedDemoData 在本地环境写入演示商品，已存在的库存编码不会重复创建。
func (s *Server) SeedDemoData(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return seedProducts(ctx, s.db, demoProducts)
}

func seedProducts(ctx context.Context, db *gorm.DB, products []model.Product) error {
	for _, p := range products {
		var existing model.Product
		err := db.WithContext(ctx).Where("stock_code = ?", p.StockCode).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		p.StockStatus = model.StockStatusFor(0)
		p.SyncRequired = true
		if err := db.WithContext(ctx).Create(&p).Error; err != nil {
			return err
		}
	}
	return nil
}
