// Package pricing 实现供应商最优价格选择与售价计算。
package pricing

import (
	"sort"

	"partsync/internal/model"

	"github.com/shopspring/decimal"
)

// SelectBest 从商品的供应商价格记录中选出应采用的一条。
//
// 只考虑激活且有库存的记录，取最低价；价格相同时选择 LastUpdated 更新的记录。
// 没有可选记录时返回 ok=false，调用方应保留商品当前价格。
// 输入切片不会被修改。
func SelectBest(records []model.SupplierPrice) (model.SupplierPrice, bool) {
	candidates := make([]model.SupplierPrice, 0, len(records))
	for _, r := range records {
		if r.IsActive && r.StockStatus == model.StockInStock {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.SupplierPrice{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].Price.Cmp(candidates[j].Price); c != 0 {
			return c < 0
		}
		return candidates[i].LastUpdated.After(candidates[j].LastUpdated)
	})
	return candidates[0], true
}

// ApplyMargin 计算含利润率的售价，结果保留两位小数。
//
// 参数:
//
//	price: 供应商价格
//	marginPercent: 利润率百分比（15 表示 15%）
func ApplyMargin(price decimal.Decimal, marginPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(marginPercent.Div(decimal.NewFromInt(100)))
	return price.Mul(factor).Round(2)
}

// Quote 是一次选价的结果。
type Quote struct {
	Supplier        model.Supplier  `json:"supplier"`
	SupplierPrice   decimal.Decimal `json:"supplierPrice"`
	CalculatedPrice decimal.Decimal `json:"calculatedPrice"`
	StockQuantity   int             `json:"stockQuantity"`
}

// QuoteBest 选出最优供应商并按利润率计算售价。
func QuoteBest(records []model.SupplierPrice, marginPercent decimal.Decimal) (Quote, bool) {
	best, ok := SelectBest(records)
	if !ok {
		return Quote{}, false
	}
	return Quote{
		Supplier:        best.Supplier,
		SupplierPrice:   best.Price,
		CalculatedPrice: ApplyMargin(best.Price, marginPercent),
		StockQuantity:   best.StockQuantity,
	}, true
}
