package pricing

import (
	"testing"
	"time"

	"partsync/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func record(s model.Supplier, price string, status model.StockStatus, active bool, updated time.Time) model.SupplierPrice {
	return model.SupplierPrice{
		Supplier:      s,
		Price:         decimal.RequireFromString(price),
		StockStatus:   status,
		StockQuantity: 5,
		IsActive:      active,
		LastUpdated:   updated,
	}
}

func TestSelectBest_LowestInStock(t *testing.T) {
	now := time.Now()
	records := []model.SupplierPrice{
		record("A", "100", model.StockInStock, true, now),
		record("B", "90", model.StockOutOfStock, true, now),
		record("C", "95", model.StockInStock, true, now),
	}

	best, ok := SelectBest(records)
	require.True(t, ok)
	require.Equal(t, model.Supplier("C"), best.Supplier)
}

func TestSelectBest_NoSelection(t *testing.T) {
	now := time.Now()
	records := []model.SupplierPrice{
		record("A", "100", model.StockOutOfStock, true, now),
		record("B", "80", model.StockInStock, false, now),
		record("C", "70", model.StockOnBackorder, true, now),
	}

	_, ok := SelectBest(records)
	require.False(t, ok)

	_, ok = SelectBest(nil)
	require.False(t, ok)
}

func TestSelectBest_TieBreaksOnFreshness(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	records := []model.SupplierPrice{
		record("A", "50.00", model.StockInStock, true, older),
		record("B", "50", model.StockInStock, true, newer),
		record("C", "60", model.StockInStock, true, newer.Add(time.Minute)),
	}

	best, ok := SelectBest(records)
	require.True(t, ok)
	require.Equal(t, model.Supplier("B"), best.Supplier)
}

func TestSelectBest_DoesNotMutateInput(t *testing.T) {
	now := time.Now()
	records := []model.SupplierPrice{
		record("A", "100", model.StockInStock, true, now),
		record("B", "10", model.StockInStock, true, now),
	}

	_, _ = SelectBest(records)
	require.Equal(t, model.Supplier("A"), records[0].Supplier)
	require.Equal(t, model.Supplier("B"), records[1].Supplier)
}

func TestApplyMargin(t *testing.T) {
	cases := []struct {
		price  string
		margin string
		want   string
	}{
		{"100", "15", "115"},
		{"95.50", "15", "109.83"},
		{"10", "0", "10"},
	}
	for _, tc := range cases {
		got := ApplyMargin(decimal.RequireFromString(tc.price), decimal.RequireFromString(tc.margin))
		require.True(t, got.Equal(decimal.RequireFromString(tc.want)), "price=%s margin=%s got=%s", tc.price, tc.margin, got)
	}
}

func TestQuoteBest(t *testing.T) {
	now := time.Now()
	quote, ok := QuoteBest([]model.SupplierPrice{
		record(model.SupplierDinamik, "200", model.StockInStock, true, now),
		record(model.SupplierDogus, "180", model.StockInStock, true, now),
	}, decimal.NewFromInt(15))
	require.True(t, ok)
	require.Equal(t, model.SupplierDogus, quote.Supplier)
	require.True(t, quote.CalculatedPrice.Equal(decimal.RequireFromString("207")))
}
