package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"partsync/internal/model"

	"github.com/shopspring/decimal"
)

func TestUpdateProduct_SendsPayload(t *testing.T) {
	var (
		gotPath string
		gotUser string
		gotPass string
		payload updatePayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "ck_key", "cs_secret", time.Second, nil)
	err := c.UpdateProduct(context.Background(), 42, ProductUpdate{
		Price:         decimal.RequireFromString("109.825"),
		StockQuantity: 4,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if gotPath != "/wp-json/wc/v3/products/42" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotUser != "ck_key" || gotPass != "cs_secret" {
		t.Fatalf("unexpected basic auth %s:%s", gotUser, gotPass)
	}
	if payload.RegularPrice != "109.83" || payload.Price != "109.83" {
		t.Fatalf("unexpected price %+v", payload)
	}
	if !payload.ManageStock || payload.StockQuantity != 4 || payload.StockStatus != string(model.StockInStock) {
		t.Fatalf("unexpected stock fields %+v", payload)
	}
}

func TestUpdateProduct_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"woocommerce_rest_product_invalid_id"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "s", time.Second, nil)
	err := c.UpdateProduct(context.Background(), 7, ProductUpdate{Price: decimal.NewFromInt(1)})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestUpdateProduct_Disabled(t *testing.T) {
	c := NewClient("", "", "", 0, nil)
	if c.Enabled() {
		t.Fatalf("expected disabled client")
	}
	if err := c.UpdateProduct(context.Background(), 1, ProductUpdate{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	enabled := NewClient("http://shop.local", "", "", 0, nil)
	if err := enabled.UpdateProduct(context.Background(), 0, ProductUpdate{}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}
