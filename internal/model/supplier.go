package model

import (
	"strings"
)

// Supplier 标识一个批发供应商。
type Supplier string

const (
	SupplierDinamik Supplier = "Dinamik"
	SupplierBasbug  Supplier = "Başbuğ"
	SupplierDogus   Supplier = "Doğuş"
)

var supplierCodes = map[Supplier]string{
	SupplierDinamik: "dinamik",
	SupplierBasbug:  "basbug",
	SupplierDogus:   "dogus",
}

// KnownSuppliers 返回已知供应商列表（顺序固定）。
func KnownSuppliers() []Supplier {
	return []Supplier{SupplierDinamik, SupplierBasbug, SupplierDogus}
}

// Code 返回供应商在抓取接口中使用的 ASCII 标识。
func (s Supplier) Code() string {
	if code, ok := supplierCodes[s]; ok {
		return code
	}
	return strings.ToLower(string(s))
}

// Known 判断供应商是否在已知集合中。
func (s Supplier) Known() bool {
	_, ok := supplierCodes[s]
	return ok
}

// ParseSupplier 接受显示名称或 ASCII 标识（不区分大小写）。
func ParseSupplier(v string) (Supplier, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	for s, code := range supplierCodes {
		if strings.EqualFold(v, code) || strings.EqualFold(v, string(s)) {
			return s, true
		}
	}
	return "", false
}

// StockStatus 表示库存状态。
type StockStatus string

const (
	StockInStock     StockStatus = "instock"
	StockOutOfStock  StockStatus = "outofstock"
	StockOnBackorder StockStatus = "onbackorder"
)

// StockStatusFor 根据数量推导库存状态。
func StockStatusFor(quantity int) StockStatus {
	if quantity > 0 {
		return StockInStock
	}
	return StockOutOfStock
}
