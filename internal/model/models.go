package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product 表示店铺中的一个汽车配件商品。
//
// StockCode 是与供应商数据关联的业务唯一键。价格与库存由同步任务在
// 成功处理后更新，WooID 非零时同步结果会推送到店铺目录。
type Product struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	StockCode     string          `gorm:"type:varchar(64);index" json:"stockCode"` // 库存编码
	Name          string          `gorm:"type:varchar(255)" json:"name"`           // 商品名称
	WooID         int64           `gorm:"column:woo_id;index" json:"wooId"`        // 店铺目录中的商品 ID（0 表示未上架）
	Price         decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"`         // 当前售价
	StockQuantity int             `json:"stockQuantity"`                           // 当前库存
	StockStatus   StockStatus     `gorm:"type:varchar(16)" json:"stockStatus"`     // 当前库存状态

	BestSupplier    string          `gorm:"type:varchar(32)" json:"bestSupplier,omitempty"` // 最近一次选中的供应商
	CalculatedPrice decimal.Decimal `gorm:"type:decimal(12,2)" json:"calculatedPrice"`      // 含利润率的计算售价

	SyncRequired bool       `json:"syncRequired"`                                     // 是否需要同步
	LastSyncAt   *time.Time `gorm:"column:last_sync_date;index" json:"lastSyncDate"` // 上次同步时间
}

// SupplierPrice 是某商品在某供应商处的价格与库存快照。
//
// 记录不会被删除，只会被停用。同一 (ProductID, Supplier) 至多一条处于激活状态。
type SupplierPrice struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ProductID     uint            `gorm:"not null;index:idx_supplier_price_pair" json:"productId"`
	Supplier      Supplier        `gorm:"type:varchar(32);not null;index:idx_supplier_price_pair" json:"supplier"`
	Price         decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"`
	PreviousPrice decimal.Decimal `gorm:"type:decimal(12,2)" json:"previousPrice"`
	StockQuantity int             `json:"stockQuantity"`
	StockStatus   StockStatus     `gorm:"type:varchar(16)" json:"stockStatus"`
	IsAvailable   bool            `json:"isAvailable"` // 供应商是否有该商品
	IsActive      bool            `json:"isActive"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}

// UpdateType 表示一次变更记录的类型。
type UpdateType string

const (
	UpdateTypePrice  UpdateType = "price"
	UpdateTypeStock  UpdateType = "stock"
	UpdateTypeBoth   UpdateType = "both"
	UpdateTypeSync   UpdateType = "sync"
	UpdateTypeCreate UpdateType = "create"
)

// UpdateHistory 是商品价格或库存变更的审计记录，创建后不可修改。
type UpdateHistory struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	ProductID uint `gorm:"not null;index" json:"productId"`

	SyncID       string     `gorm:"type:varchar(64);index" json:"syncId,omitempty"` // 产生该记录的同步任务
	SupplierName string     `gorm:"type:varchar(32)" json:"supplierName"`
	UpdateType   UpdateType `gorm:"type:varchar(16)" json:"updateType"`

	OldPrice       decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"oldPrice"`
	NewPrice       decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"newPrice"`
	OldStock       *int                `json:"oldStock"`
	NewStock       *int                `json:"newStock"`
	OldStockStatus StockStatus         `gorm:"type:varchar(16)" json:"oldStockStatus,omitempty"`
	NewStockStatus StockStatus         `gorm:"type:varchar(16)" json:"newStockStatus,omitempty"`

	Notes         string    `gorm:"type:text" json:"notes,omitempty"`
	ChangeDetails string    `gorm:"type:text" json:"changeDetails,omitempty"` // 各供应商抓取结果（JSON）
	IsSuccessful  bool      `json:"isSuccessful"`
	ErrorMessage  string    `gorm:"type:text" json:"errorMessage,omitempty"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
}

// TableName 指定审计表名。
func (UpdateHistory) TableName() string {
	return "update_history"
}

// AllModels 返回需要自动迁移的模型列表。
func AllModels() []interface{} {
	return []interface{}{&Product{}, &SupplierPrice{}, &UpdateHistory{}}
}
