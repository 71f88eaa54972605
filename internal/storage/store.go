// Package storage 提供商品、供应商价格与变更历史的 GORM 持久化。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partsync/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrProductNotFound 表示商品不存在。
	ErrProductNotFound = errors.New("product not found")
	// ErrSupplierPriceNotFound 表示商品在该供应商处没有激活的价格记录。
	ErrSupplierPriceNotFound = errors.New("active supplier price not found")
)

// Store 是基于 GORM 的仓储实现。
type Store struct {
	db *gorm.DB
}

// OpenMySQL 连接 MySQL 并执行自动迁移。
//
// 参数:
//
//	dsn: MySQL 连接字符串
//
// 返回值:
//
//	*gorm.DB: 数据库连接
//	error: 连接或迁移失败返回错误
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 自动迁移所有模型。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// New 创建仓储。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ListEligibleProducts 返回需要同步的商品，最久未同步的排在最前。
//
// 需要同步的条件：sync_required 为真，或从未同步，或上次同步早于 staleBefore。
func (s *Store) ListEligibleProducts(ctx context.Context, staleBefore time.Time, limit int) ([]model.Product, error) {
	q := s.db.WithContext(ctx).
		Where("sync_required = ? OR last_sync_date IS NULL OR last_sync_date < ?", true, staleBefore).
		Order("last_sync_date IS NULL DESC").
		Order("last_sync_date ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var products []model.Product
	if err := q.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list eligible products: %w", err)
	}
	return products, nil
}

// ProductsByIDs 按 ID 批量加载商品，缺失的 ID 不会出现在结果中。
func (s *Store) ProductsByIDs(ctx context.Context, ids []uint) (map[uint]model.Product, error) {
	out := make(map[uint]model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var products []model.Product
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// GetProduct 按 ID 加载商品。
func (s *Store) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

// SaveProduct 保存商品的全部字段。
func (s *Store) SaveProduct(ctx context.Context, p *model.Product) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("save product %d: %w", p.ID, err)
	}
	return nil
}

// MarkForSync 将商品标记为需要同步，返回受影响的行数。
func (s *Store) MarkForSync(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&model.Product{}).Where("id IN ?", ids).Update("sync_required", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark for sync: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ActiveSupplierPrices 返回商品的所有激活供应商价格记录。
func (s *Store) ActiveSupplierPrices(ctx context.Context, productID uint) ([]model.SupplierPrice, error) {
	var records []model.SupplierPrice
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND is_active = ?", productID, true).
		Order("supplier ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list supplier prices: %w", err)
	}
	return records, nil
}

// UpsertSupplierPrice 写入一次供应商观测结果。
//
// 已有激活记录时更新最新的一条（旧价格写入 PreviousPrice，价格为零表示保留原价），其余重复的激活记录被停用；
// 只有停用记录时更新最新的一条但保持停用；没有任何记录时创建新的激活记录。
func (s *Store) UpsertSupplierPrice(ctx context.Context, obs model.SupplierPrice) (model.SupplierPrice, error) {
	var saved model.SupplierPrice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []model.SupplierPrice
		if err := tx.Where("product_id = ? AND supplier = ?", obs.ProductID, obs.Supplier).
			Order("is_active DESC").
			Order("last_updated DESC").
			Order("id DESC").
			Find(&existing).Error; err != nil {
			return err
		}

		if len(existing) == 0 {
			obs.ID = 0
			obs.IsActive = true
			obs.PreviousPrice = obs.Price
			if err := tx.Create(&obs).Error; err != nil {
				return err
			}
			saved = obs
			return nil
		}

		current := existing[0]
		if !obs.Price.IsZero() {
			current.PreviousPrice = current.Price
			current.Price = obs.Price
		}
		current.StockQuantity = obs.StockQuantity
		current.StockStatus = obs.StockStatus
		current.IsAvailable = obs.IsAvailable
		current.LastUpdated = obs.LastUpdated
		if err := tx.Save(&current).Error; err != nil {
			return err
		}

		var dupIDs []uint
		for _, r := range existing[1:] {
			if r.IsActive {
				dupIDs = append(dupIDs, r.ID)
			}
		}
		if len(dupIDs) > 0 {
			if err := tx.Model(&model.SupplierPrice{}).Where("id IN ?", dupIDs).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		saved = current
		return nil
	})
	if err != nil {
		return model.SupplierPrice{}, fmt.Errorf("upsert supplier price %d/%s: %w", obs.ProductID, obs.Supplier, err)
	}
	return saved, nil
}

// DeactivateSupplierPrice 停用商品在某供应商处的价格记录（不删除）。
//
// 停用后的记录不参与最优价选择；之后的同步只会更新它的价格与库存，不会重新激活。
func (s *Store) DeactivateSupplierPrice(ctx context.Context, productID uint, supplier model.Supplier) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.SupplierPrice{}).
		Where("product_id = ? AND supplier = ? AND is_active = ?", productID, supplier, true).
		Update("is_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("deactivate supplier price %d/%s: %w", productID, supplier, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrSupplierPriceNotFound
	}
	return res.RowsAffected, nil
}

// CreateHistory 写入一条变更历史。
func (s *Store) CreateHistory(ctx context.Context, h *model.UpdateHistory) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("create history: %w", err)
	}
	return nil
}

// ListHistory 返回商品最近的变更历史（按时间倒序）。
func (s *Store) ListHistory(ctx context.Context, productID uint, limit int) ([]model.UpdateHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []model.UpdateHistory
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
