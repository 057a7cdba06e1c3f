package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/egbonrelu/certify/internal/model"
)

// certificateRow 数据库中的一行，完整记录以 JSON 保存
type certificateRow struct {
	ID            string                    `gorm:"primaryKey;size:64"`
	Name          string                    `gorm:"size:255"`
	PrimaryDomain string                    `gorm:"size:255;index"`
	Data          *model.ManagedCertificate `gorm:"serializer:json"`
	UpdatedAt     time.Time
}

func (certificateRow) TableName() string { return "managed_certificates" }

func newRow(mc *model.ManagedCertificate) *certificateRow {
	return &certificateRow{
		ID:            mc.ID,
		Name:          mc.Name,
		PrimaryDomain: mc.RequestConfig.PrimaryDomain,
		Data:          mc.Clone(),
	}
}

// GormStore 基于数据库的记录存储
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore 按驱动打开数据库 (postgres / mysql) 并迁移表结构
func OpenGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore 使用已有连接
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&certificateRow{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Get 获取记录
func (s *GormStore) Get(ctx context.Context, id string) (*model.ManagedCertificate, error) {
	var row certificateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRow(&row)
}

// decodeRow Data 为空的行不能当作不存在，也不能凭空补出记录
func decodeRow(row *certificateRow) (*model.ManagedCertificate, error) {
	if row.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, row.ID)
	}
	if row.Data.ID != row.ID {
		return nil, fmt.Errorf("%w: %s 的内容属于 %s", ErrCorruptRecord, row.ID, row.Data.ID)
	}
	return row.Data, nil
}

// List 列出全部记录，跳过无法还原的行
func (s *GormStore) List(ctx context.Context) ([]*model.ManagedCertificate, error) {
	var rows []certificateRow
	if err := s.db.WithContext(ctx).Order("name, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*model.ManagedCertificate, 0, len(rows))
	for i := range rows {
		if mc, err := decodeRow(&rows[i]); err == nil {
			items = append(items, mc)
		}
	}
	return items, nil
}

// Upsert 新增或覆盖记录
func (s *GormStore) Upsert(ctx context.Context, mc *model.ManagedCertificate) error {
	if mc == nil || mc.ID == "" {
		return fmt.Errorf("记录缺少 ID")
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(newRow(mc)).Error
}

// Update 在事务中锁定行后读-改-写
func (s *GormStore) Update(ctx context.Context, id string, fn func(mc *model.ManagedCertificate) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row certificateRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		mc, err := decodeRow(&row)
		if err != nil {
			return err
		}
		if err := fn(mc); err != nil {
			return err
		}
		return tx.Save(newRow(mc)).Error
	})
}

// Delete 删除记录
func (s *GormStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&certificateRow{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
