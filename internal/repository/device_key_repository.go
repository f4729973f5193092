// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"device-envelope-service/internal/domain"
)

// DeviceKeyModel はgorm用のモデル定義。
type DeviceKeyModel struct {
	ID         string     `gorm:"type:char(36);primaryKey"`
	DeviceID   string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_device_generation;index:idx_device_id;index:idx_device_status"`
	Generation uint       `gorm:"not null;uniqueIndex:uk_device_generation"`
	WrappedKey []byte     `gorm:"type:blob;not null"`
	Status     string     `gorm:"type:varchar(16);not null;default:'active';index:idx_device_status"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"not null;autoUpdateTime"`
	RevokedAt  *time.Time `gorm:""`
}

// TableName はテーブル名を返す。
func (DeviceKeyModel) TableName() string {
	return "device_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *DeviceKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *DeviceKeyModel) toDomain() *domain.DeviceKey {
	return &domain.DeviceKey{
		ID:         m.ID,
		DeviceID:   m.DeviceID,
		Generation: m.Generation,
		WrappedKey: m.WrappedKey,
		Status:     domain.KeyStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		RevokedAt:  m.RevokedAt,
	}
}

// DeviceKeyRepository はデバイス鍵のデータアクセスを提供する。
type DeviceKeyRepository struct {
	db *gorm.DB
}

// NewDeviceKeyRepository は新しいDeviceKeyRepositoryを生成する。
func NewDeviceKeyRepository(db *gorm.DB) *DeviceKeyRepository {
	return &DeviceKeyRepository{db: db}
}

// ExistsByDeviceID は指定されたデバイスに鍵が存在するか確認する（失効分を含む）。
func (r *DeviceKeyRepository) ExistsByDeviceID(ctx context.Context, deviceID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&DeviceKeyModel{}).
		Where("device_id = ?", deviceID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys by device_id",
			"operation", "exists_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Create は新しいデバイス鍵を保存する。保存完了後に成功を返す。
func (r *DeviceKeyRepository) Create(ctx context.Context, key *domain.DeviceKey) error {
	model := &DeviceKeyModel{
		ID:         key.ID,
		DeviceID:   key.DeviceID,
		Generation: key.Generation,
		WrappedKey: key.WrappedKey,
		Status:     string(key.Status),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create device key",
			"operation", "create",
			"device_id", key.DeviceID,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindActiveByDeviceID は指定されたデバイスの有効な鍵を取得する。
// 失効した鍵は返さない。見つからない場合はnilを返す。
func (r *DeviceKeyRepository) FindActiveByDeviceID(ctx context.Context, deviceID string) (*domain.DeviceKey, error) {
	var model DeviceKeyModel
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, string(domain.KeyStatusActive)).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "find_active_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByDeviceID は指定されたデバイスの全世代の鍵を取得する。
func (r *DeviceKeyRepository) FindAllByDeviceID(ctx context.Context, deviceID string) ([]*domain.DeviceKey, error) {
	var models []DeviceKeyModel
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("generation ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all keys by device_id",
			"operation", "find_all_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.DeviceKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// GetMaxGeneration は指定されたデバイスの最大世代番号を取得する。
// 鍵が存在しない場合は0を返す。
func (r *DeviceKeyRepository) GetMaxGeneration(ctx context.Context, deviceID string) (uint, error) {
	var maxGen *uint
	err := r.db.WithContext(ctx).
		Model(&DeviceKeyModel{}).
		Where("device_id = ?", deviceID).
		Select("MAX(generation)").
		Scan(&maxGen).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max generation",
			"operation", "get_max_generation",
			"device_id", deviceID,
			"error", err,
		)
		return 0, err
	}
	if maxGen == nil {
		return 0, nil
	}
	return *maxGen, nil
}

// Revoke は指定されたIDの鍵を失効させ、失効日時を記録する。
// レコードは物理削除しない（監査用に保持する）。
func (r *DeviceKeyRepository) Revoke(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&DeviceKeyModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     string(domain.KeyStatusRevoked),
			"revoked_at": &now,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke key",
			"operation", "revoke",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// ListDeviceIDs は鍵を持つ全デバイスIDを取得する（失効のみのデバイスを含む）。
func (r *DeviceKeyRepository) ListDeviceIDs(ctx context.Context) ([]string, error) {
	var deviceIDs []string
	err := r.db.WithContext(ctx).
		Model(&DeviceKeyModel{}).
		Distinct("device_id").
		Order("device_id ASC").
		Pluck("device_id", &deviceIDs).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list device ids",
			"operation", "list_device_ids",
			"error", err,
		)
		return nil, err
	}
	return deviceIDs, nil
}
