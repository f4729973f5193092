package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"device-envelope-service/internal/domain"
)

// VitalsReadingModel はgorm用のモデル定義。
type VitalsReadingModel struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	DeviceID     string    `gorm:"type:varchar(64);not null;index:idx_reading_device"`
	HeartRate    float64   `gorm:"not null"`
	SpO2         float64   `gorm:"column:spo2;not null"`
	BPSystolic   float64   `gorm:"column:bp_systolic;not null"`
	BPDiastolic  float64   `gorm:"column:bp_diastolic;not null"`
	Temperature  float64   `gorm:"not null"`
	AnomalyScore float64   `gorm:"not null"`
	RecordedAt   time.Time `gorm:"not null;index:idx_reading_device"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (VitalsReadingModel) TableName() string {
	return "vitals_readings"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *VitalsReadingModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *VitalsReadingModel) toDomain() *domain.VitalsReading {
	return &domain.VitalsReading{
		ID:           m.ID,
		DeviceID:     m.DeviceID,
		HeartRate:    m.HeartRate,
		SpO2:         m.SpO2,
		BPSystolic:   m.BPSystolic,
		BPDiastolic:  m.BPDiastolic,
		Temperature:  m.Temperature,
		AnomalyScore: m.AnomalyScore,
		RecordedAt:   m.RecordedAt,
		CreatedAt:    m.CreatedAt,
	}
}

// ReadingRepository はバイタル測定値のデータアクセスを提供する。
type ReadingRepository struct {
	db *gorm.DB
}

// NewReadingRepository は新しいReadingRepositoryを生成する。
func NewReadingRepository(db *gorm.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// Create は復号済みの測定値を保存する。
func (r *ReadingRepository) Create(ctx context.Context, reading *domain.VitalsReading) error {
	model := &VitalsReadingModel{
		ID:           reading.ID,
		DeviceID:     reading.DeviceID,
		HeartRate:    reading.HeartRate,
		SpO2:         reading.SpO2,
		BPSystolic:   reading.BPSystolic,
		BPDiastolic:  reading.BPDiastolic,
		Temperature:  reading.Temperature,
		AnomalyScore: reading.AnomalyScore,
		RecordedAt:   reading.RecordedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create vitals reading",
			"operation", "create_reading",
			"device_id", reading.DeviceID,
			"error", err,
		)
		return err
	}
	reading.ID = model.ID
	reading.CreatedAt = model.CreatedAt
	return nil
}

// FindRecentByDeviceID は指定されたデバイスの直近の測定値を新しい順に取得する。
func (r *ReadingRepository) FindRecentByDeviceID(ctx context.Context, deviceID string, limit int) ([]*domain.VitalsReading, error) {
	var models []VitalsReadingModel
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find recent readings",
			"operation", "find_recent_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}

	readings := make([]*domain.VitalsReading, len(models))
	for i, m := range models {
		readings[i] = m.toDomain()
	}
	return readings, nil
}
