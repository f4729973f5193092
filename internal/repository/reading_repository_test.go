package repository

import (
	"context"
	"testing"
	"time"

	"device-envelope-service/internal/domain"
)

func TestReadingRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewReadingRepository(db)

	reading := &domain.VitalsReading{
		DeviceID:     "hosp1_p1",
		HeartRate:    78,
		SpO2:         95,
		BPSystolic:   121,
		BPDiastolic:  80,
		Temperature:  36.6,
		AnomalyScore: 0.02,
		RecordedAt:   time.Now().UTC(),
	}

	if err := repo.Create(ctx, reading); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if reading.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}

	var count int64
	if err := db.Model(&VitalsReadingModel{}).Where("device_id = ?", "hosp1_p1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestReadingRepository_FindRecentByDeviceID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewReadingRepository(db)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		reading := &domain.VitalsReading{
			DeviceID:   "hosp1_p1",
			HeartRate:  float64(70 + i),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, reading); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	// 別デバイスの測定値は含まれない
	other := &domain.VitalsReading{DeviceID: "hosp1_p2", HeartRate: 99, RecordedAt: base}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	readings, err := repo.FindRecentByDeviceID(ctx, "hosp1_p1", 3)
	if err != nil {
		t.Fatalf("FindRecentByDeviceID failed: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(readings))
	}

	// 新しい順にソートされていることを確認
	expectedHeartRates := []float64{74, 73, 72}
	for i, reading := range readings {
		if reading.DeviceID != "hosp1_p1" {
			t.Errorf("readings[%d]: expected device_id=hosp1_p1, got %s", i, reading.DeviceID)
		}
		if reading.HeartRate != expectedHeartRates[i] {
			t.Errorf("readings[%d]: expected heart_rate=%v, got %v", i, expectedHeartRates[i], reading.HeartRate)
		}
	}

	// 測定値がない場合
	readings, err = repo.FindRecentByDeviceID(ctx, "hosp9_p9", 3)
	if err != nil {
		t.Fatalf("FindRecentByDeviceID failed: %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("expected empty slice, got %d readings", len(readings))
	}
}
