package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"device-envelope-service/internal/domain"
)

// VitalsPayload は復号後のバイタルレコードのJSON形式。
// フィールド構成はシミュレータ側のエンコードと対になる。
type VitalsPayload struct {
	HeartRate    float64 `json:"heart_rate"`
	SpO2         float64 `json:"spo2"`
	BPSystolic   float64 `json:"bp_systolic"`
	BPDiastolic  float64 `json:"bp_diastolic"`
	Temperature  float64 `json:"temperature"`
	AnomalyScore float64 `json:"anomaly_score"`
	Timestamp    string  `json:"timestamp"`
}

// EnvelopeDecoder は受信エンベロープの復号インターフェース。
type EnvelopeDecoder interface {
	DecodeIncoming(ctx context.Context, payload []byte) (deviceID string, plaintext []byte, err error)
}

// ReadingRepository はバイタル測定値の永続化インターフェース。
type ReadingRepository interface {
	Create(ctx context.Context, reading *domain.VitalsReading) error
	FindRecentByDeviceID(ctx context.Context, deviceID string, limit int) ([]*domain.VitalsReading, error)
}

// IngestService は受信メッセージの復号から永続化までのパイプラインを提供する。
type IngestService struct {
	decoder  EnvelopeDecoder
	readings ReadingRepository
}

// NewIngestService は新しいIngestServiceを生成する。
func NewIngestService(decoder EnvelopeDecoder, readings ReadingRepository) *IngestService {
	return &IngestService{
		decoder:  decoder,
		readings: readings,
	}
}

// HandleMessage は受信ペイロードを復号し、バイタル測定値として保存する。
// 復号に失敗したメッセージは破棄される（失敗の記録はアダプタ側で行う）。
func (s *IngestService) HandleMessage(ctx context.Context, payload []byte) error {
	deviceID, plaintext, err := s.decoder.DecodeIncoming(ctx, payload)
	if err != nil {
		return err
	}

	var vitals VitalsPayload
	if err := json.Unmarshal(plaintext, &vitals); err != nil {
		slog.WarnContext(ctx, "decrypted payload is not a vitals record",
			"device_id", deviceID,
		)
		return fmt.Errorf("%w: invalid vitals payload", domain.ErrMalformedEnvelope)
	}

	recordedAt, err := time.Parse(time.RFC3339, vitals.Timestamp)
	if err != nil {
		recordedAt = time.Now().UTC()
	}

	reading := &domain.VitalsReading{
		DeviceID:     deviceID,
		HeartRate:    vitals.HeartRate,
		SpO2:         vitals.SpO2,
		BPSystolic:   vitals.BPSystolic,
		BPDiastolic:  vitals.BPDiastolic,
		Temperature:  vitals.Temperature,
		AnomalyScore: vitals.AnomalyScore,
		RecordedAt:   recordedAt,
	}
	if err := s.readings.Create(ctx, reading); err != nil {
		return fmt.Errorf("saving reading: %w", err)
	}

	slog.InfoContext(ctx, "vitals reading ingested",
		"device_id", deviceID,
		"anomaly_score", vitals.AnomalyScore,
	)
	return nil
}

// RecentReadings は指定されたデバイスの直近の測定値を取得する。
func (s *IngestService) RecentReadings(ctx context.Context, deviceID string, limit int) ([]*domain.VitalsReading, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	readings, err := s.readings.FindRecentByDeviceID(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("finding readings: %w", err)
	}
	return readings, nil
}
