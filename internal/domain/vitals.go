package domain

import "time"

// VitalsReading は復号済みのバイタルサイン測定値を表す。
// AnomalyScoreは外部のスコアリング関数が付与した[0,1]の値で、
// 本サービスはこれを不透明な数値として扱う。
type VitalsReading struct {
	ID           string
	DeviceID     string
	HeartRate    float64
	SpO2         float64
	BPSystolic   float64
	BPDiastolic  float64
	Temperature  float64
	AnomalyScore float64
	RecordedAt   time.Time
	CreatedAt    time.Time
}
