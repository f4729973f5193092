// Package simulator は患者デバイスのバイタル送信をシミュレートする。
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"device-envelope-service/internal/usecase"
)

// AnomalyScorer はバイタルレコードに[0,1]の異常スコアを付与する。
// スコアリングの実体（MLモデル等）は本サービスの関心外で、
// 不透明な関数として扱う。
type AnomalyScorer interface {
	Score(v usecase.VitalsPayload) float64
}

// ThresholdScorer はしきい値ベースの簡易スコアラー。
type ThresholdScorer struct{}

// Score はバイタルのしきい値超過に応じたスコアを返す。
func (ThresholdScorer) Score(v usecase.VitalsPayload) float64 {
	score := rand.Float64() * 0.2
	if v.HeartRate > 120 || v.HeartRate < 45 {
		score += 0.5
	}
	if v.SpO2 < 92 {
		score += 0.4
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Generator はデバイス1台分のバイタル系列を生成する。
// 基準値のまわりで揺らぎ、低確率で異常値に遷移する。
type Generator struct {
	deviceID     string
	baseHR       float64
	baseSpO2     float64
	anomalyUntil time.Time
}

// NewGenerator は新しいGeneratorを生成する。
func NewGenerator(deviceID string) *Generator {
	return &Generator{
		deviceID: deviceID,
		baseHR:   70 + rand.Float64()*20,
		baseSpO2: 96 + rand.Float64()*3,
	}
}

// Next は次のバイタルレコードを生成する。
func (g *Generator) Next(now time.Time) usecase.VitalsPayload {
	// 約2%の確率で短い異常エピソードに入る
	if now.After(g.anomalyUntil) && rand.Float64() < 0.02 {
		g.anomalyUntil = now.Add(30 * time.Second)
	}

	v := usecase.VitalsPayload{
		HeartRate:   g.baseHR + rand.NormFloat64()*3,
		SpO2:        g.baseSpO2 + rand.NormFloat64()*0.5,
		BPSystolic:  120 + rand.NormFloat64()*8,
		BPDiastolic: 80 + rand.NormFloat64()*5,
		Temperature: 36.8 + rand.NormFloat64()*0.2,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}

	if now.Before(g.anomalyUntil) {
		v.HeartRate = 150 + rand.Float64()*30
		v.SpO2 = 85 + rand.Float64()*5
	}

	if v.SpO2 > 100 {
		v.SpO2 = 100
	}
	return v
}

// Encoder は平文レコードを送信用エンベロープへ変換するインターフェース。
type Encoder interface {
	EncodeOutgoing(ctx context.Context, deviceID string, plaintext []byte) ([]byte, error)
}

// Publisher はエンベロープをメッセージバスへ発行するインターフェース。
type Publisher interface {
	PublishEnvelope(deviceID string, payload []byte) error
}

// Simulator は複数デバイスのバイタルを周期的に暗号化・発行する。
type Simulator struct {
	generators map[string]*Generator
	scorer     AnomalyScorer
	encoder    Encoder
	publisher  Publisher
	interval   time.Duration
}

// New は指定されたデバイス群のSimulatorを生成する。
func New(deviceIDs []string, scorer AnomalyScorer, encoder Encoder, publisher Publisher, interval time.Duration) *Simulator {
	generators := make(map[string]*Generator, len(deviceIDs))
	for _, id := range deviceIDs {
		generators[id] = NewGenerator(id)
	}
	return &Simulator{
		generators: generators,
		scorer:     scorer,
		encoder:    encoder,
		publisher:  publisher,
		interval:   interval,
	}
}

// Run はコンテキストが終了するまで周期的に送信を続ける。
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for deviceID, gen := range s.generators {
				if err := s.sendOne(ctx, deviceID, gen, now); err != nil {
					slog.WarnContext(ctx, "failed to send vitals",
						"device_id", deviceID,
						"error", err,
					)
				}
			}
		}
	}
}

// sendOne は1デバイス分のレコードを生成・暗号化・発行する。
func (s *Simulator) sendOne(ctx context.Context, deviceID string, gen *Generator, now time.Time) error {
	vitals := gen.Next(now)
	vitals.AnomalyScore = s.scorer.Score(vitals)

	plaintext, err := json.Marshal(vitals)
	if err != nil {
		return fmt.Errorf("marshaling vitals: %w", err)
	}

	envelope, err := s.encoder.EncodeOutgoing(ctx, deviceID, plaintext)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	return s.publisher.PublishEnvelope(deviceID, envelope)
}
