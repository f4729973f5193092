// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// EnvelopeMode はエンベロープの受信ポリシーを表す。
type EnvelopeMode string

const (
	// EnvelopeModeEncrypted は暗号化エンベロープのみを受け付ける（デフォルト）。
	EnvelopeModeEncrypted EnvelopeMode = "encrypted"
	// EnvelopeModePlaintextForTesting は開発・テスト用に平文エンベロープの通過を許可する。
	// 機密性を要求するデプロイで有効化してはならない。
	EnvelopeModePlaintextForTesting EnvelopeMode = "plaintext-testing"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	// エンベロープ受信ポリシー
	EnvelopeMode EnvelopeMode

	// 鍵のラップ設定（KMSKeyNameが空の場合はKeyWrapSecretによるローカルラップ）
	KMSKeyName         string
	KeyWrapSecret      string
	GoogleCloudProject string

	// MQTT設定（BrokerURLが空の場合はMQTT連携を無効化）
	MQTTBrokerURL   string
	MQTTTopicPrefix string
	MQTTClientID    string

	// OpenTelemetry設定
	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "device_envelope.db"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		EnvelopeMode: envelopeMode(getEnv("ENVELOPE_MODE", string(EnvelopeModeEncrypted))),

		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		KeyWrapSecret:      os.Getenv("KEY_WRAP_SECRET"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		MQTTBrokerURL:   os.Getenv("MQTT_BROKER_URL"),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "healthcare/vitals"),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "envelope-server"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "device-envelope-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// envelopeMode は不正な値をデフォルトの暗号化モードに正規化する。
// 平文モードは明示的な設定値でのみ有効になる。
func envelopeMode(val string) EnvelopeMode {
	if EnvelopeMode(val) == EnvelopeModePlaintextForTesting {
		return EnvelopeModePlaintextForTesting
	}
	return EnvelopeModeEncrypted
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
