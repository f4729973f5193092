// Package main はバックエンドサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"device-envelope-service/config"
	"device-envelope-service/internal/handler"
	"device-envelope-service/internal/infra"
	"device-envelope-service/internal/repository"
	"device-envelope-service/internal/transport"
	"device-envelope-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	// DB初期化
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// 鍵ラッパー初期化（KMS設定があればCloud KMS、なければローカルKEK）
	var wrapper usecase.KeyWrapper
	if cfg.KMSKeyName != "" {
		kmsWrapper, err := infra.NewCloudKMSWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS wrapper", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsWrapper.Close(); closeErr != nil {
				slog.Error("failed to close KMS wrapper", "error", closeErr)
			}
		}()
		wrapper = kmsWrapper
	} else {
		localWrapper, err := infra.NewLocalKeyWrapper(cfg.KeyWrapSecret)
		if err != nil {
			slog.Error("failed to init local key wrapper (set KMS_KEY_NAME or KEY_WRAP_SECRET)", "error", err)
			os.Exit(1)
		}
		wrapper = localWrapper
	}

	// DI
	keyRepo := repository.NewDeviceKeyRepository(db)
	readingRepo := repository.NewReadingRepository(db)
	keystore := usecase.NewKeyStoreService(keyRepo, wrapper)
	codec := usecase.NewCodecService(keystore)
	adapter := transport.NewAdapter(keystore, codec, cfg.EnvelopeMode)
	ingest := usecase.NewIngestService(adapter, readingRepo)
	h := handler.NewKeyHandler(keystore, ingest, adapter)
	router := handler.NewRouter(h, cfg)

	// MQTT購読（ブローカー設定がある場合のみ）
	if cfg.MQTTBrokerURL != "" {
		mqttClient, err := infra.NewMQTTClient(cfg)
		if err != nil {
			slog.Error("failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
		defer mqttClient.Close()

		if err := mqttClient.SubscribeEnvelopes(ingest.HandleMessage); err != nil {
			slog.Error("failed to subscribe", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("MQTT_BROKER_URL not set, running API only")
	}

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "envelope_mode", string(cfg.EnvelopeMode))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
