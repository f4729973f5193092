// Package main は患者シミュレータのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"device-envelope-service/config"
	"device-envelope-service/internal/infra"
	"device-envelope-service/internal/repository"
	"device-envelope-service/internal/simulator"
	"device-envelope-service/internal/transport"
	"device-envelope-service/internal/usecase"
)

var (
	hospital string
	patients int
	interval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simulator",
		Short: "Simulated patient devices publishing encrypted vitals",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&hospital, "hospital", "hosp1", "Hospital tag used in device IDs")
	rootCmd.Flags().IntVar(&patients, "patients", 3, "Number of simulated patient devices")
	rootCmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Publish interval per device")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_ = godotenv.Load()
	cfg := config.Load()
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	if cfg.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required")
	}
	if patients < 1 {
		return fmt.Errorf("--patients must be at least 1")
	}

	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	wrapper, err := infra.NewLocalKeyWrapper(cfg.KeyWrapSecret)
	if err != nil {
		return fmt.Errorf("initializing key wrapper (set KEY_WRAP_SECRET): %w", err)
	}

	keystore := usecase.NewKeyStoreService(repository.NewDeviceKeyRepository(db), wrapper)
	codec := usecase.NewCodecService(keystore)
	adapter := transport.NewAdapter(keystore, codec, cfg.EnvelopeMode)

	mqttCfg := *cfg
	mqttCfg.MQTTClientID = cfg.MQTTClientID + "-simulator"
	mqttClient, err := infra.NewMQTTClient(&mqttCfg)
	if err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	defer mqttClient.Close()

	deviceIDs := make([]string, patients)
	for i := range deviceIDs {
		deviceIDs[i] = fmt.Sprintf("%s_p%d", hospital, i+1)
	}

	sim := simulator.New(deviceIDs, simulator.ThresholdScorer{}, adapter, mqttClient, interval)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("simulator started",
		"devices", len(deviceIDs),
		"interval", interval.String(),
	)
	if err := sim.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("simulator stopped")
	return nil
}
