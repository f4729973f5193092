package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"device-envelope-service/config"
)

// MQTTClient はメッセージバスへのエンベロープの発行・購読を提供する。
// トピックは <prefix>/<device_id> の形式。
type MQTTClient struct {
	client      mqtt.Client
	topicPrefix string
}

// NewMQTTClient はブローカーへ接続したMQTTClientを生成する。
func NewMQTTClient(cfg *config.Config) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			slog.Info("connected to MQTT broker", "broker", cfg.MQTTBrokerURL)
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &MQTTClient{
		client:      client,
		topicPrefix: cfg.MQTTTopicPrefix,
	}, nil
}

// PublishEnvelope はエンベロープをデバイス別トピックへ発行する。
func (c *MQTTClient) PublishEnvelope(deviceID string, payload []byte) error {
	topic := c.topicPrefix + "/" + deviceID
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// SubscribeEnvelopes は全デバイストピックを購読し、受信ペイロードごとに
// handlerを呼び出す。handlerのエラーはアダプタ側で記録済みのため破棄する。
func (c *MQTTClient) SubscribeEnvelopes(handler func(ctx context.Context, payload []byte) error) error {
	topic := c.topicPrefix + "/#"
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		_ = handler(context.Background(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	slog.Info("subscribed to vitals topic", "topic", topic)
	return nil
}

// Close はブローカーとの接続を閉じる。
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}
