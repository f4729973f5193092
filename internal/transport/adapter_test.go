package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"device-envelope-service/config"
	"device-envelope-service/internal/domain"
	"device-envelope-service/internal/usecase"
)

// memKeystore はテスト用のインメモリ鍵ストア。
// 送信側のProvisionと復号側のGetActiveKeyの両方を提供する。
type memKeystore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newMemKeystore() *memKeystore {
	return &memKeystore{keys: map[string][]byte{}}
}

func (m *memKeystore) Provision(ctx context.Context, deviceID string, material []byte) (*domain.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[deviceID]; ok {
		return &domain.Key{DeviceID: deviceID, Generation: 1, Key: key}, nil
	}
	key := material
	if key == nil {
		key = make([]byte, domain.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	m.keys[deviceID] = key
	return &domain.Key{DeviceID: deviceID, Generation: 1, Key: key}, nil
}

func (m *memKeystore) GetActiveKey(ctx context.Context, deviceID string) (*domain.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[deviceID]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return &domain.Key{DeviceID: deviceID, Generation: 1, Key: key}, nil
}

func newTestAdapter(mode config.EnvelopeMode) (*Adapter, *memKeystore) {
	keystore := newMemKeystore()
	codec := usecase.NewCodecService(keystore)
	return NewAdapter(keystore, codec, mode), keystore
}

func TestAdapter_EncodeDecode_RoundTrip(t *testing.T) {
	adapter, keystore := newTestAdapter(config.EnvelopeModeEncrypted)
	ctx := context.Background()
	plaintext := []byte(`{"heart_rate":78,"spo2":95}`)

	payload, err := adapter.EncodeOutgoing(ctx, "hosp1_p1", plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 送信側で自動プロビジョニングされている
	if _, ok := keystore.keys["hosp1_p1"]; !ok {
		t.Fatal("want device auto-provisioned on encode")
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if !env.Encrypted {
		t.Error("want encrypted flag set")
	}
	if env.DeviceID != "hosp1_p1" {
		t.Errorf("want device_id hosp1_p1, got %s", env.DeviceID)
	}
	if bytes.Contains(payload, plaintext) {
		t.Error("wire payload must not contain the plaintext")
	}

	deviceID, decoded, err := adapter.DecodeIncoming(ctx, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deviceID != "hosp1_p1" {
		t.Errorf("want device_id hosp1_p1, got %s", deviceID)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Errorf("want %q, got %q", plaintext, decoded)
	}

	if got := adapter.Stats().Decoded; got != 1 {
		t.Errorf("want decoded counter 1, got %d", got)
	}
}

func TestAdapter_DecodeIncoming_UnknownDevice(t *testing.T) {
	sender, _ := newTestAdapter(config.EnvelopeModeEncrypted)
	receiver, receiverKeys := newTestAdapter(config.EnvelopeModeEncrypted)
	ctx := context.Background()

	payload, err := sender.EncodeOutgoing(ctx, "hosp1_p1", []byte(`{"spo2":95}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 受信側には鍵がなく、受信経路では自動プロビジョニングしない
	_, _, err = receiver.DecodeIncoming(ctx, payload)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
	if len(receiverKeys.keys) != 0 {
		t.Error("receive path must not provision unknown devices")
	}
	if got := receiver.Stats().UnknownDevices; got != 1 {
		t.Errorf("want unknown_devices counter 1, got %d", got)
	}
}

func TestAdapter_DecodeIncoming_Malformed(t *testing.T) {
	adapter, _ := newTestAdapter(config.EnvelopeModeEncrypted)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not-json")},
		{"missing device_id", mustMarshal(t, Envelope{Encrypted: true, Ciphertext: []byte("x"), Nonce: make([]byte, usecase.NonceSize)})},
		{"missing ciphertext", mustMarshal(t, Envelope{DeviceID: "hosp1_p1", Encrypted: true, Nonce: make([]byte, usecase.NonceSize)})},
		{"short nonce", mustMarshal(t, Envelope{DeviceID: "hosp1_p1", Encrypted: true, Ciphertext: []byte("x"), Nonce: []byte("short")})},
	}

	for _, tc := range cases {
		if _, _, err := adapter.DecodeIncoming(ctx, tc.payload); !errors.Is(err, domain.ErrMalformedEnvelope) {
			t.Errorf("%s: want ErrMalformedEnvelope, got %v", tc.name, err)
		}
	}

	if got := adapter.Stats().Malformed; got != uint64(len(cases)) {
		t.Errorf("want malformed counter %d, got %d", len(cases), got)
	}
}

func TestAdapter_DecodeIncoming_Tampered(t *testing.T) {
	adapter, _ := newTestAdapter(config.EnvelopeModeEncrypted)
	ctx := context.Background()

	payload, err := adapter.EncodeOutgoing(ctx, "hosp1_p1", []byte(`{"heart_rate":78}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.Ciphertext[0] ^= 0x01
	tampered := mustMarshal(t, env)

	_, _, err = adapter.DecodeIncoming(ctx, tampered)
	if !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Errorf("want ErrAuthenticationFailed, got %v", err)
	}
	if got := adapter.Stats().AuthFailures; got != 1 {
		t.Errorf("want auth_failures counter 1, got %d", got)
	}
}

func TestAdapter_DecodeIncoming_PlaintextRejectedByDefault(t *testing.T) {
	adapter, _ := newTestAdapter(config.EnvelopeModeEncrypted)

	payload := mustMarshal(t, Envelope{DeviceID: "hosp1_p1", Payload: []byte(`{"spo2":95}`)})
	_, _, err := adapter.DecodeIncoming(context.Background(), payload)
	if !errors.Is(err, domain.ErrPlaintextRejected) {
		t.Errorf("want ErrPlaintextRejected, got %v", err)
	}
	if got := adapter.Stats().PlaintextRejected; got != 1 {
		t.Errorf("want plaintext_rejected counter 1, got %d", got)
	}
}

func TestAdapter_DecodeIncoming_PlaintextAcceptedInTestingMode(t *testing.T) {
	adapter, _ := newTestAdapter(config.EnvelopeModePlaintextForTesting)
	ctx := context.Background()

	vitals := []byte(`{"spo2":95}`)
	payload := mustMarshal(t, Envelope{DeviceID: "hosp1_p1", Payload: vitals})

	deviceID, decoded, err := adapter.DecodeIncoming(ctx, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deviceID != "hosp1_p1" {
		t.Errorf("want device_id hosp1_p1, got %s", deviceID)
	}
	if !bytes.Equal(decoded, vitals) {
		t.Errorf("want %q, got %q", vitals, decoded)
	}

	// 平文モードでも空ペイロードは不正
	empty := mustMarshal(t, Envelope{DeviceID: "hosp1_p1"})
	if _, _, err := adapter.DecodeIncoming(ctx, empty); !errors.Is(err, domain.ErrMalformedEnvelope) {
		t.Errorf("want ErrMalformedEnvelope for empty payload, got %v", err)
	}
}

func mustMarshal(t *testing.T, env Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return data
}
