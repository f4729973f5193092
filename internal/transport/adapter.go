package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"device-envelope-service/config"
	"device-envelope-service/internal/domain"
	"device-envelope-service/internal/usecase"
)

// Provisioner は送信側の自動プロビジョニングを提供するインターフェース。
type Provisioner interface {
	Provision(ctx context.Context, deviceID string, material []byte) (*domain.Key, error)
}

// Codec はエンベロープの暗号化/復号を提供するインターフェース。
type Codec interface {
	Seal(ctx context.Context, deviceID string, plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(ctx context.Context, deviceID string, ciphertext, nonce []byte) ([]byte, error)
}

// Stats はエンベロープ処理の失敗カウンタのスナップショット。
type Stats struct {
	Decoded           uint64 `json:"decoded"`
	Malformed         uint64 `json:"malformed"`
	AuthFailures      uint64 `json:"auth_failures"`
	UnknownDevices    uint64 `json:"unknown_devices"`
	PlaintextRejected uint64 `json:"plaintext_rejected"`
	PlaintextAccepted uint64 `json:"plaintext_accepted"`
}

// Adapter はワイヤ形式とAEADコーデックを仲介する。
//
// エンベロープ単位の状態遷移は Received → Parsed → {Decrypted | Rejected}。
// 拒否されたエンベロープは破棄してカウントし、リトライしない。
// 鍵材・平文はログに出力しない。
type Adapter struct {
	keystore Provisioner
	codec    Codec
	mode     config.EnvelopeMode

	decoded           atomic.Uint64
	malformed         atomic.Uint64
	authFailures      atomic.Uint64
	unknownDevices    atomic.Uint64
	plaintextRejected atomic.Uint64
	plaintextAccepted atomic.Uint64
}

// NewAdapter は新しいAdapterを生成する。
func NewAdapter(keystore Provisioner, codec Codec, mode config.EnvelopeMode) *Adapter {
	if mode == config.EnvelopeModePlaintextForTesting {
		slog.Warn("envelope adapter accepts plaintext envelopes",
			"mode", string(mode),
		)
	}
	return &Adapter{
		keystore: keystore,
		codec:    codec,
		mode:     mode,
	}
}

// EncodeOutgoing は平文レコードを暗号化エンベロープに包んで直列化する。
// デバイスが未プロビジョニングの場合は鍵を自動発行する（冪等）。
func (a *Adapter) EncodeOutgoing(ctx context.Context, deviceID string, plaintext []byte) ([]byte, error) {
	if deviceID == "" {
		return nil, domain.ErrInvalidDeviceID
	}

	// 送信側のみ自動プロビジョニングを行う
	if _, err := a.keystore.Provision(ctx, deviceID, nil); err != nil {
		return nil, fmt.Errorf("provisioning device: %w", err)
	}

	ciphertext, nonce, err := a.codec.Seal(ctx, deviceID, plaintext)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		DeviceID:   deviceID,
		Encrypted:  true,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

// DecodeIncoming はワイヤ形式のエンベロープを検証・復号して平文を返す。
// 受信側では未知のデバイスを自動プロビジョニングしない。
// 平文エンベロープは平文テストモードでのみ通過させる。
func (a *Adapter) DecodeIncoming(ctx context.Context, payload []byte) (deviceID string, plaintext []byte, err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		a.malformed.Add(1)
		slog.WarnContext(ctx, "envelope rejected",
			"reason", "unparsable",
		)
		return "", nil, fmt.Errorf("%w: %s", domain.ErrMalformedEnvelope, "unparsable payload")
	}

	if env.DeviceID == "" {
		a.malformed.Add(1)
		slog.WarnContext(ctx, "envelope rejected",
			"reason", "missing_device_id",
		)
		return "", nil, fmt.Errorf("%w: missing device_id", domain.ErrMalformedEnvelope)
	}

	if !env.Encrypted {
		if a.mode != config.EnvelopeModePlaintextForTesting {
			a.plaintextRejected.Add(1)
			slog.WarnContext(ctx, "envelope rejected",
				"device_id", env.DeviceID,
				"reason", "plaintext_not_allowed",
			)
			return env.DeviceID, nil, domain.ErrPlaintextRejected
		}
		if len(env.Payload) == 0 {
			a.malformed.Add(1)
			return env.DeviceID, nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedEnvelope)
		}
		a.plaintextAccepted.Add(1)
		slog.WarnContext(ctx, "plaintext envelope accepted",
			"device_id", env.DeviceID,
			"mode", string(a.mode),
		)
		return env.DeviceID, env.Payload, nil
	}

	if len(env.Ciphertext) == 0 {
		a.malformed.Add(1)
		slog.WarnContext(ctx, "envelope rejected",
			"device_id", env.DeviceID,
			"reason", "missing_ciphertext",
		)
		return env.DeviceID, nil, fmt.Errorf("%w: missing ciphertext", domain.ErrMalformedEnvelope)
	}
	if len(env.Nonce) != usecase.NonceSize {
		a.malformed.Add(1)
		slog.WarnContext(ctx, "envelope rejected",
			"device_id", env.DeviceID,
			"reason", "invalid_nonce",
		)
		return env.DeviceID, nil, fmt.Errorf("%w: nonce must be %d bytes", domain.ErrMalformedEnvelope, usecase.NonceSize)
	}

	plaintext, err = a.codec.Open(ctx, env.DeviceID, env.Ciphertext, env.Nonce)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAuthenticationFailed):
			a.authFailures.Add(1)
			slog.WarnContext(ctx, "envelope rejected",
				"device_id", env.DeviceID,
				"reason", "authentication_failed",
			)
		case errors.Is(err, domain.ErrKeyNotFound):
			a.unknownDevices.Add(1)
			slog.WarnContext(ctx, "envelope rejected",
				"device_id", env.DeviceID,
				"reason", "key_not_found",
			)
		}
		return env.DeviceID, nil, err
	}

	a.decoded.Add(1)
	return env.DeviceID, plaintext, nil
}

// Stats は処理カウンタのスナップショットを返す。
func (a *Adapter) Stats() Stats {
	return Stats{
		Decoded:           a.decoded.Load(),
		Malformed:         a.malformed.Load(),
		AuthFailures:      a.authFailures.Load(),
		UnknownDevices:    a.unknownDevices.Load(),
		PlaintextRejected: a.plaintextRejected.Load(),
		PlaintextAccepted: a.plaintextAccepted.Load(),
	}
}
