package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// CloudKMSWrapper はCloud KMSによるデバイス鍵のラップ/アンラップを提供する。
type CloudKMSWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewCloudKMSWrapper は指定されたKMS鍵名でCloudKMSWrapperを生成する。
func NewCloudKMSWrapper(ctx context.Context, keyName string) (*CloudKMSWrapper, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &CloudKMSWrapper{
		client:  client,
		keyName: keyName,
	}, nil
}

// Wrap はデバイス鍵をCloud KMSで暗号化する。
func (w *CloudKMSWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: plaintext,
	}
	resp, err := w.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unwrap はラップ済みデバイス鍵をCloud KMSで復号する。
func (w *CloudKMSWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: wrapped,
	}
	resp, err := w.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (w *CloudKMSWrapper) Close() error {
	return w.client.Close()
}
