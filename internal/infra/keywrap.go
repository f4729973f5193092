package infra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// LocalKeyWrapper はローカルKEKによるAES-256-GCMの鍵ラップを提供する。
// Cloud KMSを使わないデプロイ向け。KEKは設定のシークレット文字列から
// SHA-256で導出する。
type LocalKeyWrapper struct {
	kek []byte
}

// NewLocalKeyWrapper は設定のシークレットからLocalKeyWrapperを生成する。
func NewLocalKeyWrapper(secret string) (*LocalKeyWrapper, error) {
	if secret == "" {
		return nil, fmt.Errorf("key wrap secret is required")
	}
	kek := sha256.Sum256([]byte(secret))
	return &LocalKeyWrapper{kek: kek[:]}, nil
}

func (w *LocalKeyWrapper) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(w.kek)
	if err != nil {
		return nil, fmt.Errorf("initializing KEK cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Wrap はデバイス鍵をAES-GCMで暗号化する。出力はnonce||ciphertext。
func (w *LocalKeyWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := w.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating wrap nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap はラップ済みデバイス鍵を復号する。
func (w *LocalKeyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	aead, err := w.aead()
	if err != nil {
		return nil, err
	}

	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("wrapped key too short")
	}
	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: tag verification failed")
	}
	return plaintext, nil
}
