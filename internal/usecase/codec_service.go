package usecase

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/cipher/ascon"

	"device-envelope-service/internal/domain"
)

// NonceSize はAscon-128のノンス長（128ビット）。
const NonceSize = ascon.NonceSize

// ActiveKeySource は有効なデバイス鍵を取得するインターフェース。
type ActiveKeySource interface {
	GetActiveKey(ctx context.Context, deviceID string) (*domain.Key, error)
}

// CodecService はデバイス鍵によるAscon-128認証付き暗号化を提供する。
//
// ノンスはSealのたびに暗号学的乱数源から生成する。カウンタ由来の
// ノンスはクラッシュ後の再利用で暗号の保証を失うため使用しない。
// デバイスIDを関連データとして束縛するため、あるデバイスの暗号文を
// 別デバイスのエンベロープとして流用することはできない。
type CodecService struct {
	keys ActiveKeySource
}

// NewCodecService は新しいCodecServiceを生成する。
func NewCodecService(keys ActiveKeySource) *CodecService {
	return &CodecService{keys: keys}
}

// Seal は平文をデバイスの有効鍵で暗号化し、(暗号文, ノンス)を返す。
// 暗号文の末尾に128ビットの認証タグが付加される。
// 鍵が存在しない場合はErrKeyNotFoundをそのまま伝播する。
func (s *CodecService) Seal(ctx context.Context, deviceID string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := s.keys.GetActiveKey(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}

	aead, err := ascon.New(key.Key, ascon.Ascon128)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, []byte(deviceID))
	return ciphertext, nonce, nil
}

// Open は暗号文を復号し、認証タグを検証して元の平文を返す。
// タグ検証に失敗した場合はErrAuthenticationFailedを返す。呼び出し側は
// メッセージを破棄しなければならず、平文としての再解釈や自動リトライを
// 行ってはならない。
func (s *CodecService) Open(ctx context.Context, deviceID string, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", domain.ErrMalformedEnvelope, NonceSize)
	}

	key, err := s.keys.GetActiveKey(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	aead, err := ascon.New(key.Key, ascon.Ascon128)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(deviceID))
	if err != nil {
		// 復号失敗の詳細は区別せず、改ざんとして扱う
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}
