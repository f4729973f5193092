// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"device-envelope-service/internal/domain"
)

// DeviceKeyRepository はデバイス鍵データアクセスのインターフェース。
type DeviceKeyRepository interface {
	ExistsByDeviceID(ctx context.Context, deviceID string) (bool, error)
	Create(ctx context.Context, key *domain.DeviceKey) error
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*domain.DeviceKey, error)
	FindAllByDeviceID(ctx context.Context, deviceID string) ([]*domain.DeviceKey, error)
	GetMaxGeneration(ctx context.Context, deviceID string) (uint, error)
	Revoke(ctx context.Context, id string) error
	ListDeviceIDs(ctx context.Context) ([]string, error)
}

// KeyWrapper は保存時の鍵ラップ/アンラップのインターフェース。
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// KeyStoreService はデバイス鍵のライフサイクルを管理する。
//
// 不変条件: デバイスごとに有効な鍵は常に高々1世代。
// 同一デバイスへの並行した変更操作はデバイス単位のロックで直列化し、
// 異なるデバイスの参照・変更は並行して進行する。
type KeyStoreService struct {
	repo    DeviceKeyRepository
	wrapper KeyWrapper
	locks   sync.Map // device_id -> *sync.Mutex
}

// NewKeyStoreService は新しいKeyStoreServiceを生成する。
func NewKeyStoreService(repo DeviceKeyRepository, wrapper KeyWrapper) *KeyStoreService {
	return &KeyStoreService{
		repo:    repo,
		wrapper: wrapper,
	}
}

// deviceLock はデバイスIDに対応するロックを取得する。
func (s *KeyStoreService) deviceLock(deviceID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(deviceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// generateDeviceKey は128ビットのデバイス鍵を暗号学的乱数源から生成する。
func generateDeviceKey() ([]byte, error) {
	key := make([]byte, domain.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// GetActiveKey は指定されたデバイスの有効な鍵を取得する。
// 未プロビジョニング、または失効済みで後継鍵がない場合はErrKeyNotFoundを返す。
func (s *KeyStoreService) GetActiveKey(ctx context.Context, deviceID string) (*domain.Key, error) {
	if deviceID == "" {
		return nil, domain.ErrInvalidDeviceID
	}

	record, err := s.repo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if record == nil {
		return nil, domain.ErrKeyNotFound
	}

	plainKey, err := s.wrapper.Unwrap(ctx, record.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}

	return &domain.Key{
		DeviceID:   record.DeviceID,
		Generation: record.Generation,
		Key:        plainKey,
	}, nil
}

// Provision は指定されたデバイスに鍵を発行する。
// 既に有効な鍵が存在する場合は何もせずその鍵を返す（冪等）。
// materialがnilの場合は暗号学的乱数源から新しい鍵を生成する。
func (s *KeyStoreService) Provision(ctx context.Context, deviceID string, material []byte) (*domain.Key, error) {
	if deviceID == "" {
		return nil, domain.ErrInvalidDeviceID
	}
	if material != nil && len(material) != domain.KeySize {
		return nil, domain.ErrInvalidKeyMaterial
	}

	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	// 冪等性: 有効な鍵があればそれを返す
	existing, err := s.repo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if existing != nil {
		plainKey, err := s.wrapper.Unwrap(ctx, existing.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("unwrapping key: %w", err)
		}
		return &domain.Key{
			DeviceID:   existing.DeviceID,
			Generation: existing.Generation,
			Key:        plainKey,
		}, nil
	}

	plainKey := material
	if plainKey == nil {
		plainKey, err = generateDeviceKey()
		if err != nil {
			return nil, err
		}
	}

	return s.installKey(ctx, deviceID, plainKey)
}

// Rotate は指定されたデバイスの鍵を更新する。
// 旧世代を失効させてから新しい鍵を有効化する。
// 未プロビジョニングのデバイスに対してはErrUnknownDeviceを返す。
func (s *KeyStoreService) Rotate(ctx context.Context, deviceID string) (*domain.Key, error) {
	if deviceID == "" {
		return nil, domain.ErrInvalidDeviceID
	}

	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.repo.ExistsByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}
	if !exists {
		return nil, domain.ErrUnknownDevice
	}

	// 旧世代を先に失効させる。ここでクラッシュした場合は有効鍵なしの
	// 状態になり、暗号化が失敗する側に倒れる。
	current, err := s.repo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if current != nil {
		if err := s.repo.Revoke(ctx, current.ID); err != nil {
			return nil, fmt.Errorf("revoking previous key: %w", err)
		}
	}

	plainKey, err := generateDeviceKey()
	if err != nil {
		return nil, err
	}

	return s.installKey(ctx, deviceID, plainKey)
}

// Revoke は指定されたデバイスの有効な鍵を失効させる。後継鍵は発行しない。
// 既に有効な鍵がない場合は何もしない（冪等）。
// 未プロビジョニングのデバイスに対してはErrUnknownDeviceを返す。
func (s *KeyStoreService) Revoke(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return domain.ErrInvalidDeviceID
	}

	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.repo.ExistsByDeviceID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("checking existing key: %w", err)
	}
	if !exists {
		return domain.ErrUnknownDevice
	}

	current, err := s.repo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("finding active key: %w", err)
	}
	if current == nil {
		return nil
	}

	if err := s.repo.Revoke(ctx, current.ID); err != nil {
		return fmt.Errorf("revoking key: %w", err)
	}
	return nil
}

// ListKeys は指定されたデバイスの全世代の鍵メタデータを取得する。
// 鍵材は含まない。
func (s *KeyStoreService) ListKeys(ctx context.Context, deviceID string) ([]*domain.DeviceKeyMetadata, error) {
	keys, err := s.repo.FindAllByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.DeviceKeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = &domain.DeviceKeyMetadata{
			DeviceID:   k.DeviceID,
			Generation: k.Generation,
			Status:     k.Status,
			CreatedAt:  k.CreatedAt,
			RevokedAt:  k.RevokedAt,
		}
	}
	return metadata, nil
}

// ListDevices は鍵を持つ全デバイスIDを取得する。
func (s *KeyStoreService) ListDevices(ctx context.Context) ([]string, error) {
	deviceIDs, err := s.repo.ListDeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return deviceIDs, nil
}

// installKey は鍵をラップして次世代として永続化する。
// 呼び出し側がデバイスロックを保持していること。
func (s *KeyStoreService) installKey(ctx context.Context, deviceID string, plainKey []byte) (*domain.Key, error) {
	wrapped, err := s.wrapper.Wrap(ctx, plainKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}

	maxGen, err := s.repo.GetMaxGeneration(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("getting max generation: %w", err)
	}

	record := &domain.DeviceKey{
		DeviceID:   deviceID,
		Generation: maxGen + 1,
		WrappedKey: wrapped,
		Status:     domain.KeyStatusActive,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}

	return &domain.Key{
		DeviceID:   record.DeviceID,
		Generation: record.Generation,
		Key:        plainKey,
	}, nil
}
