// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeySize はデバイス鍵のバイト長。Ascon-128は128ビット鍵を使用する。
const KeySize = 16

// KeyStatus はデバイス鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRevoked は失効した鍵を表す。
	KeyStatusRevoked KeyStatus = "revoked"
)

// DeviceKey はデバイス鍵エンティティを表す。
// 鍵材はKeyWrapperでラップされた状態で保持される。
// デバイスごとに有効な鍵は常に高々1世代のみ。
type DeviceKey struct {
	ID         string
	DeviceID   string
	Generation uint
	WrappedKey []byte
	Status     KeyStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	RevokedAt  *time.Time
}

// DeviceKeyMetadata はデバイス鍵のメタデータを表す（鍵材を含まない）。
type DeviceKeyMetadata struct {
	DeviceID   string
	Generation uint
	Status     KeyStatus
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// Key はラップ解除済みのデバイス鍵を表す。
type Key struct {
	DeviceID   string
	Generation uint
	Key        []byte // 平文の128ビット鍵
}
