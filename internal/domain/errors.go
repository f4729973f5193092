package domain

import "errors"

var (
	// ErrKeyNotFound は指定されたデバイスに有効な鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnknownDevice はプロビジョニングされていないデバイスに対して
	// rotate/revokeが要求された場合のエラー。
	ErrUnknownDevice = errors.New("unknown device")

	// ErrAuthenticationFailed は認証タグの検証に失敗した場合のエラー。
	// 改ざん・破損・鍵不一致を示す。自動リトライしてはならない。
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedEnvelope はワイヤ形式のフィールドが欠落・不正な場合のエラー。
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrPlaintextRejected は暗号化モードで平文エンベロープを受信した場合のエラー。
	ErrPlaintextRejected = errors.New("plaintext envelope rejected")

	// ErrInvalidDeviceID はデバイスIDの形式が不正な場合のエラー。
	ErrInvalidDeviceID = errors.New("invalid device ID")

	// ErrInvalidKeyMaterial は持ち込み鍵材の長さが不正な場合のエラー。
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
