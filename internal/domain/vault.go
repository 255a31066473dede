// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KDFParams はArgon2idの導出パラメータを表す。エントリごとに保存する。
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// KeyVaultEntry は保管庫に保存された秘密鍵エンティティを表す。
// WrappedPrivateKey は常に暗号文であり、平文の秘密鍵は保存しない。
type KeyVaultEntry struct {
	ID                string
	OwnerIdentityID   string
	TenantID          string
	WrappedPrivateKey []byte
	Salt              []byte
	KDF               KDFParams
	MasterKeyID       string
	KeyFingerprint    string
	Algorithm         string
	CreatedAt         time.Time
	RotatedAt         *time.Time
	UpdatedAt         time.Time

	// ローテーション中のみ使用するステージング領域。
	StagedWrappedPrivateKey []byte
	StagedSalt              []byte
	StagedMasterKeyID       string
}

// Owner はエントリの所有者を返す。
func (e *KeyVaultEntry) Owner() OwnerRef {
	return OwnerRef{IdentityID: e.OwnerIdentityID, TenantID: e.TenantID}
}

// Metadata はエントリのメタデータを返す（暗号文を含まない）。
func (e *KeyVaultEntry) Metadata() *KeyMetadata {
	return &KeyMetadata{
		OwnerIdentityID: e.OwnerIdentityID,
		TenantID:        e.TenantID,
		KeyFingerprint:  e.KeyFingerprint,
		Algorithm:       e.Algorithm,
		CreatedAt:       e.CreatedAt,
		RotatedAt:       e.RotatedAt,
	}
}

// KeyMetadata は保管された鍵のメタデータを表す。
type KeyMetadata struct {
	OwnerIdentityID string
	TenantID        string
	KeyFingerprint  string
	Algorithm       string
	CreatedAt       time.Time
	RotatedAt       *time.Time
}

// RotationStatus はエントリ単位のローテーション結果を表す。
type RotationStatus string

const (
	RotationMigrated RotationStatus = "migrated"
	RotationSkipped  RotationStatus = "skipped"
	RotationFailed   RotationStatus = "failed"
)

// RotationResult は1エントリ分のローテーション結果。
type RotationResult struct {
	EntryID         string
	OwnerIdentityID string
	TenantID        string
	Status          RotationStatus
	Attempts        int
	Err             error
}
