// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pgp-vault-service/internal/domain"
)

// KeyVaultEntryModel はgorm用のモデル定義。
type KeyVaultEntryModel struct {
	ID                      string     `gorm:"column:id;type:char(36);primaryKey"`
	OwnerIdentityID         string     `gorm:"column:owner_identity_id;type:varchar(128);not null;uniqueIndex:uk_owner_tenant"`
	TenantID                string     `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:uk_owner_tenant"`
	WrappedPrivateKey       []byte     `gorm:"column:wrapped_private_key;type:blob;not null"`
	Salt                    []byte     `gorm:"column:salt;type:varbinary(32);not null"`
	KDFTime                 uint32     `gorm:"column:kdf_time;not null"`
	KDFMemoryKiB            uint32     `gorm:"column:kdf_memory_kib;not null"`
	KDFThreads              uint8      `gorm:"column:kdf_threads;not null"`
	MasterKeyID             string     `gorm:"column:master_key_id;type:varchar(32);not null;index:idx_master_key_id"`
	KeyFingerprint          string     `gorm:"column:key_fingerprint;type:varchar(80);not null"`
	Algorithm               string     `gorm:"column:algorithm;type:varchar(32);not null"`
	StagedWrappedPrivateKey []byte     `gorm:"column:staged_wrapped_private_key;type:blob"`
	StagedSalt              []byte     `gorm:"column:staged_salt;type:varbinary(32)"`
	StagedMasterKeyID       string     `gorm:"column:staged_master_key_id;type:varchar(32);not null;default:''"`
	RotatedAt               *time.Time `gorm:"column:rotated_at;precision:6"`
	CreatedAt               time.Time  `gorm:"column:created_at;precision:6;not null;autoCreateTime"`
	UpdatedAt               time.Time  `gorm:"column:updated_at;precision:6;not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyVaultEntryModel) TableName() string {
	return "key_vault_entries"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyVaultEntryModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *KeyVaultEntryModel) toDomain() *domain.KeyVaultEntry {
	return &domain.KeyVaultEntry{
		ID:                      m.ID,
		OwnerIdentityID:         m.OwnerIdentityID,
		TenantID:                m.TenantID,
		WrappedPrivateKey:       m.WrappedPrivateKey,
		Salt:                    m.Salt,
		KDF:                     domain.KDFParams{Time: m.KDFTime, MemoryKiB: m.KDFMemoryKiB, Threads: m.KDFThreads},
		MasterKeyID:             m.MasterKeyID,
		KeyFingerprint:          m.KeyFingerprint,
		Algorithm:               m.Algorithm,
		CreatedAt:               m.CreatedAt,
		RotatedAt:               m.RotatedAt,
		UpdatedAt:               m.UpdatedAt,
		StagedWrappedPrivateKey: m.StagedWrappedPrivateKey,
		StagedSalt:              m.StagedSalt,
		StagedMasterKeyID:       m.StagedMasterKeyID,
	}
}

// VaultEntryRepository は鍵保管庫エントリのデータアクセスを提供する。
type VaultEntryRepository struct {
	db *gorm.DB
}

// NewVaultEntryRepository は新しいVaultEntryRepositoryを生成する。
func NewVaultEntryRepository(db *gorm.DB) *VaultEntryRepository {
	return &VaultEntryRepository{db: db}
}

// FindByOwner は所有者のエントリを取得する。存在しない場合はnil, nilを返す。
func (r *VaultEntryRepository) FindByOwner(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyVaultEntry, error) {
	var model KeyVaultEntryModel
	err := r.db.WithContext(ctx).
		Where("owner_identity_id = ? AND tenant_id = ?", ownerIdentityID, tenantID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find vault entry",
			"operation", "find_by_owner",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByID はIDでエントリを取得する。存在しない場合はnil, nilを返す。
func (r *VaultEntryRepository) FindByID(ctx context.Context, id string) (*domain.KeyVaultEntry, error) {
	var model KeyVaultEntryModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find vault entry",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Upsert は所有者ごとに1件のエントリを作成または置換する。
// 置換時は作成日時を保持し、ローテーション日時とステージング領域をクリアする。
// entryにはID・作成日時・更新日時が反映される。
func (r *VaultEntryRepository) Upsert(ctx context.Context, entry *domain.KeyVaultEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing KeyVaultEntryModel
		err := tx.Where("owner_identity_id = ? AND tenant_id = ?", entry.OwnerIdentityID, entry.TenantID).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		model := &KeyVaultEntryModel{
			ID:                entry.ID,
			OwnerIdentityID:   entry.OwnerIdentityID,
			TenantID:          entry.TenantID,
			WrappedPrivateKey: entry.WrappedPrivateKey,
			Salt:              entry.Salt,
			KDFTime:           entry.KDF.Time,
			KDFMemoryKiB:      entry.KDF.MemoryKiB,
			KDFThreads:        entry.KDF.Threads,
			MasterKeyID:       entry.MasterKeyID,
			KeyFingerprint:    entry.KeyFingerprint,
			Algorithm:         entry.Algorithm,
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(model).Error; err != nil {
				return err
			}
		} else {
			model.ID = existing.ID
			model.CreatedAt = existing.CreatedAt
			// Saveはゼロ値・nilも含めて全列を書き込む
			if err := tx.Save(model).Error; err != nil {
				return err
			}
		}

		entry.ID = model.ID
		entry.CreatedAt = model.CreatedAt
		entry.UpdatedAt = model.UpdatedAt
		entry.RotatedAt = nil
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert vault entry",
			"operation", "upsert",
			"tenant_id", entry.TenantID,
			"error", err,
		)
		return err
	}
	return nil
}

// ListAfter はID順にafterIDより後のエントリを最大limit件取得する。
func (r *VaultEntryRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.KeyVaultEntry, error) {
	var models []KeyVaultEntryModel
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list vault entries",
			"operation", "list_after",
			"after_id", afterID,
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.KeyVaultEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, nil
}

// StageRotation は新しいマスターシークレットでラップした鍵をステージング領域に書き込む。
// 有効な列は変更しない。
func (r *VaultEntryRepository) StageRotation(ctx context.Context, id string, wrapped, salt []byte, masterKeyID string) error {
	err := r.db.WithContext(ctx).
		Model(&KeyVaultEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"staged_wrapped_private_key": wrapped,
			"staged_salt":                salt,
			"staged_master_key_id":       masterKeyID,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to stage rotation",
			"operation", "stage_rotation",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// PromoteStaged はステージング領域を有効な列に昇格させる。
// 有効な列のマスターキーIDがexpectedMasterKeyIDと一致する場合のみ更新し、更新したかを返す。
func (r *VaultEntryRepository) PromoteStaged(ctx context.Context, id, expectedMasterKeyID string, rotatedAt time.Time) (bool, error) {
	promoted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1文で昇格する。ステージング列のクリアは別の文で行う（MySQLは代入を左から評価する）
		result := tx.Model(&KeyVaultEntryModel{}).
			Where("id = ? AND master_key_id = ? AND staged_master_key_id <> ''", id, expectedMasterKeyID).
			Updates(map[string]interface{}{
				"wrapped_private_key": gorm.Expr("staged_wrapped_private_key"),
				"salt":                gorm.Expr("staged_salt"),
				"master_key_id":       gorm.Expr("staged_master_key_id"),
				"rotated_at":          rotatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		promoted = true
		return clearStaged(tx, id)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to promote staged rotation",
			"operation", "promote_staged",
			"id", id,
			"error", err,
		)
		return false, err
	}
	return promoted, nil
}

// ClearStaged はステージング領域を消去する。
func (r *VaultEntryRepository) ClearStaged(ctx context.Context, id string) error {
	if err := clearStaged(r.db.WithContext(ctx), id); err != nil {
		slog.ErrorContext(ctx, "failed to clear staged rotation",
			"operation", "clear_staged",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}

func clearStaged(tx *gorm.DB, id string) error {
	return tx.Model(&KeyVaultEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"staged_wrapped_private_key": nil,
			"staged_salt":                nil,
			"staged_master_key_id":       "",
		}).Error
}

// AutoMigrate はSQLite用にスキーマを作成する。MySQLではkeyctl migrateを使用する。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&KeyVaultEntryModel{}, &SchemaMigrationModel{})
}
