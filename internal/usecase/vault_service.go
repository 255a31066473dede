// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/pgp"
	"pgp-vault-service/internal/secret"
)

const (
	saltSize = 32

	defaultRotationBatchSize = 100
)

// VaultRepository は鍵保管庫エントリのデータアクセスのインターフェース。
type VaultRepository interface {
	FindByOwner(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyVaultEntry, error)
	FindByID(ctx context.Context, id string) (*domain.KeyVaultEntry, error)
	Upsert(ctx context.Context, entry *domain.KeyVaultEntry) error
	ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.KeyVaultEntry, error)
	StageRotation(ctx context.Context, id string, wrapped, salt []byte, masterKeyID string) error
	PromoteStaged(ctx context.Context, id, expectedMasterKeyID string, rotatedAt time.Time) (bool, error)
	ClearStaged(ctx context.Context, id string) error
}

// KeyDeriver はマスターシークレットからエントリ鍵を導出する。
// *masterkey.Manager が実装する。
type KeyDeriver interface {
	DeriveKey(ctx context.Context, salt []byte, params domain.KDFParams) (*secret.Buffer, string, error)
	KeyID() string
}

// VaultConfig はVaultServiceの設定。
type VaultConfig struct {
	KDF              domain.KDFParams
	VaultTimeout     time.Duration
	CryptoTimeout    time.Duration
	RotationAttempts int
	BatchSize        int
}

// PutKeyRequest は秘密鍵の登録要求。Passphraseの消去は呼び出し元の責任。
type PutKeyRequest struct {
	OwnerIdentityID   string
	TenantID          string
	ArmoredPrivateKey string
	Passphrase        []byte
}

// VaultService は鍵保管庫のビジネスロジックを提供する。
type VaultService struct {
	repo   VaultRepository
	master KeyDeriver
	cfg    VaultConfig
	now    func() time.Time
}

// NewVaultService は新しいVaultServiceを生成する。
func NewVaultService(repo VaultRepository, master KeyDeriver, cfg VaultConfig) *VaultService {
	if cfg.RotationAttempts < 1 {
		cfg.RotationAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultRotationBatchSize
	}
	return &VaultService{repo: repo, master: master, cfg: cfg, now: time.Now}
}

// Put は秘密鍵を現在のマスターシークレットでラップして保存する。
// 同じ所有者の既存エントリは置き換える。
func (s *VaultService) Put(ctx context.Context, req PutKeyRequest) (*domain.KeyMetadata, error) {
	if req.OwnerIdentityID == "" || req.TenantID == "" {
		return nil, fmt.Errorf("%w: owner and tenant are required", domain.ErrMalformedInput)
	}

	entity, err := pgp.ParsePrivateKey(req.ArmoredPrivateKey, req.Passphrase)
	if err != nil {
		return nil, err
	}
	defer pgp.Wipe(entity)

	keyBuf, err := pgp.SerializePrivate(entity)
	if err != nil {
		return nil, err
	}
	defer keyBuf.Close()

	entry := &domain.KeyVaultEntry{
		OwnerIdentityID: req.OwnerIdentityID,
		TenantID:        req.TenantID,
		KDF:             s.cfg.KDF,
		KeyFingerprint:  pgp.Fingerprint(entity),
		Algorithm:       pgp.AlgorithmName(entity),
	}
	entry.WrappedPrivateKey, entry.Salt, entry.MasterKeyID, err = s.wrap(ctx, s.master, entry.Owner(), entry.KDF, keyBuf.Bytes())
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VaultTimeout)
	defer cancel()
	if err := s.repo.Upsert(vctx, entry); err != nil {
		return nil, vaultError("storing entry", err)
	}

	slog.InfoContext(ctx, "vault entry stored",
		"operation", "put",
		"tenant_id", entry.TenantID,
		"identity_id", entry.OwnerIdentityID,
		"key_fingerprint", entry.KeyFingerprint,
		"master_key_id", entry.MasterKeyID,
	)
	return entry.Metadata(), nil
}

// Get は所有者のエントリを取得する。存在しない場合はdomain.ErrVaultNotFound。
func (s *VaultService) Get(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyVaultEntry, error) {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.VaultTimeout)
	defer cancel()

	entry, err := s.repo.FindByOwner(vctx, ownerIdentityID, tenantID)
	if err != nil {
		return nil, vaultError("finding entry", err)
	}
	if entry == nil {
		return nil, domain.ErrVaultNotFound
	}
	return entry, nil
}

// Metadata は所有者のエントリのメタデータを返す。
func (s *VaultService) Metadata(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyMetadata, error) {
	entry, err := s.Get(ctx, ownerIdentityID, tenantID)
	if err != nil {
		return nil, err
	}
	return entry.Metadata(), nil
}

// Unwrap は現在のマスターシークレットでエントリの秘密鍵を取り出す。
// 返されたバッファは呼び出し側が解放する。
func (s *VaultService) Unwrap(ctx context.Context, entry *domain.KeyVaultEntry) (*secret.Buffer, error) {
	return s.unwrap(ctx, s.master, entry.WrappedPrivateKey, entry.Salt, entry.KDF, entry.Owner(), entry.MasterKeyID)
}

// RotateAll は全エントリをoldKeyからnewKeyへ再ラップする。
// エントリごとにステージング領域へ書き込み、読み戻して検証してから昇格させる。
// 失敗したエントリは元のまま残り、結果に記録される。
func (s *VaultService) RotateAll(ctx context.Context, oldKey, newKey KeyDeriver) ([]domain.RotationResult, error) {
	if oldKey.KeyID() == newKey.KeyID() {
		return nil, errors.New("old and new master secrets are identical")
	}

	var results []domain.RotationResult
	afterID := ""
	for {
		vctx, cancel := context.WithTimeout(ctx, s.cfg.VaultTimeout)
		batch, err := s.repo.ListAfter(vctx, afterID, s.cfg.BatchSize)
		cancel()
		if err != nil {
			return results, vaultError("listing entries", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, entry := range batch {
			result := s.rotateEntry(ctx, entry, oldKey, newKey)
			slog.InfoContext(ctx, "vault entry rotation",
				"operation", "rotate_all",
				"entry_id", result.EntryID,
				"tenant_id", result.TenantID,
				"status", result.Status,
				"attempts", result.Attempts,
				"error_kind", domain.ErrorKind(result.Err),
			)
			results = append(results, result)
		}
		afterID = batch[len(batch)-1].ID

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *VaultService) rotateEntry(ctx context.Context, entry *domain.KeyVaultEntry, oldKey, newKey KeyDeriver) domain.RotationResult {
	result := domain.RotationResult{
		EntryID:         entry.ID,
		OwnerIdentityID: entry.OwnerIdentityID,
		TenantID:        entry.TenantID,
	}

	switch entry.MasterKeyID {
	case newKey.KeyID():
		// 中断後の再実行
		if entry.StagedMasterKeyID != "" {
			s.clearStaged(ctx, entry.ID)
		}
		result.Status = domain.RotationSkipped
		return result
	case oldKey.KeyID():
	default:
		result.Status = domain.RotationFailed
		result.Err = domain.ErrWrongMasterKey
		return result
	}

	for attempt := 1; attempt <= s.cfg.RotationAttempts; attempt++ {
		result.Attempts = attempt
		err := s.rotateOnce(ctx, entry, oldKey, newKey)
		if err == nil {
			result.Status = domain.RotationMigrated
			result.Err = nil
			return result
		}
		result.Err = err
		s.clearStaged(ctx, entry.ID)

		// 鍵が合わない・壊れている場合は再試行しても変わらない
		if errors.Is(err, domain.ErrWrongMasterKey) || errors.Is(err, domain.ErrVaultCorrupt) || ctx.Err() != nil {
			break
		}
	}
	result.Status = domain.RotationFailed
	return result
}

func (s *VaultService) rotateOnce(ctx context.Context, entry *domain.KeyVaultEntry, oldKey, newKey KeyDeriver) error {
	scope := secret.NewScope()
	defer scope.Close()

	plain, err := s.unwrap(ctx, oldKey, entry.WrappedPrivateKey, entry.Salt, entry.KDF, entry.Owner(), entry.MasterKeyID)
	if err != nil {
		return err
	}
	scope.Track(plain)

	wrapped, salt, keyID, err := s.wrap(ctx, newKey, entry.Owner(), entry.KDF, plain.Bytes())
	if err != nil {
		return err
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VaultTimeout)
	defer cancel()

	if err := s.repo.StageRotation(vctx, entry.ID, wrapped, salt, keyID); err != nil {
		return vaultError("staging rotation", err)
	}

	staged, err := s.repo.FindByID(vctx, entry.ID)
	if err != nil {
		return vaultError("re-reading staged entry", err)
	}
	if staged == nil {
		return domain.ErrVaultNotFound
	}
	if staged.StagedMasterKeyID != keyID {
		return fmt.Errorf("staged master key id mismatch: got %q", staged.StagedMasterKeyID)
	}

	check, err := s.unwrap(ctx, newKey, staged.StagedWrappedPrivateKey, staged.StagedSalt, staged.KDF, staged.Owner(), staged.StagedMasterKeyID)
	if err != nil {
		return fmt.Errorf("verifying staged entry: %w", err)
	}
	scope.Track(check)
	if subtle.ConstantTimeCompare(check.Bytes(), plain.Bytes()) != 1 {
		return errors.New("staged entry does not round-trip")
	}

	promoted, err := s.repo.PromoteStaged(vctx, entry.ID, oldKey.KeyID(), s.now())
	if err != nil {
		return vaultError("promoting staged entry", err)
	}
	if !promoted {
		return errors.New("entry changed during rotation")
	}
	return nil
}

func (s *VaultService) clearStaged(ctx context.Context, id string) {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.VaultTimeout)
	defer cancel()
	if err := s.repo.ClearStaged(vctx, id); err != nil {
		slog.WarnContext(ctx, "failed to clear staged rotation",
			"operation", "rotate_all",
			"entry_id", id,
			"error", err,
		)
	}
}

// wrap はplaintextを新しいsaltから導出した鍵でXChaCha20-Poly1305により暗号化する。
// 戻り値の暗号文は nonce || ciphertext の形式。
func (s *VaultService) wrap(ctx context.Context, deriver KeyDeriver, owner domain.OwnerRef, params domain.KDFParams, plaintext []byte) (wrapped, salt []byte, keyID string, err error) {
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, "", fmt.Errorf("generating salt: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CryptoTimeout)
	defer cancel()
	key, keyID, err := deriver.DeriveKey(cctx, salt, params)
	if err != nil {
		return nil, nil, "", err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, nil, "", fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, "", fmt.Errorf("generating nonce: %w", err)
	}
	wrapped = aead.Seal(nonce, nonce, plaintext, wrapAAD(owner, keyID))
	return wrapped, salt, keyID, nil
}

// unwrap はwrapの逆。復号結果は保護領域に直接書き込む。
func (s *VaultService) unwrap(ctx context.Context, deriver KeyDeriver, wrapped, salt []byte, params domain.KDFParams, owner domain.OwnerRef, masterKeyID string) (*secret.Buffer, error) {
	if masterKeyID != deriver.KeyID() {
		return nil, domain.ErrWrongMasterKey
	}
	if len(wrapped) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: wrapped key too short", domain.ErrVaultCorrupt)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CryptoTimeout)
	defer cancel()
	key, keyID, err := deriver.DeriveKey(cctx, salt, params)
	if err != nil {
		return nil, err
	}
	defer key.Close()
	// 導出中にローテーションされた場合
	if keyID != masterKeyID {
		return nil, domain.ErrWrongMasterKey
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce, ciphertext := wrapped[:chacha20poly1305.NonceSizeX], wrapped[chacha20poly1305.NonceSizeX:]

	out, err := secret.New(len(ciphertext) - chacha20poly1305.Overhead)
	if err != nil {
		return nil, err
	}
	if _, err := aead.Open(out.Bytes()[:0], nonce, ciphertext, wrapAAD(owner, masterKeyID)); err != nil {
		out.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrVaultCorrupt, err)
	}
	return out, nil
}

// wrapAAD は暗号文をテナント・所有者・マスターキーIDに束縛する。各要素は長さを前置する。
func wrapAAD(owner domain.OwnerRef, masterKeyID string) []byte {
	return fmt.Appendf(nil, "pgp-vault/v1|%d:%s|%d:%s|%s",
		len(owner.TenantID), owner.TenantID,
		len(owner.IdentityID), owner.IdentityID,
		masterKeyID,
	)
}

// vaultError はタイムアウトをdomain.ErrVaultTimeoutに分類し、それ以外は文脈を付けて返す。
func vaultError(action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", domain.ErrVaultTimeout, action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
