package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/pgp"
	"pgp-vault-service/internal/secret"
)

// KeyVault は復号・署名に必要な保管庫操作のインターフェース。
type KeyVault interface {
	Get(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyVaultEntry, error)
	Unwrap(ctx context.Context, entry *domain.KeyVaultEntry) (*secret.Buffer, error)
}

// DecryptionService はサーバー側でのメール復号を提供する。
type DecryptionService struct {
	vault   KeyVault
	maxSize int

	// newScope は操作ごとの機密データ管理単位を生成する。テストで差し替える。
	newScope func() *secret.Scope
	now      func() time.Time
}

// NewDecryptionService は新しいDecryptionServiceを生成する。
func NewDecryptionService(vault KeyVault) *DecryptionService {
	return &DecryptionService{
		vault:    vault,
		maxSize:  pgp.DefaultMaxMessageSize,
		newScope: secret.NewScope,
		now:      time.Now,
	}
}

// Decrypt はセッションを検証し、対象アイデンティティの秘密鍵でメッセージを復号する。
// 秘密鍵と中間データは成功・失敗にかかわらず戻る前に消去する。
// 返されたDecryptedMessageは呼び出し側がCloseする。
func (s *DecryptionService) Decrypt(ctx context.Context, session *domain.Session, target domain.OwnerRef, msg domain.EncryptedMessage) (*domain.DecryptedMessage, error) {
	scope := s.newScope()
	defer scope.Close()

	if session != nil && target.TenantID == "" {
		target.TenantID = session.TenantID
	}
	if err := session.Authorize(target, s.now()); err != nil {
		return nil, err
	}

	entity, entry, err := openPrivateKey(ctx, s.vault, scope, target)
	if err != nil {
		return nil, err
	}

	if len(msg.RecipientFingerprints) > 0 && !containsFingerprint(msg.RecipientFingerprints, entry.KeyFingerprint) {
		return nil, fmt.Errorf("%w: message is not addressed to this key", domain.ErrDecryptionFailed)
	}

	signers, err := pgp.ParsePublicKeys(msg.SignerPublicKeys)
	if err != nil {
		return nil, err
	}
	keyring := append(openpgp.EntityList{entity}, signers...)

	result, err := pgp.Decrypt(msg.Armored, keyring, s.maxSize)
	if err != nil {
		return nil, err
	}
	plaintext := scope.Track(result.Plaintext)

	if result.Signed && !result.SignatureValid {
		slog.WarnContext(ctx, "message signature could not be verified",
			"operation", "decrypt",
			"tenant_id", target.TenantID,
			"identity_id", target.IdentityID,
			"error_kind", domain.ErrorKind(domain.ErrSignatureInvalid),
			"signer_key_id", result.SignerKeyID,
			"signer_fingerprint", result.SignerFingerprint,
		)
	}

	return &domain.DecryptedMessage{
		Plaintext:         scope.Release(plaintext),
		Signed:            result.Signed,
		SignatureValid:    result.SignatureValid,
		SignerFingerprint: result.SignerFingerprint,
		SignerKeyID:       result.SignerKeyID,
	}, nil
}

// openPrivateKey は認可済みの所有者の鍵を取得・展開する。
// 展開した鍵と解析済みの鍵はscopeに登録され、scopeのCloseで消去される。
func openPrivateKey(ctx context.Context, vault KeyVault, scope *secret.Scope, owner domain.OwnerRef) (*openpgp.Entity, *domain.KeyVaultEntry, error) {
	entry, err := vault.Get(ctx, owner.IdentityID, owner.TenantID)
	if err != nil {
		return nil, nil, err
	}

	keyBuf, err := vault.Unwrap(ctx, entry)
	if err != nil {
		return nil, nil, err
	}
	scope.Track(keyBuf)

	entity, err := pgp.ReadPrivateKey(keyBuf)
	if err != nil {
		return nil, nil, err
	}
	scope.Defer(func() { pgp.Wipe(entity) })
	return entity, entry, nil
}

func containsFingerprint(fingerprints []string, want string) bool {
	for _, fp := range fingerprints {
		if strings.EqualFold(strings.ReplaceAll(fp, " ", ""), want) {
			return true
		}
	}
	return false
}
