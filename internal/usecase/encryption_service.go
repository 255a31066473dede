package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/pgp"
	"pgp-vault-service/internal/secret"
)

// EncryptionService はサーバー側でのメール暗号化（任意で署名）を提供する。
type EncryptionService struct {
	vault    KeyVault
	newScope func() *secret.Scope
	now      func() time.Time
}

// NewEncryptionService は新しいEncryptionServiceを生成する。
func NewEncryptionService(vault KeyVault) *EncryptionService {
	return &EncryptionService{
		vault:    vault,
		newScope: secret.NewScope,
		now:      time.Now,
	}
}

// Encrypt は全受信者宛ての1つのメッセージを作成する。
// SignAsが指定されていれば、その所有者の鍵で署名する。署名鍵は戻る前に消去する。
func (s *EncryptionService) Encrypt(ctx context.Context, session *domain.Session, req domain.EncryptRequest) (*domain.EncryptedMessage, error) {
	scope := s.newScope()
	defer scope.Close()

	now := s.now()
	if err := session.Validate(now); err != nil {
		return nil, err
	}

	if len(req.RecipientPublicKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrMalformedInput)
	}
	recipients, err := pgp.ParsePublicKeys(req.RecipientPublicKeys)
	if err != nil {
		return nil, err
	}
	for _, r := range recipients {
		if _, ok := r.EncryptionKey(now); !ok {
			return nil, fmt.Errorf("%w: recipient %s has no usable encryption key", domain.ErrUnsupportedAlgorithm, pgp.Fingerprint(r))
		}
	}

	var signer *openpgp.Entity
	if req.SignAs != nil {
		owner := *req.SignAs
		if owner.TenantID == "" {
			owner.TenantID = session.TenantID
		}
		if err := session.Authorize(owner, now); err != nil {
			return nil, err
		}
		signer, _, err = openPrivateKey(ctx, s.vault, scope, owner)
		if err != nil {
			return nil, err
		}
	}

	armored, err := pgp.Encrypt(req.Plaintext, recipients, signer)
	if err != nil {
		return nil, err
	}

	fingerprints := make([]string, len(recipients))
	for i, r := range recipients {
		fingerprints[i] = pgp.Fingerprint(r)
	}
	return &domain.EncryptedMessage{Armored: armored, RecipientFingerprints: fingerprints}, nil
}
