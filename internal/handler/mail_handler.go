// Package handler はHTTPハンドラを提供する。
package handler

import (
	"net/http"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/middleware"
	"pgp-vault-service/internal/secret"
	"pgp-vault-service/internal/usecase"
	"pgp-vault-service/pkg/httputil"
)

// アーマーは本文の約4/3倍になる。
const maxMailRequestBytes = 48 << 20

// MailHandler はメールの復号・暗号化を提供する。
type MailHandler struct {
	decrypt *usecase.DecryptionService
	encrypt *usecase.EncryptionService
}

// NewMailHandler は新しいMailHandlerを生成する。
func NewMailHandler(decrypt *usecase.DecryptionService, encrypt *usecase.EncryptionService) *MailHandler {
	return &MailHandler{decrypt: decrypt, encrypt: encrypt}
}

// DecryptRequest は復号リクエストの形式。
type DecryptRequest struct {
	ArmoredCiphertext     string   `json:"armored_ciphertext"`
	TargetOwnerID         string   `json:"target_owner_id"`
	TargetTenantID        string   `json:"target_tenant_id,omitempty"`
	RecipientFingerprints []string `json:"recipient_fingerprints,omitempty"`
	SignerPublicKeys      []string `json:"signer_public_keys,omitempty"`
}

// DecryptResponse は復号レスポンスの形式。plaintextはbase64。
type DecryptResponse struct {
	Plaintext         []byte `json:"plaintext"`
	Signed            bool   `json:"signed"`
	SignatureValid    bool   `json:"signature_valid"`
	SignerFingerprint string `json:"signer_fingerprint,omitempty"`
	SignerKeyID       string `json:"signer_key_id,omitempty"`
}

// SignAs は署名に使う鍵の所有者。
type SignAs struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

// EncryptRequest は暗号化リクエストの形式。plaintextはbase64。
type EncryptRequest struct {
	Plaintext           []byte   `json:"plaintext"`
	RecipientPublicKeys []string `json:"recipient_public_keys"`
	SignAs              *SignAs  `json:"sign_as,omitempty"`
}

// EncryptResponse は暗号化レスポンスの形式。
type EncryptResponse struct {
	ArmoredCiphertext     string   `json:"armored_ciphertext"`
	RecipientFingerprints []string `json:"recipient_fingerprints"`
}

var (
	decryptFailure = errorResponse{http.StatusUnprocessableEntity, "DECRYPTION_FAILED", msgDecryptionFailed}
	encryptFailure = errorResponse{http.StatusUnprocessableEntity, "ENCRYPTION_FAILED", msgEncryptionFailed}
)

// Decrypt はセッションのアイデンティティ宛てのメッセージを復号する。
func (h *MailHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.SessionFromContext(ctx)
	audit := newAudit("DECRYPT", session)

	var req DecryptRequest
	if err := httputil.DecodeJSON(w, r, maxMailRequestBytes, &req); err != nil {
		httputil.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", msgInvalidRequest)
		return
	}
	if req.TargetOwnerID == "" || req.ArmoredCiphertext == "" {
		httputil.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "armored_ciphertext and target_owner_id are required")
		return
	}
	audit.TargetOwnerID = req.TargetOwnerID

	msg, err := h.decrypt.Decrypt(ctx, session,
		domain.OwnerRef{IdentityID: req.TargetOwnerID, TenantID: req.TargetTenantID},
		domain.EncryptedMessage{
			Armored:               req.ArmoredCiphertext,
			RecipientFingerprints: req.RecipientFingerprints,
			SignerPublicKeys:      req.SignerPublicKeys,
		},
	)
	if err != nil {
		writeServiceError(w, r, audit, err, decryptFailure)
		return
	}
	defer msg.Close()

	audit.Result = middleware.ResultSuccess
	if msg.Signed && !msg.SignatureValid {
		audit.ErrorKind = domain.ErrorKind(domain.ErrSignatureInvalid)
	}
	middleware.WriteAuditLog(ctx, audit)

	httputil.JSON(w, http.StatusOK, DecryptResponse{
		Plaintext:         msg.Plaintext.Bytes(),
		Signed:            msg.Signed,
		SignatureValid:    msg.SignatureValid,
		SignerFingerprint: msg.SignerFingerprint,
		SignerKeyID:       msg.SignerKeyID,
	})
}

// Encrypt は受信者の公開鍵宛てにメッセージを暗号化する。sign_asがあれば署名する。
func (h *MailHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.SessionFromContext(ctx)
	audit := newAudit("ENCRYPT", session)

	var req EncryptRequest
	if err := httputil.DecodeJSON(w, r, maxMailRequestBytes, &req); err != nil {
		httputil.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", msgInvalidRequest)
		return
	}
	defer secret.Wipe(req.Plaintext)

	in := domain.EncryptRequest{
		Plaintext:           req.Plaintext,
		RecipientPublicKeys: req.RecipientPublicKeys,
	}
	if req.SignAs != nil {
		in.SignAs = &domain.OwnerRef{IdentityID: req.SignAs.OwnerID, TenantID: req.SignAs.TenantID}
		audit.TargetOwnerID = req.SignAs.OwnerID
	}

	out, err := h.encrypt.Encrypt(ctx, session, in)
	if err != nil {
		writeServiceError(w, r, audit, err, encryptFailure)
		return
	}

	audit.Result = middleware.ResultSuccess
	middleware.WriteAuditLog(ctx, audit)
	httputil.JSON(w, http.StatusOK, EncryptResponse{
		ArmoredCiphertext:     out.Armored,
		RecipientFingerprints: out.RecipientFingerprints,
	})
}
