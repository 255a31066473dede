package handler

import (
	"errors"
	"net/http"
	"time"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/middleware"
	"pgp-vault-service/internal/secret"
	"pgp-vault-service/internal/usecase"
	"pgp-vault-service/pkg/httputil"
)

const maxKeyRequestBytes = 1 << 20

// VaultHandler はセッションのアイデンティティ自身の鍵を管理する。
type VaultHandler struct {
	vault *usecase.VaultService
}

// NewVaultHandler は新しいVaultHandlerを生成する。
func NewVaultHandler(vault *usecase.VaultService) *VaultHandler {
	return &VaultHandler{vault: vault}
}

// PutKeyRequest は秘密鍵登録リクエストの形式。
type PutKeyRequest struct {
	ArmoredPrivateKey string `json:"armored_private_key"`
	Passphrase        string `json:"passphrase,omitempty"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	OwnerID        string `json:"owner_id"`
	TenantID       string `json:"tenant_id"`
	KeyFingerprint string `json:"key_fingerprint"`
	Algorithm      string `json:"algorithm"`
	CreatedAt      string `json:"created_at"`
	RotatedAt      string `json:"rotated_at,omitempty"`
}

func toKeyMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		OwnerID:        m.OwnerIdentityID,
		TenantID:       m.TenantID,
		KeyFingerprint: m.KeyFingerprint,
		Algorithm:      m.Algorithm,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.RotatedAt != nil {
		resp.RotatedAt = m.RotatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

var keyImportFailure = errorResponse{http.StatusUnprocessableEntity, "INVALID_KEY", msgInvalidKey}

// PutKey はセッションのアイデンティティの秘密鍵を登録する。既存の鍵は置き換える。
func (h *VaultHandler) PutKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.SessionFromContext(ctx)
	audit := newAudit("PUT_KEY", session)
	if err := session.Validate(time.Now()); err != nil {
		writeServiceError(w, r, audit, err, keyImportFailure)
		return
	}
	audit.TargetOwnerID = session.IdentityID

	var req PutKeyRequest
	if err := httputil.DecodeJSON(w, r, maxKeyRequestBytes, &req); err != nil {
		httputil.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", msgInvalidRequest)
		return
	}
	passphrase := []byte(req.Passphrase)
	defer secret.Wipe(passphrase)

	metadata, err := h.vault.Put(ctx, usecase.PutKeyRequest{
		OwnerIdentityID:   session.IdentityID,
		TenantID:          session.TenantID,
		ArmoredPrivateKey: req.ArmoredPrivateKey,
		Passphrase:        passphrase,
	})
	if err != nil {
		writeServiceError(w, r, audit, err, keyImportFailure)
		return
	}

	audit.Result = middleware.ResultSuccess
	middleware.WriteAuditLog(ctx, audit)
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(metadata))
}

// GetKey はセッションのアイデンティティの鍵メタデータを返す。
func (h *VaultHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.SessionFromContext(ctx)
	audit := newAudit("GET_KEY", session)
	if err := session.Validate(time.Now()); err != nil {
		writeServiceError(w, r, audit, err, keyImportFailure)
		return
	}
	audit.TargetOwnerID = session.IdentityID

	metadata, err := h.vault.Metadata(ctx, session.IdentityID, session.TenantID)
	if err != nil {
		// 自分自身の鍵なので未登録であることを伝えてよい
		if errors.Is(err, domain.ErrVaultNotFound) {
			audit.Result = middleware.ResultFailed
			audit.ErrorKind = domain.ErrorKind(err)
			middleware.WriteAuditLog(ctx, audit)
			httputil.Error(w, r, http.StatusNotFound, "KEY_NOT_FOUND", "no key is stored for this identity")
			return
		}
		writeServiceError(w, r, audit, err, keyImportFailure)
		return
	}

	audit.Result = middleware.ResultSuccess
	middleware.WriteAuditLog(ctx, audit)
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(metadata))
}
