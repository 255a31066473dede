package handler

import (
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/middleware"
	"pgp-vault-service/pkg/httputil"
)

// クライアントに返すメッセージ。失敗の詳細はサーバー側のログにのみ出力する。
const (
	msgUnauthenticated  = "authentication required"
	msgAccessDenied     = "request could not be authorized"
	msgUnavailable      = "service temporarily unavailable"
	msgInternal         = "internal server error"
	msgInvalidRequest   = "invalid request"
	msgDecryptionFailed = "message could not be decrypted"
	msgEncryptionFailed = "message could not be encrypted"
	msgInvalidKey       = "private key could not be imported"
)

// errorResponse はエラーに対応するHTTPステータスとコードを表す。
type errorResponse struct {
	status  int
	code    string
	message string
}

// classifyError はサービスのエラーをレスポンスに変換する。
// 未登録と他者のエントリは同じ403になり、存在の有無を区別できない。
// 入力不正・復号失敗・未対応アルゴリズムはinputFailureにまとめる。
func classifyError(err error, inputFailure errorResponse) errorResponse {
	var authErr *domain.AuthError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return errorResponse{http.StatusUnauthorized, "UNAUTHENTICATED", msgUnauthenticated}
	case errors.As(err, &authErr), errors.Is(err, domain.ErrVaultNotFound):
		return errorResponse{http.StatusForbidden, "ACCESS_DENIED", msgAccessDenied}
	case errors.Is(err, domain.ErrMalformedInput),
		errors.Is(err, domain.ErrDecryptionFailed),
		errors.Is(err, domain.ErrUnsupportedAlgorithm),
		errors.Is(err, domain.ErrPrivateKeyLocked):
		return inputFailure
	case domain.IsRetryable(err):
		return errorResponse{http.StatusServiceUnavailable, "TEMPORARILY_UNAVAILABLE", msgUnavailable}
	default:
		return errorResponse{http.StatusInternalServerError, "INTERNAL_ERROR", msgInternal}
	}
}

// writeServiceError はエラーをログと監査ログに記録し、レスポンスを返す。
func writeServiceError(w http.ResponseWriter, r *http.Request, audit middleware.AuditLog, err error, inputFailure errorResponse) {
	ctx := r.Context()
	resp := classifyError(err, inputFailure)

	kind := domain.ErrorKind(err)
	level := slog.LevelWarn
	if resp.status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "vault operation failed",
		"operation", audit.Operation,
		"request_id", chimiddleware.GetReqID(ctx),
		"error_kind", kind,
		"error", err,
	)

	audit.Result = middleware.ResultFailed
	audit.ErrorKind = kind
	middleware.WriteAuditLog(ctx, audit)

	if resp.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httputil.Error(w, r, resp.status, resp.code, resp.message)
}

// newAudit はセッションから監査ログの共通項目を埋める。
func newAudit(operation string, session *domain.Session) middleware.AuditLog {
	audit := middleware.AuditLog{Operation: operation}
	if session != nil {
		audit.TenantID = session.TenantID
		audit.IdentityID = session.IdentityID
	}
	return audit
}
