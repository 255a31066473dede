// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの項目。鍵素材や平文は含めない。
type AuditLog struct {
	Operation     string
	TenantID      string
	IdentityID    string
	TargetOwnerID string
	Result        string
	ErrorKind     string
}

// WriteAuditLog は監査ログを出力する。
func WriteAuditLog(ctx context.Context, entry AuditLog) {
	attrs := []any{
		"operation", entry.Operation,
		"tenant_id", entry.TenantID,
		"identity_id", entry.IdentityID,
		"result", entry.Result,
		"request_id", chimiddleware.GetReqID(ctx),
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if entry.TargetOwnerID != "" {
		attrs = append(attrs, "target_owner_id", entry.TargetOwnerID)
	}
	if entry.ErrorKind != "" {
		attrs = append(attrs, "error_kind", entry.ErrorKind)
	}
	slog.InfoContext(ctx, "vault operation completed", attrs...)
}

// RequestLogger はリクエストごとにメソッド・パス・ステータス・所要時間を出力する。
// ボディやヘッダーは出力しない。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
			"remote_ip", r.RemoteAddr,
		)
	})
}
