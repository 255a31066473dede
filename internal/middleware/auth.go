package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/pkg/httputil"
)

type sessionKey struct{}

// Authenticator はベアラートークンを検証する。*auth.JWTAuthenticator が実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Session, error)
}

// Authenticate はAuthorizationヘッダーを検証し、セッションをコンテキストに格納する。
// 検証に失敗した場合は401を返し、後続のハンドラを呼ばない。
func Authenticate(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := a.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				slog.WarnContext(r.Context(), "request authentication failed",
					"request_id", chimiddleware.GetReqID(r.Context()),
					"error_kind", domain.ErrorKind(err),
					"error", err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="pgp-vault"`)
				httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithSession はセッションを格納したコンテキストを返す。
func WithSession(ctx context.Context, s *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext はコンテキストのセッションを返す。なければnil。
func SessionFromContext(ctx context.Context) *domain.Session {
	s, _ := ctx.Value(sessionKey{}).(*domain.Session)
	return s
}
