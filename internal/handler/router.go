package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pgp-vault-service/internal/middleware"
)

// RouterConfig はルーターの設定。
type RouterConfig struct {
	Authenticator middleware.Authenticator
	// RateLimiter がnilの場合、流量制限を行わない。
	RateLimiter *middleware.RateLimiter
	// ServiceName が空でなければotelhttpでトレースする。
	ServiceName string
}

// NewRouter はルーターを生成する。
func NewRouter(mail *MailHandler, vault *VaultHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Authenticator))

		r.Group(func(r chi.Router) {
			if cfg.RateLimiter != nil {
				r.Use(cfg.RateLimiter.Middleware)
			}
			r.Post("/mail/decrypt", mail.Decrypt)
			r.Post("/mail/encrypt", mail.Encrypt)
		})

		r.Put("/vault/key", vault.PutKey)
		r.Get("/vault/key", vault.GetKey)
	})

	if cfg.ServiceName != "" {
		return otelhttp.NewHandler(r, cfg.ServiceName)
	}
	return r
}
