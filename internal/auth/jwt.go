// Package auth は外部の認証基盤が発行したベアラートークンを検証し、domain.Sessionに変換する。
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/domain"
)

// clockSkew は有効期限・発行時刻の検証で許容する時計のずれ。
const clockSkew = 30 * time.Second

// SessionClaims はセッショントークンのクレーム。subがアイデンティティ、tidがテナント。
type SessionClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// JWTAuthenticator はセッショントークンを検証する。
type JWTAuthenticator struct {
	key    any
	method jwt.SigningMethod
	issuer string
	now    func() time.Time
}

// NewEd25519Authenticator はEdDSA署名のトークンを検証するAuthenticatorを生成する。
// publicKeyは32バイトの公開鍵のbase64、またはPEM形式。
func NewEd25519Authenticator(publicKey, issuer string) (*JWTAuthenticator, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, &domain.ConfigError{Field: "SESSION_JWT_PUBLIC_KEY", Reason: err.Error()}
	}
	return &JWTAuthenticator{key: pub, method: jwt.SigningMethodEdDSA, issuer: issuer, now: time.Now}, nil
}

// NewHMACAuthenticator はHS256のトークンを検証するAuthenticatorを生成する。開発用。
func NewHMACAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{key: secret, method: jwt.SigningMethodHS256, issuer: issuer, now: time.Now}
}

// NewFromConfig は設定に応じたAuthenticatorを生成する。公開鍵が設定されていればそれを優先する。
func NewFromConfig(cfg *config.Config) (*JWTAuthenticator, error) {
	if cfg.SessionJWTPublicKey != "" {
		return NewEd25519Authenticator(cfg.SessionJWTPublicKey, cfg.SessionIssuer)
	}
	if cfg.IsProduction() {
		return nil, &domain.ConfigError{Field: "SESSION_JWT_PUBLIC_KEY", Reason: "required in production"}
	}
	if cfg.SessionJWTHMACSecret == "" {
		return nil, &domain.ConfigError{Field: "SESSION_JWT_PUBLIC_KEY", Reason: "a session verification key is required"}
	}
	return NewHMACAuthenticator([]byte(cfg.SessionJWTHMACSecret), cfg.SessionIssuer), nil
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(s))
		if err != nil {
			return nil, err
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("not an Ed25519 public key")
		}
		return pub, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d byte key, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Authenticate はトークンを検証してセッションを返す。
// 失敗理由にかかわらずdomain.ErrUnauthenticatedを返す。
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if claims.IssuedAt == nil || claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing required claims", domain.ErrUnauthenticated)
	}

	session := &domain.Session{
		IdentityID: claims.Subject,
		TenantID:   claims.TenantID,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	if err := session.Validate(a.now()); err != nil {
		return nil, err
	}
	return session, nil
}
