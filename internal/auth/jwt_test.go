package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/domain"
)

const testIssuer = "https://id.example.com"

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return pub, priv
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return token
}

func validClaims() *SessionClaims {
	now := time.Now()
	return &SessionClaims{
		TenantID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestJWTAuthenticator_Ed25519(t *testing.T) {
	pub, priv := newKeyPair(t)
	a, err := NewEd25519Authenticator(base64.StdEncoding.EncodeToString(pub), testIssuer)
	if err != nil {
		t.Fatalf("NewEd25519Authenticator failed: %v", err)
	}

	session, err := a.Authenticate(context.Background(), sign(t, jwt.SigningMethodEdDSA, priv, validClaims()))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if session.IdentityID != "alice" || session.TenantID != "acme" {
		t.Errorf("unexpected session %+v", session)
	}
	if session.ExpiresAt.Before(time.Now()) {
		t.Error("expected expiry in the future")
	}
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	pub, priv := newKeyPair(t)
	_, otherPriv := newKeyPair(t)
	a, err := NewEd25519Authenticator(base64.StdEncoding.EncodeToString(pub), testIssuer)
	if err != nil {
		t.Fatalf("NewEd25519Authenticator failed: %v", err)
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"empty", func() string { return "" }},
		{"garbage", func() string { return "not.a.jwt" }},
		{"wrong key", func() string { return sign(t, jwt.SigningMethodEdDSA, otherPriv, validClaims()) }},
		{"wrong issuer", func() string {
			c := validClaims()
			c.Issuer = "https://evil.example.com"
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"expired", func() string {
			c := validClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"no expiry", func() string {
			c := validClaims()
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"issued in the future", func() string {
			c := validClaims()
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(10 * time.Minute))
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"no issued at", func() string {
			c := validClaims()
			c.IssuedAt = nil
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"no subject", func() string {
			c := validClaims()
			c.Subject = ""
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		{"no tenant", func() string {
			c := validClaims()
			c.TenantID = ""
			return sign(t, jwt.SigningMethodEdDSA, priv, c)
		}},
		// 公開鍵をHMACの鍵として使う攻撃
		{"algorithm confusion", func() string {
			return sign(t, jwt.SigningMethodHS256, []byte(pub), validClaims())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := a.Authenticate(context.Background(), tt.token())
			if !errors.Is(err, domain.ErrUnauthenticated) {
				t.Errorf("expected ErrUnauthenticated, got %v", err)
			}
			if session != nil {
				t.Error("expected no session")
			}
		})
	}
}

func TestJWTAuthenticator_HMAC(t *testing.T) {
	secret := []byte("development-only-hmac-secret")
	a := NewHMACAuthenticator(secret, testIssuer)

	session, err := a.Authenticate(context.Background(), sign(t, jwt.SigningMethodHS256, secret, validClaims()))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if session.IdentityID != "alice" {
		t.Errorf("expected identity alice, got %s", session.IdentityID)
	}

	if _, err := a.Authenticate(context.Background(), sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims())); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for wrong secret, got %v", err)
	}
}

func TestNewEd25519Authenticator_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base64", "%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"bad pem", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEd25519Authenticator(tt.key, testIssuer)
			var configErr *domain.ConfigError
			if !errors.As(err, &configErr) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	pub, _ := newKeyPair(t)

	a, err := NewFromConfig(&config.Config{Profile: config.ProfileProduction, SessionIssuer: testIssuer, SessionJWTPublicKey: base64.StdEncoding.EncodeToString(pub)})
	if err != nil || a.method != jwt.SigningMethodEdDSA {
		t.Errorf("expected EdDSA authenticator, got %v, %v", a, err)
	}

	a, err = NewFromConfig(&config.Config{Profile: config.ProfileDevelopment, SessionIssuer: testIssuer, SessionJWTHMACSecret: "dev"})
	if err != nil || a.method != jwt.SigningMethodHS256 {
		t.Errorf("expected HS256 authenticator, got %v, %v", a, err)
	}

	// 本番ではHMACを使わない
	_, err = NewFromConfig(&config.Config{Profile: config.ProfileProduction, SessionIssuer: testIssuer, SessionJWTHMACSecret: "dev"})
	var configErr *domain.ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("expected ConfigError in production, got %v", err)
	}
}
