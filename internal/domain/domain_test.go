package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgp-vault-service/internal/secret"
)

func TestSession_Validate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	valid := Session{IdentityID: "alice", TenantID: "acme", IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)}

	tests := []struct {
		name    string
		mutate  func(s *Session)
		wantErr bool
	}{
		{"valid", func(s *Session) {}, false},
		{"missing identity", func(s *Session) { s.IdentityID = "" }, true},
		{"missing tenant", func(s *Session) { s.TenantID = "" }, true},
		{"zero issued at", func(s *Session) { s.IssuedAt = time.Time{} }, true},
		{"zero expires at", func(s *Session) { s.ExpiresAt = time.Time{} }, true},
		{"expired", func(s *Session) { s.ExpiresAt = now.Add(-time.Second) }, true},
		{"expires now", func(s *Session) { s.ExpiresAt = now }, true},
		{"expires before issued", func(s *Session) { s.IssuedAt = now.Add(2 * time.Hour) }, true},
		{"issued slightly in the future", func(s *Session) { s.IssuedAt = now.Add(30 * time.Second) }, false},
		{"issued far in the future", func(s *Session) { s.IssuedAt = now.Add(2 * time.Minute) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate(now)
			if tt.wantErr && !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("want ErrUnauthenticated, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	var nilSession *Session
	if err := nilSession.Validate(now); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("want ErrUnauthenticated for nil session, got %v", err)
	}
}

func TestSession_Authorize(t *testing.T) {
	now := time.Now()
	s := &Session{IdentityID: "alice", TenantID: "acme", IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)}

	if err := s.Authorize(OwnerRef{IdentityID: "alice", TenantID: "acme"}, now); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, owner := range []OwnerRef{
		{IdentityID: "bob", TenantID: "acme"},
		{IdentityID: "alice", TenantID: "globex"},
		{IdentityID: "", TenantID: "acme"},
		{IdentityID: "alice", TenantID: ""},
	} {
		if err := s.Authorize(owner, now); !errors.Is(err, ErrForbidden) {
			t.Errorf("Authorize(%+v): want ErrForbidden, got %v", owner, err)
		}
	}

	expired := *s
	expired.ExpiresAt = now.Add(-time.Second)
	if err := expired.Authorize(OwnerRef{IdentityID: "alice", TenantID: "acme"}, now); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("want ErrUnauthenticated for expired session, got %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrUnauthenticated, "auth.unauthenticated"},
		{ErrForbidden, "auth.forbidden"},
		{fmt.Errorf("%w: %w", ErrVaultNotFound, errors.New("record not found")), "vault.not_found"},
		{fmt.Errorf("unwrapping: %w", ErrWrongMasterKey), "vault.wrong_master_key"},
		{ErrDecryptionFailed, "crypto.decryption_failed"},
		{fmt.Errorf("%w: %w", ErrCryptoTimeout, context.DeadlineExceeded), "crypto.timeout"},
		{&ConfigError{Field: "VAULT_MASTER_SECRET", Reason: "required"}, "config"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("%w: %w", ErrVaultTimeout, context.DeadlineExceeded)) {
		t.Error("vault timeout should be retryable")
	}
	if !IsRetryable(ErrCryptoTimeout) {
		t.Error("crypto timeout should be retryable")
	}
	for _, err := range []error{ErrVaultCorrupt, ErrDecryptionFailed, ErrForbidden, nil} {
		if IsRetryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestDecryptedMessage_Close(t *testing.T) {
	buf, err := secret.NewFromBytes([]byte("plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	msg := &DecryptedMessage{Plaintext: buf}
	if err := msg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !buf.Closed() {
		t.Error("Close must wipe the plaintext")
	}

	var nilMsg *DecryptedMessage
	if err := nilMsg.Close(); err != nil {
		t.Errorf("Close on nil message: %v", err)
	}
}
