package domain

import "time"

// maxClockSkew は発行時刻が未来を指している場合に許容する時計のずれ。
const maxClockSkew = time.Minute

// Session は外部の認証基盤が検証した呼び出し元の身元とテナントを表す。
// コアはこれを読むだけで、永続化しない。
type Session struct {
	IdentityID string
	TenantID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Validate はセッションが整形式かつ有効期限内かを確認する。
func (s *Session) Validate(now time.Time) error {
	if s == nil || s.IdentityID == "" || s.TenantID == "" {
		return ErrUnauthenticated
	}
	if s.IssuedAt.IsZero() || s.ExpiresAt.IsZero() {
		return ErrUnauthenticated
	}
	if s.ExpiresAt.Before(s.IssuedAt) {
		return ErrUnauthenticated
	}
	if !now.Before(s.ExpiresAt) {
		return ErrUnauthenticated
	}
	if s.IssuedAt.After(now.Add(maxClockSkew)) {
		return ErrUnauthenticated
	}
	return nil
}

// OwnerRef は保管庫エントリの所有者を指す。
type OwnerRef struct {
	IdentityID string
	TenantID   string
}

// Authorize はセッションが所有者本人のものかを確認する。
// 保管庫の状態を参照しないため、エントリの有無で結果が変わらない。
func (s *Session) Authorize(owner OwnerRef, now time.Time) error {
	if err := s.Validate(now); err != nil {
		return err
	}
	if owner.IdentityID == "" || owner.TenantID == "" {
		return ErrForbidden
	}
	if s.IdentityID != owner.IdentityID || s.TenantID != owner.TenantID {
		return ErrForbidden
	}
	return nil
}
