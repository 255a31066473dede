// Package masterkey はプロセス全体で1つのマスターシークレットを管理し、
// エントリごとの鍵ラップ用の鍵を導出する。
//
// マスターシークレットはmemguard.Enclaveに暗号化して保持し、導出時のみ短時間開く。
// 読み取りはRLockでスナップショットを取り、ローテーションは排他ロックで差し替える。
package masterkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/secret"
)

const (
	// KeySize は導出する鍵のバイト長（XChaCha20-Poly1305の鍵長）。
	KeySize = 32

	// MinSecretLength はマスターシークレットの最小バイト長。
	MinSecretLength = 16

	keyIDLength = 8
)

// キーIDはシークレットから固定ラベルで導出する。設定値に依存させない。
var keyIDLabel = []byte("pgp-vault/master-key-id/v1")

const (
	keyIDTime      = 2
	keyIDMemoryKiB = 19 * 1024
	keyIDThreads   = 1
)

// ErrUnchanged は再読み込みしたシークレットが現在のものと同じ場合に返す。
var ErrUnchanged = errors.New("master secret unchanged")

// Manager はマスターシークレットを保持する。ゼロ値は使用できない。
type Manager struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	keyID   string
}

// Load はsrcからマスターシークレットを読み込みManagerを生成する。
// 取得元の欠落・空・短すぎるシークレットはすべて*domain.ConfigErrorとなる。
func Load(ctx context.Context, src Source) (*Manager, error) {
	if src == nil {
		return nil, &domain.ConfigError{Field: EnvVar, Reason: "no master secret source configured"}
	}

	buf, err := src.Load(ctx)
	if err != nil {
		return nil, &domain.ConfigError{Field: src.Name(), Reason: fmt.Sprintf("loading master secret: %v", err)}
	}
	defer buf.Close()

	if buf.Len() == 0 {
		return nil, &domain.ConfigError{Field: src.Name(), Reason: "master secret is empty"}
	}
	if buf.Len() < MinSecretLength {
		return nil, &domain.ConfigError{Field: src.Name(), Reason: fmt.Sprintf("master secret must be at least %d bytes", MinSecretLength)}
	}
	return newManager(buf.Bytes()), nil
}

// NewDevelopmentManager はプロセスごとにランダムなシークレットを生成する。
// 本番プロファイルでは使用できない。再起動すると以前のエントリは復号できなくなる。
func NewDevelopmentManager(ctx context.Context, production bool) (*Manager, error) {
	if production {
		return nil, &domain.ConfigError{Field: "VAULT_DEV_PLACEHOLDER", Reason: "not allowed in production"}
	}

	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating development secret: %w", err)
	}
	m := newManager(raw)

	slog.WarnContext(ctx, "using ephemeral development master secret; vault entries will not survive a restart",
		slog.String("master_key_id", m.KeyID()),
	)
	return m, nil
}

// newManager はsecretBytesを封印する。secretBytesはゼロ埋めされる。
func newManager(secretBytes []byte) *Manager {
	keyID := computeKeyID(secretBytes)
	return &Manager{
		enclave: memguard.NewEnclave(secretBytes),
		keyID:   keyID,
	}
}

// KeyID は現在のマスターシークレットの識別子を返す。秘密情報は含まない。
func (m *Manager) KeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyID
}

// Rotate はマスターシークレットを差し替える。newSecretはゼロ埋めされる。
// キーIDの計算はロック外で行い、差し替えのみ排他ロック下で行う。
func (m *Manager) Rotate(newSecret []byte) error {
	if len(newSecret) < MinSecretLength {
		secret.Wipe(newSecret)
		return &domain.ConfigError{Field: EnvVar, Reason: fmt.Sprintf("master secret must be at least %d bytes", MinSecretLength)}
	}

	next := newManager(newSecret)

	m.mu.Lock()
	m.enclave, m.keyID = next.enclave, next.keyID
	m.mu.Unlock()
	return nil
}

// Reload はsrcからシークレットを読み直して差し替える。
// 読み込みに失敗した場合は現在のシークレットを維持する。
// 取得元の値が変わっていなければErrUnchangedを返す。
func (m *Manager) Reload(ctx context.Context, src Source) error {
	if src == nil {
		return &domain.ConfigError{Field: EnvVar, Reason: "no master secret source configured"}
	}
	buf, err := src.Load(ctx)
	if err != nil {
		return &domain.ConfigError{Field: src.Name(), Reason: fmt.Sprintf("loading master secret: %v", err)}
	}
	defer buf.Close()

	if buf.Len() < MinSecretLength {
		return &domain.ConfigError{Field: src.Name(), Reason: fmt.Sprintf("master secret must be at least %d bytes", MinSecretLength)}
	}
	next := newManager(buf.Bytes())

	m.mu.Lock()
	defer m.mu.Unlock()
	if next.keyID == m.keyID {
		return ErrUnchanged
	}
	m.enclave, m.keyID = next.enclave, next.keyID
	return nil
}

// DeriveKey はエントリのsaltとパラメータからArgon2idで鍵を導出する。
// 導出に使ったスナップショットのキーIDも返す。
// ctxの期限を超えた場合はdomain.ErrCryptoTimeoutを返し、遅れて得られた鍵は消去する。
func (m *Manager) DeriveKey(ctx context.Context, salt []byte, params domain.KDFParams) (*secret.Buffer, string, error) {
	if err := validateParams(params); err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", domain.ErrCryptoTimeout, err)
	}

	m.mu.RLock()
	enclave, keyID := m.enclave, m.keyID
	m.mu.RUnlock()

	type result struct {
		key *secret.Buffer
		err error
	}
	done := make(chan result, 1)

	go func() {
		view, err := enclave.Open()
		if err != nil {
			done <- result{err: fmt.Errorf("opening master secret: %w", err)}
			return
		}
		derived := argon2.IDKey(view.Bytes(), salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
		view.Destroy()

		key, err := secret.NewFromBytes(derived)
		done <- result{key: key, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, "", r.err
		}
		return r.key, keyID, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			r.key.Close()
		}()
		return nil, "", fmt.Errorf("%w: %w", domain.ErrCryptoTimeout, ctx.Err())
	}
}

func validateParams(params domain.KDFParams) error {
	if params.Time < 1 || params.Threads < 1 || params.MemoryKiB < 8*uint32(params.Threads) {
		return fmt.Errorf("%w: invalid kdf parameters", domain.ErrVaultCorrupt)
	}
	return nil
}

func computeKeyID(secretBytes []byte) string {
	tag := argon2.IDKey(secretBytes, keyIDLabel, keyIDTime, keyIDMemoryKiB, keyIDThreads, keyIDLength)
	return hex.EncodeToString(tag)
}
