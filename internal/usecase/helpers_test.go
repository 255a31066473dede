package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/google/uuid"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/masterkey"
	"pgp-vault-service/internal/pgp/pgptest"
	"pgp-vault-service/internal/secret"
)

var testKDF = domain.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

// mockVaultRepository はテスト用のモック。並行アクセスに備えてmutexで保護する。
type mockVaultRepository struct {
	mu      sync.Mutex
	entries map[string]*domain.KeyVaultEntry

	blockFind      bool
	stageFailures  int
	corruptStaging bool
}

func newMockVaultRepository() *mockVaultRepository {
	return &mockVaultRepository{entries: make(map[string]*domain.KeyVaultEntry)}
}

func cloneEntry(e *domain.KeyVaultEntry) *domain.KeyVaultEntry {
	c := *e
	c.WrappedPrivateKey = append([]byte(nil), e.WrappedPrivateKey...)
	c.Salt = append([]byte(nil), e.Salt...)
	c.StagedWrappedPrivateKey = append([]byte(nil), e.StagedWrappedPrivateKey...)
	c.StagedSalt = append([]byte(nil), e.StagedSalt...)
	return &c
}

func (m *mockVaultRepository) FindByOwner(ctx context.Context, ownerIdentityID, tenantID string) (*domain.KeyVaultEntry, error) {
	if m.blockFind {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.OwnerIdentityID == ownerIdentityID && e.TenantID == tenantID {
			return cloneEntry(e), nil
		}
	}
	return nil, nil
}

func (m *mockVaultRepository) FindByID(ctx context.Context, id string) (*domain.KeyVaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return cloneEntry(e), nil
	}
	return nil, nil
}

func (m *mockVaultRepository) Upsert(ctx context.Context, entry *domain.KeyVaultEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, e := range m.entries {
		if e.OwnerIdentityID == entry.OwnerIdentityID && e.TenantID == entry.TenantID {
			entry.ID = id
			entry.CreatedAt = e.CreatedAt
			entry.UpdatedAt = now
			m.entries[id] = cloneEntry(entry)
			return nil
		}
	}
	entry.ID = uuid.New().String()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (m *mockVaultRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.KeyVaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.entries {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*domain.KeyVaultEntry, len(ids))
	for i, id := range ids {
		out[i] = cloneEntry(m.entries[id])
	}
	return out, nil
}

func (m *mockVaultRepository) StageRotation(ctx context.Context, id string, wrapped, salt []byte, masterKeyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stageFailures > 0 {
		m.stageFailures--
		return errors.New("connection reset")
	}
	e, ok := m.entries[id]
	if !ok {
		return errors.New("no such entry")
	}
	e.StagedWrappedPrivateKey = append([]byte(nil), wrapped...)
	if m.corruptStaging {
		e.StagedWrappedPrivateKey[len(e.StagedWrappedPrivateKey)-1] ^= 0xff
	}
	e.StagedSalt = append([]byte(nil), salt...)
	e.StagedMasterKeyID = masterKeyID
	return nil
}

func (m *mockVaultRepository) PromoteStaged(ctx context.Context, id, expectedMasterKeyID string, rotatedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.MasterKeyID != expectedMasterKeyID || e.StagedMasterKeyID == "" {
		return false, nil
	}
	e.WrappedPrivateKey, e.Salt, e.MasterKeyID = e.StagedWrappedPrivateKey, e.StagedSalt, e.StagedMasterKeyID
	e.StagedWrappedPrivateKey, e.StagedSalt, e.StagedMasterKeyID = nil, nil, ""
	e.RotatedAt = &rotatedAt
	return true, nil
}

func (m *mockVaultRepository) ClearStaged(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.StagedWrappedPrivateKey, e.StagedSalt, e.StagedMasterKeyID = nil, nil, ""
	}
	return nil
}

func (m *mockVaultRepository) entry(id string) *domain.KeyVaultEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntry(m.entries[id])
}

// staticSource は固定のマスターシークレットを返す。
type staticSource string

func (s staticSource) Name() string { return "TEST_MASTER_SECRET" }

func (s staticSource) Load(ctx context.Context) (*secret.Buffer, error) {
	return secret.NewFromBytes([]byte(s))
}

func newManager(t *testing.T, value string) *masterkey.Manager {
	t.Helper()
	m, err := masterkey.Load(context.Background(), staticSource(value))
	if err != nil {
		t.Fatalf("masterkey.Load failed: %v", err)
	}
	return m
}

func testVaultConfig() VaultConfig {
	return VaultConfig{
		KDF:              testKDF,
		VaultTimeout:     time.Second,
		CryptoTimeout:    5 * time.Second,
		RotationAttempts: 3,
	}
}

// fixture は保管庫とサービス一式。
type fixture struct {
	repo    *mockVaultRepository
	master  *masterkey.Manager
	vault   *VaultService
	decrypt *DecryptionService
	encrypt *EncryptionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockVaultRepository()
	master := newManager(t, "fixture-master-secret-k1")
	vault := NewVaultService(repo, master, testVaultConfig())
	return &fixture{
		repo:    repo,
		master:  master,
		vault:   vault,
		decrypt: NewDecryptionService(vault),
		encrypt: NewEncryptionService(vault),
	}
}

// store はeの秘密鍵を所有者として保管する。
func (f *fixture) store(t *testing.T, identity, tenant string, e *openpgp.Entity) *domain.KeyMetadata {
	t.Helper()
	meta, err := f.vault.Put(context.Background(), PutKeyRequest{
		OwnerIdentityID:   identity,
		TenantID:          tenant,
		ArmoredPrivateKey: pgptest.ArmorPrivate(t, e),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return meta
}

func sessionFor(identity, tenant string) *domain.Session {
	now := time.Now()
	return &domain.Session{
		IdentityID: identity,
		TenantID:   tenant,
		IssuedAt:   now.Add(-time.Minute),
		ExpiresAt:  now.Add(time.Hour),
	}
}

// scopeRecorder はサービスが生成したScopeを記録する。
type scopeRecorder struct {
	mu     sync.Mutex
	scopes []*secret.Scope
}

func (r *scopeRecorder) newScope() *secret.Scope {
	s := secret.NewScope()
	r.mu.Lock()
	r.scopes = append(r.scopes, s)
	r.mu.Unlock()
	return s
}

// assertScrubbed は全Scopeが閉じられ、管理下のバッファがすべて消去済みであることを確認する。
// 戻り値は解放されたバッファの数。
func (r *scopeRecorder) assertScrubbed(t *testing.T) int {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scopes) == 0 {
		t.Fatal("no scope was opened")
	}
	released := 0
	for _, s := range r.scopes {
		if !s.Closed() {
			t.Error("scope left open")
		}
		for _, b := range s.Released() {
			if !b.Closed() {
				t.Error("secret buffer left open")
			}
			released++
		}
	}
	return released
}

func recipientsOf(entities ...*openpgp.Entity) []*openpgp.Entity {
	return entities
}
