package masterkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"filippo.io/age"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/secret"
)

var testParams = domain.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

// staticSource はテスト用の固定シークレット取得元。
type staticSource struct {
	value string
	err   error
}

func (s *staticSource) Name() string { return "TEST_SECRET" }

func (s *staticSource) Load(ctx context.Context) (*secret.Buffer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return secret.NewFromBytes([]byte(s.value))
}

type mockKMS struct {
	plaintext []byte
	got       []byte
}

func (m *mockKMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	m.got = ciphertext
	return append([]byte(nil), m.plaintext...), nil
}

func mustLoad(t *testing.T, value string) *Manager {
	t.Helper()
	m, err := Load(context.Background(), &staticSource{value: value})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

func deriveBytes(t *testing.T, m *Manager, salt []byte) ([]byte, string) {
	t.Helper()
	key, keyID, err := m.DeriveKey(context.Background(), salt, testParams)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer key.Close()
	return append([]byte(nil), key.Bytes()...), keyID
}

func TestLoad_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{"no source", nil},
		{"empty secret", &staticSource{value: ""}},
		{"short secret", &staticSource{value: "too-short"}},
		{"source failure", &staticSource{err: errors.New("unreachable")}},
		{"unset env var", &EnvSource{Var: "PGP_VAULT_TEST_UNSET_SECRET"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.src)
			var configErr *domain.ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("want ConfigError, got %v", err)
			}
		})
	}
}

func TestLoad_EnvSource(t *testing.T) {
	t.Setenv("PGP_VAULT_TEST_SECRET", "correct-horse-battery-staple")

	m, err := Load(context.Background(), &EnvSource{Var: "PGP_VAULT_TEST_SECRET"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.KeyID()) != 16 {
		t.Errorf("want 16 hex chars, got %q", m.KeyID())
	}

	other := mustLoad(t, "correct-horse-battery-staple")
	if m.KeyID() != other.KeyID() {
		t.Error("same secret must produce the same key id")
	}
}

func TestDeriveKey(t *testing.T) {
	m := mustLoad(t, "correct-horse-battery-staple")
	salt := bytes.Repeat([]byte{1}, 32)

	first, keyID := deriveBytes(t, m, salt)
	second, _ := deriveBytes(t, m, salt)
	other, _ := deriveBytes(t, m, bytes.Repeat([]byte{2}, 32))

	if len(first) != KeySize {
		t.Errorf("want %d byte key, got %d", KeySize, len(first))
	}
	if !bytes.Equal(first, second) {
		t.Error("same salt must derive the same key")
	}
	if bytes.Equal(first, other) {
		t.Error("different salts must derive different keys")
	}
	if keyID != m.KeyID() {
		t.Errorf("want key id %s, got %s", m.KeyID(), keyID)
	}
}

func TestDeriveKey_Timeout(t *testing.T) {
	m := mustLoad(t, "correct-horse-battery-staple")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := m.DeriveKey(ctx, []byte("salt"), testParams)
	if !errors.Is(err, domain.ErrCryptoTimeout) {
		t.Errorf("want ErrCryptoTimeout, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("timeout must be retryable")
	}
}

func TestDeriveKey_InvalidParams(t *testing.T) {
	m := mustLoad(t, "correct-horse-battery-staple")

	_, _, err := m.DeriveKey(context.Background(), []byte("salt"), domain.KDFParams{})
	if !errors.Is(err, domain.ErrVaultCorrupt) {
		t.Errorf("want ErrVaultCorrupt, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	m := mustLoad(t, "correct-horse-battery-staple")
	salt := bytes.Repeat([]byte{7}, 32)

	before, oldID := deriveBytes(t, m, salt)

	newSecret := []byte("a-completely-different-secret")
	if err := m.Rotate(newSecret); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !bytes.Equal(newSecret, make([]byte, len(newSecret))) {
		t.Error("Rotate must wipe the new secret")
	}

	after, newID := deriveBytes(t, m, salt)
	if oldID == newID {
		t.Error("key id must change after rotation")
	}
	if bytes.Equal(before, after) {
		t.Error("derived key must change after rotation")
	}
	if m.KeyID() != newID {
		t.Errorf("want KeyID %s, got %s", newID, m.KeyID())
	}

	var configErr *domain.ConfigError
	if err := m.Rotate([]byte("short")); !errors.As(err, &configErr) {
		t.Errorf("want ConfigError for short secret, got %v", err)
	}
	if m.KeyID() != newID {
		t.Error("failed rotation must keep the current secret")
	}
}

func TestReload(t *testing.T) {
	m := mustLoad(t, "correct-horse-battery-staple")
	oldID := m.KeyID()

	var configErr *domain.ConfigError
	if err := m.Reload(context.Background(), &staticSource{err: errors.New("unavailable")}); !errors.As(err, &configErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
	if err := m.Reload(context.Background(), nil); !errors.As(err, &configErr) {
		t.Fatalf("want ConfigError for nil source, got %v", err)
	}
	if m.KeyID() != oldID {
		t.Fatal("failed reload must keep the current secret")
	}

	if err := m.Reload(context.Background(), &staticSource{value: "a-completely-different-secret"}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if m.KeyID() == oldID {
		t.Error("key id must change after reload")
	}
	if m.KeyID() != mustLoad(t, "a-completely-different-secret").KeyID() {
		t.Error("reloaded key id must match the source secret")
	}

	// 取得元が変わっていなければ差し替えない
	reloadedID := m.KeyID()
	if err := m.Reload(context.Background(), &staticSource{value: "a-completely-different-secret"}); !errors.Is(err, ErrUnchanged) {
		t.Errorf("want ErrUnchanged, got %v", err)
	}
	if m.KeyID() != reloadedID {
		t.Error("unchanged reload must keep the key id")
	}
	if err := m.Reload(context.Background(), &staticSource{value: "short"}); !errors.As(err, &configErr) {
		t.Errorf("want ConfigError for short secret, got %v", err)
	}
}

func TestReload_KMSCiphertextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.kms")
	write := func(ciphertext string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString([]byte(ciphertext))+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	// 暗号文をそのまま平文として返すKMS
	kms := &echoKMS{}
	src := &KMSSource{Client: kms, CiphertextFile: path}
	if src.Name() != "VAULT_MASTER_SECRET_KMS_CIPHERTEXT_FILE" {
		t.Errorf("unexpected source name %s", src.Name())
	}

	write("first-master-secret-value")
	m, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	firstID := m.KeyID()

	if err := m.Reload(context.Background(), src); !errors.Is(err, ErrUnchanged) {
		t.Errorf("want ErrUnchanged before the file changes, got %v", err)
	}

	write("second-master-secret-value")
	if err := m.Reload(context.Background(), src); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if m.KeyID() == firstID {
		t.Error("key id must change after the ciphertext file is replaced")
	}
}

type echoKMS struct{}

func (echoKMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

func TestDeriveKey_ConsistentDuringRotation(t *testing.T) {
	const oldSecret, newSecret = "old-master-secret-value", "new-master-secret-value"
	salt := bytes.Repeat([]byte{9}, 32)

	oldKey, oldID := deriveBytes(t, mustLoad(t, oldSecret), salt)
	newKey, newID := deriveBytes(t, mustLoad(t, newSecret), salt)

	m := mustLoad(t, oldSecret)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, keyID, err := m.DeriveKey(context.Background(), salt, testParams)
			if err != nil {
				errs <- err
				return
			}
			defer key.Close()
			// 返されたキーIDと鍵は常に同じスナップショットに由来する
			switch keyID {
			case oldID:
				if !bytes.Equal(key.Bytes(), oldKey) {
					errs <- errors.New("key does not match old snapshot")
				}
			case newID:
				if !bytes.Equal(key.Bytes(), newKey) {
					errs <- errors.New("key does not match new snapshot")
				}
			default:
				errs <- errors.New("unknown key id " + keyID)
			}
		}()
	}

	if err := m.Rotate([]byte(newSecret)); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestNewDevelopmentManager(t *testing.T) {
	var configErr *domain.ConfigError
	if _, err := NewDevelopmentManager(context.Background(), true); !errors.As(err, &configErr) {
		t.Fatalf("want ConfigError in production, got %v", err)
	}

	a, err := NewDevelopmentManager(context.Background(), false)
	if err != nil {
		t.Fatalf("NewDevelopmentManager failed: %v", err)
	}
	b, err := NewDevelopmentManager(context.Background(), false)
	if err != nil {
		t.Fatalf("NewDevelopmentManager failed: %v", err)
	}
	if a.KeyID() == b.KeyID() {
		t.Error("development secrets must be random per process")
	}
}

func TestKMSSource(t *testing.T) {
	kms := &mockKMS{plaintext: []byte("kms-protected-master-secret")}
	src := &KMSSource{Client: kms, Ciphertext: "Y2lwaGVydGV4dA=="}

	m, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(kms.got) != "ciphertext" {
		t.Errorf("want decoded ciphertext, got %q", kms.got)
	}
	if m.KeyID() != mustLoad(t, "kms-protected-master-secret").KeyID() {
		t.Error("key id must match the decrypted secret")
	}

	bad := &KMSSource{Client: kms, Ciphertext: "%%%"}
	var configErr *domain.ConfigError
	if _, err := Load(context.Background(), bad); !errors.As(err, &configErr) {
		t.Errorf("want ConfigError for bad base64, got %v", err)
	}
}

func TestAgeFileSource(t *testing.T) {
	dir := t.TempDir()

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	identityPath := filepath.Join(dir, "identity.txt")
	if err := os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		t.Fatalf("age.Encrypt failed: %v", err)
	}
	if _, err := w.Write([]byte("age-sealed-master-secret\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	sealedPath := filepath.Join(dir, "master.age")
	if err := os.WriteFile(sealedPath, sealed.Bytes(), 0o600); err != nil {
		t.Fatalf("writing sealed secret: %v", err)
	}

	m, err := Load(context.Background(), &AgeFileSource{Path: sealedPath, IdentityPath: identityPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// 末尾の改行は取り除かれる
	if m.KeyID() != mustLoad(t, "age-sealed-master-secret").KeyID() {
		t.Error("key id must match the trimmed secret")
	}

	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity failed: %v", err)
	}
	wrongPath := filepath.Join(dir, "wrong.txt")
	if err := os.WriteFile(wrongPath, []byte(other.String()), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}
	var configErr *domain.ConfigError
	if _, err := Load(context.Background(), &AgeFileSource{Path: sealedPath, IdentityPath: wrongPath}); !errors.As(err, &configErr) {
		t.Errorf("want ConfigError for wrong identity, got %v", err)
	}
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"env", config.Config{MasterSecretFromEnv: true}, EnvVar},
		{"kms", config.Config{MasterSecretKMSCiphertext: "Y2lwaGVy"}, "VAULT_MASTER_SECRET_KMS_CIPHERTEXT"},
		{"kms file", config.Config{MasterSecretKMSCiphertextFile: "/run/master.kms"}, "VAULT_MASTER_SECRET_KMS_CIPHERTEXT_FILE"},
		{"age", config.Config{MasterSecretAgeFile: "/run/master.age"}, "VAULT_MASTER_SECRET_AGE_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSource(&tt.cfg, &mockKMS{})
			if src == nil {
				t.Fatal("want source, got nil")
			}
			if src.Name() != tt.want {
				t.Errorf("want %s, got %s", tt.want, src.Name())
			}
		})
	}

	if src := NewSource(&config.Config{}, nil); src != nil {
		t.Errorf("want nil source, got %T", src)
	}
}
