package masterkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"filippo.io/age"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/secret"
)

// EnvVar はマスターシークレットを直接渡す環境変数名。
const EnvVar = "VAULT_MASTER_SECRET"

// maxSecretFileSize はage暗号化ファイルから読み込むシークレットの上限。
const maxSecretFileSize = 4096

// Source はマスターシークレットの取得元を表す。
type Source interface {
	// Name はエラーメッセージ用の設定項目名を返す。
	Name() string
	Load(ctx context.Context) (*secret.Buffer, error)
}

// KMSDecrypter はCloud KMSの復号操作を表す。
type KMSDecrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// EnvSource は環境変数からシークレットを読み込む。
type EnvSource struct {
	Var string
}

func (s *EnvSource) Name() string { return s.Var }

func (s *EnvSource) Load(ctx context.Context) (*secret.Buffer, error) {
	value := os.Getenv(s.Var)
	if value == "" {
		return nil, fmt.Errorf("%s is not set", s.Var)
	}
	return secret.NewFromBytes([]byte(value))
}

// KMSSource はCloud KMSで暗号化されたシークレット（base64）を復号する。
// CiphertextFileを指定した場合は読み込むたびにファイルを読むため、SIGHUPでの再読み込みに使える。
type KMSSource struct {
	Client         KMSDecrypter
	Ciphertext     string
	CiphertextFile string
}

func (s *KMSSource) Name() string {
	if s.CiphertextFile != "" {
		return "VAULT_MASTER_SECRET_KMS_CIPHERTEXT_FILE"
	}
	return "VAULT_MASTER_SECRET_KMS_CIPHERTEXT"
}

func (s *KMSSource) Load(ctx context.Context) (*secret.Buffer, error) {
	encoded := s.Ciphertext
	if s.CiphertextFile != "" {
		data, err := os.ReadFile(s.CiphertextFile)
		if err != nil {
			return nil, fmt.Errorf("reading ciphertext file: %w", err)
		}
		encoded = string(bytes.TrimSpace(data))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	plaintext, err := s.Client.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting with kms: %w", err)
	}
	return secret.NewFromBytes(plaintext)
}

// AgeFileSource はage形式で暗号化されたファイルをidentityファイルで復号する。
// 末尾の改行などの空白は取り除く。
type AgeFileSource struct {
	Path         string
	IdentityPath string
}

func (s *AgeFileSource) Name() string { return "VAULT_MASTER_SECRET_AGE_FILE" }

func (s *AgeFileSource) Load(ctx context.Context) (*secret.Buffer, error) {
	identityData, err := os.ReadFile(s.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	secret.Wipe(identityData)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sealed secret: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed secret: %w", err)
	}
	raw, err := secret.NewFromReader(r, maxSecretFileSize)
	if err != nil {
		return nil, fmt.Errorf("reading sealed secret: %w", err)
	}
	defer raw.Close()

	trimmed := bytes.TrimSpace(raw.Bytes())
	if len(trimmed) == 0 {
		return secret.New(0)
	}
	out, err := secret.New(len(trimmed))
	if err != nil {
		return nil, err
	}
	copy(out.Bytes(), trimmed)
	return out, nil
}

// NewSource は設定から取得元を選ぶ。未設定の場合はnilを返す。
// KMS取得元を使う場合のみkmsが必要。
func NewSource(cfg *config.Config, kms KMSDecrypter) Source {
	switch {
	case cfg.MasterSecretFromEnv:
		return &EnvSource{Var: EnvVar}
	case cfg.UsesKMS():
		return &KMSSource{Client: kms, Ciphertext: cfg.MasterSecretKMSCiphertext, CiphertextFile: cfg.MasterSecretKMSCiphertextFile}
	case cfg.MasterSecretAgeFile != "":
		return &AgeFileSource{Path: cfg.MasterSecretAgeFile, IdentityPath: cfg.AgeIdentityFile}
	default:
		return nil
	}
}
