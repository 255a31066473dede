// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"pgp-vault-service/internal/domain"
)

// Profile は実行プロファイルを表す。
type Profile string

const (
	ProfileProduction  Profile = "production"
	ProfileDevelopment Profile = "development"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Profile            Profile
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	// マスターシークレットの取得元。いずれか1つだけを設定する。
	// MasterSecretFromEnv は VAULT_MASTER_SECRET が設定されているかを表す。値そのものは保持しない。
	MasterSecretFromEnv           bool
	MasterSecretKMSCiphertext     string
	MasterSecretKMSCiphertextFile string
	MasterSecretAgeFile           string
	AgeIdentityFile               string
	DevPlaceholder                bool

	KDFTime          uint32
	KDFMemoryKiB     uint32
	KDFThreads       uint8
	VaultTimeout     time.Duration
	CryptoTimeout    time.Duration
	RotationAttempts int

	SessionIssuer        string
	SessionJWTPublicKey  string
	SessionJWTHMACSecret string

	RateLimitPerMinute int
	RateLimitBurst     int

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Profile:            Profile(strings.ToLower(getEnv("APP_ENV", string(ProfileProduction)))),
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		MasterSecretFromEnv:           os.Getenv("VAULT_MASTER_SECRET") != "",
		MasterSecretKMSCiphertext:     os.Getenv("VAULT_MASTER_SECRET_KMS_CIPHERTEXT"),
		MasterSecretKMSCiphertextFile: os.Getenv("VAULT_MASTER_SECRET_KMS_CIPHERTEXT_FILE"),
		MasterSecretAgeFile:           os.Getenv("VAULT_MASTER_SECRET_AGE_FILE"),
		AgeIdentityFile:               os.Getenv("VAULT_AGE_IDENTITY_FILE"),
		DevPlaceholder:                getBool("VAULT_DEV_PLACEHOLDER", false),

		KDFTime:          uint32(getInt("VAULT_KDF_TIME", 1)),
		KDFMemoryKiB:     uint32(getInt("VAULT_KDF_MEMORY_KIB", 64*1024)),
		KDFThreads:       uint8(getInt("VAULT_KDF_THREADS", 4)),
		VaultTimeout:     getDuration("VAULT_TIMEOUT", 5*time.Second),
		CryptoTimeout:    getDuration("CRYPTO_TIMEOUT", 10*time.Second),
		RotationAttempts: getInt("VAULT_ROTATION_ATTEMPTS", 3),

		SessionIssuer:        os.Getenv("SESSION_ISSUER"),
		SessionJWTPublicKey:  os.Getenv("SESSION_JWT_PUBLIC_KEY"),
		SessionJWTHMACSecret: os.Getenv("SESSION_JWT_HMAC_SECRET"),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 10),

		OtelEnabled:      getBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "pgp-vault-service"),
		OtelSamplingRate: getFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// IsProduction は本番プロファイルかを返す。不明な値は本番として扱う。
func (c *Config) IsProduction() bool {
	return c.Profile != ProfileDevelopment
}

// UsesKMS はマスターシークレットの取得にCloud KMSを使うかを返す。
func (c *Config) UsesKMS() bool {
	return c.MasterSecretKMSCiphertext != "" || c.MasterSecretKMSCiphertextFile != ""
}

// KDFParams は新規エントリに使う鍵導出パラメータを返す。
func (c *Config) KDFParams() domain.KDFParams {
	return domain.KDFParams{Time: c.KDFTime, MemoryKiB: c.KDFMemoryKiB, Threads: c.KDFThreads}
}

// Validate は起動に必要な設定を検証する。不備はConfigErrorとして返す。
func (c *Config) Validate() error {
	if c.Profile != ProfileProduction && c.Profile != ProfileDevelopment {
		return &domain.ConfigError{Field: "APP_ENV", Reason: "must be production or development"}
	}

	sources := 0
	if c.MasterSecretFromEnv {
		sources++
	}
	if c.MasterSecretKMSCiphertext != "" {
		sources++
	}
	if c.MasterSecretKMSCiphertextFile != "" {
		sources++
	}
	if c.UsesKMS() && c.KMSKeyName == "" {
		return &domain.ConfigError{Field: "KMS_KEY_NAME", Reason: "required with a KMS-encrypted master secret"}
	}
	if c.MasterSecretAgeFile != "" {
		sources++
		if c.AgeIdentityFile == "" {
			return &domain.ConfigError{Field: "VAULT_AGE_IDENTITY_FILE", Reason: "required with VAULT_MASTER_SECRET_AGE_FILE"}
		}
	}
	if sources > 1 {
		return &domain.ConfigError{Field: "VAULT_MASTER_SECRET", Reason: "configure exactly one master secret source"}
	}
	if c.IsProduction() {
		if sources == 0 {
			return &domain.ConfigError{Field: "VAULT_MASTER_SECRET", Reason: "master secret source is required in production"}
		}
		if c.DevPlaceholder {
			return &domain.ConfigError{Field: "VAULT_DEV_PLACEHOLDER", Reason: "not allowed in production"}
		}
		if c.SessionJWTPublicKey == "" {
			return &domain.ConfigError{Field: "SESSION_JWT_PUBLIC_KEY", Reason: "required in production"}
		}
		if c.SessionJWTHMACSecret != "" {
			return &domain.ConfigError{Field: "SESSION_JWT_HMAC_SECRET", Reason: "not allowed in production"}
		}
	} else if sources == 0 && !c.DevPlaceholder {
		return &domain.ConfigError{Field: "VAULT_MASTER_SECRET", Reason: "set a master secret source or VAULT_DEV_PLACEHOLDER=true"}
	}

	if c.SessionJWTPublicKey == "" && c.SessionJWTHMACSecret == "" {
		return &domain.ConfigError{Field: "SESSION_JWT_PUBLIC_KEY", Reason: "a session verification key is required"}
	}
	if c.SessionIssuer == "" {
		return &domain.ConfigError{Field: "SESSION_ISSUER", Reason: "required"}
	}
	if c.DatabaseURL == "" {
		return &domain.ConfigError{Field: "DATABASE_URL", Reason: "required"}
	}
	if c.DatabaseDriver != "mysql" && c.DatabaseDriver != "sqlite" {
		return &domain.ConfigError{Field: "DATABASE_DRIVER", Reason: "must be mysql or sqlite"}
	}
	if c.KDFTime < 1 || c.KDFThreads < 1 || c.KDFMemoryKiB < 8*uint32(c.KDFThreads) {
		return &domain.ConfigError{Field: "VAULT_KDF_MEMORY_KIB", Reason: "invalid argon2id parameters"}
	}
	if c.VaultTimeout <= 0 || c.CryptoTimeout <= 0 {
		return &domain.ConfigError{Field: "VAULT_TIMEOUT", Reason: "timeouts must be positive"}
	}
	if c.RotationAttempts < 1 {
		return &domain.ConfigError{Field: "VAULT_ROTATION_ATTEMPTS", Reason: "must be at least 1"}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
