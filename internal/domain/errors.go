package domain

import (
	"errors"
	"fmt"
)

// VaultErrorKind は鍵保管庫エラーの種別を表す。
type VaultErrorKind string

const (
	VaultNotFound       VaultErrorKind = "not_found"
	VaultCorrupt        VaultErrorKind = "corrupt"
	VaultWrongMasterKey VaultErrorKind = "wrong_master_key"
	VaultTimeout        VaultErrorKind = "timeout"
)

// CryptoErrorKind は暗号処理エラーの種別を表す。
type CryptoErrorKind string

const (
	CryptoMalformedInput       CryptoErrorKind = "malformed_input"
	CryptoDecryptionFailed     CryptoErrorKind = "decryption_failed"
	CryptoUnsupportedAlgorithm CryptoErrorKind = "unsupported_algorithm"
	CryptoSignatureInvalid     CryptoErrorKind = "signature_invalid"
	CryptoTimeout              CryptoErrorKind = "timeout"
	CryptoPrivateKeyLocked     CryptoErrorKind = "private_key_locked"
)

// AuthError は認証・認可の失敗を表す。
// 「存在しない」と「所有者でない」を区別しない。
type AuthError struct {
	reason string
}

func (e *AuthError) Error() string { return "auth: " + e.reason }

// VaultError は鍵保管庫に関するエラーを表す。
type VaultError struct {
	Kind VaultErrorKind
}

func (e *VaultError) Error() string { return "vault: " + string(e.Kind) }

// CryptoError は暗号処理に関するエラーを表す。
type CryptoError struct {
	Kind CryptoErrorKind
}

func (e *CryptoError) Error() string { return "crypto: " + string(e.Kind) }

// ConfigError は起動時の設定不備を表す。回復不能で、プロセスは起動してはならない。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

var (
	// ErrUnauthenticated はセッションが欠落・不正・期限切れの場合のエラー。
	ErrUnauthenticated error = &AuthError{reason: "unauthenticated"}

	// ErrForbidden はセッションが対象のアイデンティティにアクセスできない場合のエラー。
	ErrForbidden error = &AuthError{reason: "forbidden"}

	// ErrVaultNotFound は指定されたアイデンティティの鍵が保管されていない場合のエラー。
	ErrVaultNotFound error = &VaultError{Kind: VaultNotFound}

	// ErrVaultCorrupt はラップされた鍵の完全性検証に失敗した場合のエラー。
	ErrVaultCorrupt error = &VaultError{Kind: VaultCorrupt}

	// ErrWrongMasterKey は鍵が現在とは異なるマスターシークレットでラップされている場合のエラー。
	ErrWrongMasterKey error = &VaultError{Kind: VaultWrongMasterKey}

	// ErrVaultTimeout は保管庫へのアクセスがタイムアウトした場合のエラー。再試行可能。
	ErrVaultTimeout error = &VaultError{Kind: VaultTimeout}

	// ErrMalformedInput は入力（アーマー、公開鍵など）が解析できない場合のエラー。
	ErrMalformedInput error = &CryptoError{Kind: CryptoMalformedInput}

	// ErrDecryptionFailed は復号または改ざん検知に失敗した場合のエラー。
	ErrDecryptionFailed error = &CryptoError{Kind: CryptoDecryptionFailed}

	// ErrUnsupportedAlgorithm は未対応の暗号スイートの場合のエラー。
	ErrUnsupportedAlgorithm error = &CryptoError{Kind: CryptoUnsupportedAlgorithm}

	// ErrSignatureInvalid は署名検証に失敗した場合のエラー。復号自体は失敗させない。
	ErrSignatureInvalid error = &CryptoError{Kind: CryptoSignatureInvalid}

	// ErrCryptoTimeout は鍵導出がタイムアウトした場合のエラー。再試行可能。
	ErrCryptoTimeout error = &CryptoError{Kind: CryptoTimeout}

	// ErrPrivateKeyLocked はパスフレーズ保護された秘密鍵を解除できない場合のエラー。
	ErrPrivateKeyLocked error = &CryptoError{Kind: CryptoPrivateKeyLocked}

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// ErrorKind はログ出力用にエラーの種別を安定した文字列で返す。
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return "auth." + authErr.reason
	}
	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		return "vault." + string(vaultErr.Kind)
	}
	var cryptoErr *CryptoError
	if errors.As(err, &cryptoErr) {
		return "crypto." + string(cryptoErr.Kind)
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return "config"
	}
	return "internal"
}

// IsRetryable はタイムアウト系のエラーかどうかを返す。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVaultTimeout) || errors.Is(err, ErrCryptoTimeout)
}
