package domain

import "pgp-vault-service/internal/secret"

// EncryptedMessage はアーマー形式の暗号化メッセージを表す。
type EncryptedMessage struct {
	Armored               string
	RecipientFingerprints []string
	// SignerPublicKeys は署名者と主張される公開鍵（アーマー形式）。復号時のみ使用する。
	SignerPublicKeys []string
}

// DecryptedMessage は復号結果を表す。1リクエストの間だけ存在し、Closeで平文を消去する。
type DecryptedMessage struct {
	Plaintext         *secret.Buffer
	Signed            bool
	SignatureValid    bool
	SignerFingerprint string
	SignerKeyID       string
}

// Close は平文を消去する。
func (m *DecryptedMessage) Close() error {
	if m == nil || m.Plaintext == nil {
		return nil
	}
	return m.Plaintext.Close()
}

// EncryptRequest は暗号化要求を表す。Plaintext の消去は呼び出し元の責任。
type EncryptRequest struct {
	Plaintext           []byte
	RecipientPublicKeys []string
	SignAs              *OwnerRef
}
