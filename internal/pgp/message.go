package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/secret"
)

// MessageType はアーマー形式の暗号化メッセージのブロック種別。
const MessageType = "PGP MESSAGE"

// DefaultMaxMessageSize は復号する平文の既定上限。
const DefaultMaxMessageSize = 32 << 20

// Decrypted は復号結果を表す。Plaintextの解放は呼び出し側の責任。
type Decrypted struct {
	Plaintext         *secret.Buffer
	Signed            bool
	SignatureValid    bool
	SignerFingerprint string
	SignerKeyID       string
	// SignatureErr は署名検証の失敗理由。署名がない場合や検証に成功した場合はnil。
	SignatureErr error
}

// Decrypt はアーマー形式のメッセージをkeyringで復号し、署名を検証する。
// 本文と完全性チェックをすべて読み終えてから平文を返す。
func Decrypt(armored string, keyring openpgp.EntityList, limit int) (*Decrypted, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding armor: %w", domain.ErrMalformedInput, err)
	}
	if block.Type != MessageType {
		return nil, fmt.Errorf("%w: unexpected armor block %q", domain.ErrMalformedInput, block.Type)
	}

	// アーマー文字列より大きくはならないので全体を読み込んで構成を検査する
	raw, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding armor body: %w", domain.ErrMalformedInput, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message body", domain.ErrMalformedInput)
	}
	if err := checkEnvelope(raw); err != nil {
		return nil, err
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), keyring, nil, nil)
	if err != nil {
		return nil, classify(err)
	}

	plaintext, err := secret.NewFromReader(md.UnverifiedBody, limit)
	if err != nil {
		if errors.Is(err, secret.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %w", domain.ErrMalformedInput, err)
		}
		return nil, classify(err)
	}

	out := &Decrypted{Plaintext: plaintext, Signed: md.IsSigned}
	if md.IsSigned {
		if md.SignedBy != nil {
			out.SignerFingerprint = Fingerprint(md.SignedBy.Entity)
		} else {
			out.SignerKeyID = KeyID(md.SignedByKeyId)
		}
		out.SignatureValid = md.SignedBy != nil && md.SignatureError == nil
		if !out.SignatureValid {
			out.SignatureErr = md.SignatureError
			if out.SignatureErr == nil {
				out.SignatureErr = pgperrors.ErrUnknownIssuer
			}
		}
	}
	return out, nil
}

// classify は復号中のライブラリのエラーをErrDecryptionFailedに分類する。
// 完全性チェックを通るまで本文は認証されていないため、未対応を示すエラーも区別しない。
// 宣言された暗号スイートの判定はcheckEnvelopeが行う。
func classify(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrDecryptionFailed, err)
}

// Encrypt はplaintextを全受信者宛ての1つのメッセージに暗号化し、アーマー形式で返す。
// signerがnilでなければ署名する。
func Encrypt(plaintext []byte, recipients openpgp.EntityList, signer *openpgp.Entity) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", domain.ErrMalformedInput)
	}

	var out bytes.Buffer
	armorWriter, err := armor.Encode(&out, MessageType, nil)
	if err != nil {
		return "", fmt.Errorf("encoding armor: %w", err)
	}
	w, err := openpgp.Encrypt(armorWriter, recipients, signer, nil, nil)
	if err != nil {
		return "", classifyEncrypt(err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing message: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("finalizing armor: %w", err)
	}
	return out.String(), nil
}

func classifyEncrypt(err error) error {
	var invalid pgperrors.InvalidArgumentError
	var unsupported pgperrors.UnsupportedError
	if errors.As(err, &invalid) || errors.As(err, &unsupported) {
		return fmt.Errorf("%w: %w", domain.ErrUnsupportedAlgorithm, err)
	}
	return fmt.Errorf("encrypting: %w", err)
}
