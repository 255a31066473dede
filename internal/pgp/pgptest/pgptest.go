// Package pgptest はテスト用の鍵生成とメッセージ作成の補助関数を提供する。
package pgptest

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Config はテスト鍵の生成設定。EdDSA/Curve25519はRSAより高速に生成できる。
var Config = &packet.Config{
	Algorithm: packet.PubKeyAlgoEdDSA,
	Curve:     packet.Curve25519,
}

// NewEntity は署名用主鍵と暗号化用副鍵を持つ鍵を生成する。
func NewEntity(t testing.TB, name string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", strings.ToLower(name)+"@example.com", Config)
	if err != nil {
		t.Fatalf("generating key for %s: %v", name, err)
	}
	return e
}

// ArmorPrivate は秘密鍵をアーマー形式で返す。
func ArmorPrivate(t testing.TB, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode failed: %v", err)
	}
	if err := e.SerializePrivateWithoutSigning(w, nil); err != nil {
		t.Fatalf("serializing private key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor: %v", err)
	}
	return buf.String()
}

// ArmorLockedPrivate はpassphraseで保護した秘密鍵をアーマー形式で返す。eは変更しない。
func ArmorLockedPrivate(t testing.TB, e *openpgp.Entity, passphrase string) string {
	t.Helper()
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(ArmorPrivate(t, e)))
	if err != nil {
		t.Fatalf("copying key: %v", err)
	}
	locked := entities[0]
	if err := locked.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
		t.Fatalf("locking primary key: %v", err)
	}
	for _, sub := range locked.Subkeys {
		if sub.PrivateKey != nil {
			if err := sub.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
				t.Fatalf("locking subkey: %v", err)
			}
		}
	}
	return ArmorPrivate(t, locked)
}

// ArmorPublic は公開鍵をアーマー形式で返す。
func ArmorPublic(t testing.TB, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode failed: %v", err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatalf("serializing public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor: %v", err)
	}
	return buf.String()
}

// EncryptTo はplaintextをrecipients宛てに暗号化する。signerがnilなら署名しない。
func EncryptTo(t testing.TB, plaintext string, recipients []*openpgp.Entity, signer *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		t.Fatalf("armor.Encode failed: %v", err)
	}
	w, err := openpgp.Encrypt(aw, recipients, signer, nil, nil)
	if err != nil {
		t.Fatalf("openpgp.Encrypt failed: %v", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		t.Fatalf("writing plaintext: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing message: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("closing armor: %v", err)
	}
	return buf.String()
}

// Tamper はメッセージ末尾（完全性チェック部分）の1バイトを反転させ、再度アーマー化する。
func Tamper(t testing.TB, armored string) string {
	t.Helper()
	return FlipByte(t, armored, BodyLen(t, armored)-1, 0x01)
}

// BodyLen はアーマーを外したメッセージ本文のバイト数を返す。
func BodyLen(t testing.TB, armored string) int {
	t.Helper()
	_, raw := decodeArmor(t, armored)
	return len(raw)
}

// FlipByte はアーマーを外した本文のoffset番目のバイトとmaskの排他的論理和を取り、再度アーマー化する。
func FlipByte(t testing.TB, armored string, offset int, mask byte) string {
	t.Helper()
	blockType, raw := decodeArmor(t, armored)
	if offset < 0 || offset >= len(raw) {
		t.Fatalf("offset %d out of range for %d-byte body", offset, len(raw))
	}
	raw[offset] ^= mask
	return Armor(t, blockType, raw)
}

// Armor はrawをblockTypeのアーマー形式で返す。
func Armor(t testing.TB, blockType string, raw []byte) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		t.Fatalf("armor.Encode failed: %v", err)
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("writing body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor: %v", err)
	}
	return buf.String()
}

func decodeArmor(t testing.TB, armored string) (string, []byte) {
	t.Helper()
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		t.Fatalf("armor.Decode failed: %v", err)
	}
	raw, err := io.ReadAll(block.Body)
	if err != nil {
		t.Fatalf("reading armor body: %v", err)
	}
	return block.Type, raw
}
