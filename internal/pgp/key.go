// Package pgp はOpenPGPライブラリ（ProtonMail/go-crypto）への薄いアダプタ。
// 鍵の解析・直列化・消去と、メッセージの暗号化・復号を提供する。
// 返すエラーはdomainのCryptoErrorに分類済み。
package pgp

import (
	"bytes"
	"crypto"
	"crypto/dsa"
	"crypto/rsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/ecdh"
	"github.com/ProtonMail/go-crypto/openpgp/ecdsa"
	"github.com/ProtonMail/go-crypto/openpgp/ed25519"
	"github.com/ProtonMail/go-crypto/openpgp/ed448"
	"github.com/ProtonMail/go-crypto/openpgp/eddsa"
	"github.com/ProtonMail/go-crypto/openpgp/elgamal"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ProtonMail/go-crypto/openpgp/x25519"
	"github.com/ProtonMail/go-crypto/openpgp/x448"

	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/secret"
)

// ParsePrivateKey はアーマー形式の秘密鍵を解析する。
// パスフレーズで保護された鍵はpassphraseで解除する。解除できない場合はErrPrivateKeyLocked。
func ParsePrivateKey(armored string, passphrase []byte) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key: %w", domain.ErrMalformedInput, err)
	}
	if len(entities) != 1 {
		for _, e := range entities {
			Wipe(e)
		}
		return nil, fmt.Errorf("%w: expected exactly one key, got %d", domain.ErrMalformedInput, len(entities))
	}

	entity := entities[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("%w: key has no private part", domain.ErrMalformedInput)
	}
	if err := unlock(entity, passphrase); err != nil {
		Wipe(entity)
		return nil, err
	}
	for _, pk := range privateKeys(entity) {
		if pk.PrivateKey != nil && !wipeable(pk.PrivateKey) {
			Wipe(entity)
			return nil, fmt.Errorf("%w: private key type %T", domain.ErrUnsupportedAlgorithm, pk.PrivateKey)
		}
	}
	return entity, nil
}

func privateKeys(entity *openpgp.Entity) []*packet.PrivateKey {
	keys := []*packet.PrivateKey{entity.PrivateKey}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil {
			keys = append(keys, sub.PrivateKey)
		}
	}
	return keys
}

func unlock(entity *openpgp.Entity, passphrase []byte) error {
	for _, pk := range privateKeys(entity) {
		if !pk.Encrypted {
			continue
		}
		if len(passphrase) == 0 {
			return fmt.Errorf("%w: passphrase required", domain.ErrPrivateKeyLocked)
		}
		if err := pk.Decrypt(passphrase); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrPrivateKeyLocked, err)
		}
	}
	return nil
}

// SerializePrivate は解除済みの秘密鍵をバイナリ形式で保護領域に書き出す。
func SerializePrivate(entity *openpgp.Entity) (*secret.Buffer, error) {
	var out bytes.Buffer
	out.Grow(8192)
	if err := entity.SerializePrivateWithoutSigning(&out, nil); err != nil {
		secret.Wipe(out.Bytes())
		return nil, fmt.Errorf("serializing private key: %w", err)
	}
	return secret.NewFromBytes(out.Bytes())
}

// ReadPrivateKey は保護領域内のバイナリ形式の秘密鍵を解析する。
// 呼び出し側は使用後にWipeを呼ぶこと。
func ReadPrivateKey(b *secret.Buffer) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(b.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: reading unwrapped key: %w", domain.ErrVaultCorrupt, err)
	}
	if len(entities) != 1 || entities[0].PrivateKey == nil {
		for _, e := range entities {
			Wipe(e)
		}
		return nil, fmt.Errorf("%w: unwrapped data is not a single private key", domain.ErrVaultCorrupt)
	}
	return entities[0], nil
}

// ParsePublicKeys はアーマー形式の公開鍵を解析する。1つでも解析できなければErrMalformedInput。
// 秘密鍵を含むブロックも拒否する。
func ParsePublicKeys(armored []string) (openpgp.EntityList, error) {
	var out openpgp.EntityList
	for i, a := range armored {
		entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(a))
		if err != nil {
			return nil, fmt.Errorf("%w: public key %d: %w", domain.ErrMalformedInput, i, err)
		}
		if len(entities) == 0 {
			return nil, fmt.Errorf("%w: public key %d is empty", domain.ErrMalformedInput, i)
		}
		for _, e := range entities {
			if hasPrivateKey(e) {
				for _, e := range entities {
					Wipe(e)
				}
				return nil, fmt.Errorf("%w: public key %d contains private key material", domain.ErrMalformedInput, i)
			}
		}
		out = append(out, entities...)
	}
	return out, nil
}

func hasPrivateKey(e *openpgp.Entity) bool {
	if e.PrivateKey != nil {
		return true
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil {
			return true
		}
	}
	return false
}

// Fingerprint は主鍵のフィンガープリントを大文字16進数で返す。
func Fingerprint(entity *openpgp.Entity) string {
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
}

// KeyID は鍵IDを大文字16進数で返す。
func KeyID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// AlgorithmName は主鍵のアルゴリズムを表示用の名前で返す。
func AlgorithmName(entity *openpgp.Entity) string {
	pub := entity.PrimaryKey
	switch pub.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		if bits, err := pub.BitLength(); err == nil {
			return fmt.Sprintf("rsa%d", bits)
		}
		return "rsa"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoEd25519:
		return "ed25519"
	case packet.PubKeyAlgoEd448:
		return "ed448"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	default:
		return fmt.Sprintf("algo%d", pub.PubKeyAlgo)
	}
}

// Wipe はentityが保持する秘密鍵のマテリアルをゼロ埋めし、参照を外す。
func Wipe(entity *openpgp.Entity) {
	if entity == nil {
		return
	}
	if entity.PrivateKey != nil {
		wipePrivateKey(entity.PrivateKey)
	}
	for i := range entity.Subkeys {
		if entity.Subkeys[i].PrivateKey != nil {
			wipePrivateKey(entity.Subkeys[i].PrivateKey)
		}
	}
}

// wipeable はwipePrivateKeyがゼロ埋めできる型かどうかを返す。
func wipeable(k crypto.PrivateKey) bool {
	switch k.(type) {
	case *rsa.PrivateKey, *dsa.PrivateKey, *elgamal.PrivateKey,
		*ecdsa.PrivateKey, *eddsa.PrivateKey, *ecdh.PrivateKey,
		*ed25519.PrivateKey, *ed448.PrivateKey, *x25519.PrivateKey, *x448.PrivateKey:
		return true
	}
	return false
}

func wipePrivateKey(pk *packet.PrivateKey) {
	switch k := pk.PrivateKey.(type) {
	case *rsa.PrivateKey:
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
		for _, crt := range k.Precomputed.CRTValues {
			wipeInt(crt.Exp)
			wipeInt(crt.Coeff)
		}
	case *dsa.PrivateKey:
		wipeInt(k.X)
	case *elgamal.PrivateKey:
		wipeInt(k.X)
	case *ecdsa.PrivateKey:
		wipeInt(k.D)
	case *eddsa.PrivateKey:
		secret.Wipe(k.D)
	case *ecdh.PrivateKey:
		secret.Wipe(k.D)
	case *ed25519.PrivateKey:
		secret.Wipe(k.Key)
	case *ed448.PrivateKey:
		secret.Wipe(k.Key)
	case *x25519.PrivateKey:
		secret.Wipe(k.Secret)
	case *x448.PrivateKey:
		secret.Wipe(k.Secret)
	}
	pk.PrivateKey = nil
}

func wipeInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}
