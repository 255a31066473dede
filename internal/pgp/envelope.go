package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"pgp-vault-service/internal/domain"
)

// 外側のパケットのタグ
const (
	tagPKESK     = 1
	tagSKESK     = 3
	tagSED       = 9
	tagMarker    = 10
	tagSEIPD     = 18
	tagAEAD      = 20
	tagPadding   = 21
	pkeskV3      = 3
	pkeskV6      = 6
	algoRSA      = 1
	algoRSAEnc   = 2
	algoElGamal  = 16
	algoECDH     = 18
	seipdV1      = 1
	seipdV2      = 2
	pkeskV3Fixed = 1 + 8 + 1 // version, key id, algorithm
)

// checkEnvelope は暗号化メッセージの外側の構成を検査する。
// セッション鍵パケットの後に暗号化データパケットが1つだけ続き、各パケットの長さが
// 本文と過不足なく一致し、セッション鍵パケットが正規の符号化であることを求める。
// ライブラリが認証しないフレーミング部分の改ざんをここで弾く。
func checkEnvelope(raw []byte) error {
	off := 0
	for off < len(raw) {
		p, err := nextPacket(raw, off)
		if err != nil {
			return err
		}
		switch p.tag {
		case tagPKESK:
			if p.streamed {
				return tampered("session key packet with partial length")
			}
			if err := checkSessionKey(raw[off:p.end], raw[p.start:p.end]); err != nil {
				return err
			}
		case tagSKESK, tagMarker, tagPadding:
		case tagSED:
			return fmt.Errorf("%w: message is not integrity protected", domain.ErrUnsupportedAlgorithm)
		case tagSEIPD, tagAEAD:
			if p.end != len(raw) {
				return tampered("data after encrypted packet")
			}
			if p.tag == tagSEIPD {
				return checkIntegrityProtected(raw[p.start:p.end])
			}
			return nil
		default:
			return tampered(fmt.Sprintf("unexpected packet tag %d", p.tag))
		}
		off = p.end
	}
	return tampered("no encrypted data packet")
}

type rawPacket struct {
	tag int
	// start は最初の本文バイトの位置。部分長の場合は途中の長さヘッダーも[start:end]に含む。
	start, end int
	streamed   bool
}

// nextPacket はraw[off:]のパケットヘッダーを読み、パケットの範囲を返す。
func nextPacket(raw []byte, off int) (rawPacket, error) {
	b := raw[off]
	if b&0x80 == 0 {
		return rawPacket{}, tampered("invalid packet header")
	}
	pos := off + 1

	if b&0x40 == 0 {
		// 旧形式
		p := rawPacket{tag: int(b&0x3f) >> 2}
		lengthType := int(b & 3)
		if lengthType == 3 {
			p.start, p.end, p.streamed = pos, len(raw), true
			return p, validTag(p)
		}
		n := 1 << lengthType
		if len(raw)-pos < n {
			return rawPacket{}, tampered("truncated packet header")
		}
		length := 0
		for _, c := range raw[pos : pos+n] {
			length = length<<8 | int(c)
		}
		pos += n
		if length > len(raw)-pos {
			return rawPacket{}, tampered("packet length exceeds message")
		}
		p.start, p.end = pos, pos+length
		return p, validTag(p)
	}

	p := rawPacket{tag: int(b & 0x3f)}
	for first := true; ; first = false {
		length, partial, n, err := readLength(raw[pos:])
		if err != nil {
			return rawPacket{}, err
		}
		pos += n
		if first {
			p.start = pos
		}
		if length > len(raw)-pos {
			return rawPacket{}, tampered("packet length exceeds message")
		}
		pos += length
		if !partial {
			break
		}
		p.streamed = true
	}
	p.end = pos
	return p, validTag(p)
}

// readLength は新形式の長さフィールドを読む。nは長さフィールド自体のバイト数。
func readLength(b []byte) (length int, partial bool, n int, err error) {
	if len(b) == 0 {
		return 0, false, 0, tampered("truncated packet header")
	}
	switch {
	case b[0] < 192:
		return int(b[0]), false, 1, nil
	case b[0] < 224:
		if len(b) < 2 {
			return 0, false, 0, tampered("truncated packet header")
		}
		return (int(b[0])-192)<<8 + int(b[1]) + 192, false, 2, nil
	case b[0] < 255:
		return 1 << (b[0] & 0x1f), true, 1, nil
	default:
		if len(b) < 5 {
			return 0, false, 0, tampered("truncated packet header")
		}
		return int(b[1])<<24 | int(b[2])<<16 | int(b[3])<<8 | int(b[4]), false, 5, nil
	}
}

func validTag(p rawPacket) error {
	if p.tag == 0 {
		return tampered("reserved packet tag")
	}
	return nil
}

// checkSessionKey は公開鍵暗号化セッション鍵パケットが正規の符号化であることを確かめる。
// 解析結果を直列化し直して本文と比較し、さらにライブラリが保持したまま書き戻すMPIの
// ビット長と楕円曲線点の接頭辞を検査する。
func checkSessionKey(pkt, body []byte) error {
	if len(body) == 0 || (body[0] != pkeskV3 && body[0] != pkeskV6) {
		return tampered("unknown session key packet version")
	}
	p, err := packet.Read(bytes.NewReader(pkt))
	if err != nil {
		return tampered(fmt.Sprintf("session key packet: %v", err))
	}
	ek, ok := p.(*packet.EncryptedKey)
	if !ok {
		return tampered("unexpected session key packet")
	}

	var out bytes.Buffer
	if err := ek.Serialize(&out); err != nil {
		// 未対応の公開鍵アルゴリズム宛てのパケットはReadMessageが読み飛ばす
		var invalid pgperrors.InvalidArgumentError
		if errors.As(err, &invalid) {
			return nil
		}
		return tampered(fmt.Sprintf("session key packet: %v", err))
	}
	re, err := nextPacket(out.Bytes(), 0)
	if err != nil {
		return err
	}
	if !bytes.Equal(out.Bytes()[re.start:re.end], body) {
		return tampered("non-canonical session key packet")
	}

	if body[0] != pkeskV3 || len(body) < pkeskV3Fixed {
		return nil
	}
	fields := body[pkeskV3Fixed:]
	switch body[pkeskV3Fixed-1] {
	case algoRSA, algoRSAEnc:
		_, _, err = readMPI(fields)
		return err
	case algoElGamal:
		rest, _, err := readMPI(fields)
		if err != nil {
			return err
		}
		_, _, err = readMPI(rest)
		return err
	case algoECDH:
		_, point, err := readMPI(fields)
		if err != nil {
			return err
		}
		// SEC1の非圧縮形式か、Curve25519/Curve448のネイティブ形式
		if point[0] != 0x04 && point[0] != 0x40 {
			return tampered("invalid ephemeral point encoding")
		}
	}
	return nil
}

// readMPI はMPIを1つ読み、ビット長が値と一致することを確かめる。
func readMPI(b []byte) (rest, value []byte, err error) {
	if len(b) < 2 {
		return nil, nil, tampered("truncated MPI")
	}
	bitLen := int(b[0])<<8 | int(b[1])
	n := (bitLen + 7) / 8
	if n == 0 || len(b)-2 < n {
		return nil, nil, tampered("truncated MPI")
	}
	value = b[2 : 2+n]
	if 8*(n-1)+bits.Len8(value[0]) != bitLen {
		return nil, nil, tampered("non-canonical MPI length")
	}
	return b[2+n:], value, nil
}

// checkIntegrityProtected は暗号化データパケットの版と、v2で平文のまま宣言される暗号スイートを検査する。
func checkIntegrityProtected(body []byte) error {
	if len(body) == 0 {
		return tampered("empty encrypted data packet")
	}
	switch body[0] {
	case seipdV1:
		return nil
	case seipdV2:
		if len(body) < 4 {
			return tampered("truncated encrypted data packet")
		}
		cipher, mode := packet.CipherFunction(body[1]), packet.AEADMode(body[2])
		if cipher != packet.CipherAES128 && cipher != packet.CipherAES192 && cipher != packet.CipherAES256 {
			return fmt.Errorf("%w: cipher %d", domain.ErrUnsupportedAlgorithm, cipher)
		}
		if mode != packet.AEADModeEAX && mode != packet.AEADModeOCB && mode != packet.AEADModeGCM {
			return fmt.Errorf("%w: aead mode %d", domain.ErrUnsupportedAlgorithm, mode)
		}
		return nil
	default:
		return tampered(fmt.Sprintf("unknown encrypted data packet version %d", body[0]))
	}
}

func tampered(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrDecryptionFailed, reason)
}
