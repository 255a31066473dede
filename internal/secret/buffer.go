// Package secret は秘密鍵や平文など機密データ用のメモリバッファを提供する。
//
// Buffer はunix系OSではGoヒープ外にmmapで確保し、mlockでスワップを防ぎ、
// コアダンプから除外する。Close時にゼロ埋めして解放する。
// mlockがRLIMIT_MEMLOCKにより失敗した場合でもバッファは使用でき、Locked()がfalseを返す。
package secret

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTooLarge は読み込みデータが上限を超えた場合のエラー。
var ErrTooLarge = errors.New("secret: data exceeds size limit")

// Buffer は機密データを保持する。コピーしてはならない。
// Close後にBytesを呼ぶとpanicする。
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New は指定サイズのゼロ埋めバッファを確保する。サイズ0も許容する。
func New(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("secret: buffer size must not be negative, got %d", size)
	}
	// 0バイトでもmmapできるよう最低1バイト確保する
	capacity := size
	if capacity == 0 {
		capacity = 1
	}
	data, locked, err := alloc(capacity)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, length: size, locked: locked}, nil
}

// NewFromBytes はsourceを保護領域にコピーし、sourceをゼロ埋めする。
func NewFromBytes(source []byte) (*Buffer, error) {
	b, err := New(len(source))
	if err != nil {
		Wipe(source)
		return nil, err
	}
	copy(b.data, source)
	Wipe(source)
	return b, nil
}

// NewFromReader はrを最後まで読み込み、保護領域に格納する。
// limitを超えた場合はErrTooLargeを返す。途中の領域はすべて消去される。
func NewFromReader(r io.Reader, limit int) (*Buffer, error) {
	initial := 4096
	if limit < initial {
		initial = limit
	}
	b, err := New(initial)
	if err != nil {
		return nil, err
	}
	n := 0
	for {
		if n == len(b.data) {
			if n >= limit {
				// 上限ちょうどで終端に達しているかを1バイト読んで確認する
				var probe [1]byte
				read, err := r.Read(probe[:])
				if read == 0 && errors.Is(err, io.EOF) {
					break
				}
				Wipe(probe[:])
				b.Close()
				if err != nil && !errors.Is(err, io.EOF) {
					return nil, err
				}
				return nil, ErrTooLarge
			}
			next := len(b.data) * 2
			if next > limit {
				next = limit
			}
			grown, err := New(next)
			if err != nil {
				b.Close()
				return nil, err
			}
			copy(grown.data, b.data[:n])
			b.Close()
			b = grown
		}
		read, err := r.Read(b.data[n:])
		n += read
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	if n > limit {
		b.Close()
		return nil, ErrTooLarge
	}
	b.length = n
	return b, nil
}

// Bytes は保護領域を直接指すスライスを返す。Buffer の寿命を超えて保持しないこと。
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String はヒープ上のコピーを返す。文字列を要求するAPI境界でのみ使用すること。
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len はデータ長を返す。
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Locked はmlockに成功したかを返す。
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed はCloseされたかを返す。
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close は内容をゼロ埋めして解放する。冪等。
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	Wipe(b.data)
	err := free(b.data, b.locked)
	b.data = nil
	b.length = 0
	return err
}

// Wipe はヒープ上のスライスをゼロ埋めする。
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
