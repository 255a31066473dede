//go:build unix

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// alloc はGoヒープ外に匿名メモリを確保し、可能ならmlockする。
func alloc(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false, fmt.Errorf("secret: mmap failed: %w", err)
	}
	// RLIMIT_MEMLOCKが小さい環境ではmlockが失敗するが、ゼロ埋め解放の保証は維持する
	locked := unix.Mlock(data) == nil
	excludeFromCoreDump(data)
	return data, locked, nil
}

func free(data []byte, locked bool) error {
	var firstErr error
	if locked {
		if err := unix.Munlock(data); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}
	return firstErr
}
