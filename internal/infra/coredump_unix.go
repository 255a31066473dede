//go:build unix

package infra

import "golang.org/x/sys/unix"

// DisableCoreDumps はコアダンプの上限を0にし、クラッシュ時にメモリ上の鍵がディスクに残らないようにする。
func DisableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}
