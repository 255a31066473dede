//go:build !unix

package infra

// DisableCoreDumps はこのプラットフォームでは何もしない。
func DisableCoreDumps() error { return nil }
