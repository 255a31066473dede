// Package migrations はMySQL用のスキーマ定義を埋め込む。
// ファイル名は {version}_{name}.sql の形式とする。
package migrations

import "embed"

// FS は埋め込まれたマイグレーションファイル。
//
//go:embed *.sql
var FS embed.FS
