package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/domain"
	"pgp-vault-service/internal/infra"
	"pgp-vault-service/internal/masterkey"
	"pgp-vault-service/internal/repository"
	"pgp-vault-service/internal/secret"
	"pgp-vault-service/internal/usecase"
)

// newSecretEnvVar はローテーション先のマスターシークレットを渡す環境変数名。
const newSecretEnvVar = "VAULT_NEW_MASTER_SECRET"

// maxSecretInput は標準入力から読み込むマスターシークレットの上限。
const maxSecretInput = 4096

// vaultCmd は運用者向けの保管庫操作コマンド群。データベースに直接接続する。
func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Operate on the key vault database",
	}
	cmd.AddCommand(vaultRotateCmd())
	return cmd
}

func vaultRotateCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-wrap every vault entry under a new master secret",
		Long: "Re-wrap every vault entry from the configured master secret to " + newSecretEnvVar + ".\n" +
			"After a successful run, point the server's master secret source at the new secret and send SIGHUP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL environment variable is required")
			}

			var kms masterkey.KMSDecrypter
			if cfg.UsesKMS() {
				kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
				if err != nil {
					return err
				}
				defer kmsClient.Close()
				kms = kmsClient
			}

			oldKey, err := masterkey.Load(ctx, masterkey.NewSource(cfg, kms))
			if err != nil {
				return fmt.Errorf("loading current master secret: %w", err)
			}
			newKey, err := masterkey.Load(ctx, &masterkey.EnvSource{Var: newSecretEnvVar})
			if err != nil {
				return fmt.Errorf("loading new master secret: %w", err)
			}

			db, err := infra.NewDB(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			vault := usecase.NewVaultService(repository.NewVaultEntryRepository(db), oldKey, usecase.VaultConfig{
				KDF:              cfg.KDFParams(),
				VaultTimeout:     cfg.VaultTimeout,
				CryptoTimeout:    cfg.CryptoTimeout,
				RotationAttempts: cfg.RotationAttempts,
				BatchSize:        batchSize,
			})
			return rotateVault(ctx, vault, oldKey, newKey, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Number of entries read per batch")
	return cmd
}

// rotateVault はローテーションを実行し、エントリごとの結果を表示する。
// 1件でも失敗した場合はエラーを返す。
func rotateVault(ctx context.Context, vault *usecase.VaultService, oldKey, newKey usecase.KeyDeriver, out io.Writer) error {
	results, runErr := vault.RotateAll(ctx, oldKey, newKey)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ENTRY ID\tOWNER\tTENANT\tSTATUS\tATTEMPTS\tERROR")
	fmt.Fprintln(w, "--------\t-----\t------\t------\t--------\t-----")

	counts := make(map[domain.RotationStatus]int)
	for _, r := range results {
		counts[r.Status]++
		errKind := "-"
		if r.Err != nil {
			errKind = domain.ErrorKind(r.Err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.EntryID, r.OwnerIdentityID, r.TenantID, r.Status, r.Attempts, errKind)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	fmt.Fprintf(out, "\n%s -> %s: %d migrated, %d skipped, %d failed\n",
		oldKey.KeyID(), newKey.KeyID(),
		counts[domain.RotationMigrated], counts[domain.RotationSkipped], counts[domain.RotationFailed])

	if runErr != nil {
		return fmt.Errorf("rotation aborted: %w", runErr)
	}
	if counts[domain.RotationFailed] > 0 {
		return fmt.Errorf("%d entries failed to rotate; rerun to retry them", counts[domain.RotationFailed])
	}
	return nil
}

// secretCmd はマスターシークレットの準備に使うコマンド群。
func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Prepare master secrets",
	}
	cmd.AddCommand(secretWrapCmd())
	return cmd
}

func secretWrapCmd() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Encrypt a master secret with Cloud KMS",
		Long: "Read a master secret from stdin (or generate a random hex secret with --generate), encrypt it with KMS_KEY_NAME\n" +
			"and print the base64 ciphertext for VAULT_MASTER_SECRET_KMS_CIPHERTEXT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()

			kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
			if err != nil {
				return err
			}
			defer kmsClient.Close()

			in := cmd.InOrStdin()
			if generate {
				// 環境変数やファイルでも扱えるよう16進文字列にする
				raw := make([]byte, masterkey.KeySize)
				if _, err := rand.Read(raw); err != nil {
					return fmt.Errorf("generating secret: %w", err)
				}
				encoded := []byte(hex.EncodeToString(raw))
				clear(raw)
				defer clear(encoded)
				in = bytes.NewReader(encoded)
			}
			return wrapSecret(ctx, kmsClient, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "Generate a random 64-character hex secret instead of reading stdin")
	return cmd
}

// kmsEncrypter はCloud KMSの暗号化操作を表す。
type kmsEncrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
}

// wrapSecret はrから読んだシークレットを暗号化し、base64でwへ出力する。前後の空白は取り除く。
func wrapSecret(ctx context.Context, kms kmsEncrypter, r io.Reader, w io.Writer) error {
	buf, err := secret.NewFromReader(r, maxSecretInput)
	if err != nil {
		return fmt.Errorf("reading secret: %w", err)
	}
	defer buf.Close()

	trimmed := bytes.TrimSpace(buf.Bytes())
	if len(trimmed) < masterkey.MinSecretLength {
		return fmt.Errorf("master secret must be at least %d bytes", masterkey.MinSecretLength)
	}

	ciphertext, err := kms.Encrypt(ctx, trimmed)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, base64.StdEncoding.EncodeToString(ciphertext))
	return err
}
