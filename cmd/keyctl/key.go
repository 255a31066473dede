package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"pgp-vault-service/internal/handler"
)

// keyCmd は自分の秘密鍵を管理するコマンド群。
func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the private key stored for the session identity",
	}
	cmd.AddCommand(keyPutCmd())
	cmd.AddCommand(keyShowCmd())
	return cmd
}

func keyPutCmd() *cobra.Command {
	var file, passphraseFile string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store an armored private key in the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			armored, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading private key: %w", err)
			}

			req := handler.PutKeyRequest{ArmoredPrivateKey: string(armored)}
			if passphraseFile != "" {
				passphrase, err := os.ReadFile(passphraseFile)
				if err != nil {
					return fmt.Errorf("reading passphrase: %w", err)
				}
				req.Passphrase = string(bytes.TrimRight(passphrase, "\r\n"))
				clear(passphrase)
			} else if v := os.Getenv("KEYCTL_KEY_PASSPHRASE"); v != "" {
				req.Passphrase = v
			}

			body, err := callAPI(cmd.Context(), http.MethodPut, "/v1/vault/key", req)
			if err != nil {
				return err
			}
			return printKeyMetadata(cmd, body, "Stored")
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "Armored private key file (- for stdin)")
	cmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "File containing the key passphrase (or set KEYCTL_KEY_PASSPHRASE)")
	return cmd
}

func keyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show metadata of the stored private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(cmd.Context(), http.MethodGet, "/v1/vault/key", nil)
			if err != nil {
				return err
			}
			return printKeyMetadata(cmd, body, "Found")
		},
	}
}

func printKeyMetadata(cmd *cobra.Command, body []byte, verb string) error {
	out := cmd.OutOrStdout()
	if output == "json" {
		fmt.Fprintln(out, string(body))
		return nil
	}

	var meta handler.KeyMetadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Fprintf(out, "%s key for %q in tenant %q\n", verb, meta.OwnerID, meta.TenantID)
	fmt.Fprintf(out, "  fingerprint: %s\n", meta.KeyFingerprint)
	fmt.Fprintf(out, "  algorithm:   %s\n", meta.Algorithm)
	fmt.Fprintf(out, "  created_at:  %s\n", meta.CreatedAt)
	if meta.RotatedAt != "" {
		fmt.Fprintf(out, "  rotated_at:  %s\n", meta.RotatedAt)
	}
	return nil
}
