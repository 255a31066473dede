package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"pgp-vault-service/internal/handler"
)

// decryptCmd はメッセージの復号コマンド。平文はoutへ、署名の検証結果は標準エラーへ出力する。
func decryptCmd() *cobra.Command {
	var (
		owner, tenant string
		in, out       string
		recipients    []string
		signerKeys    []string
	)
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an armored PGP message with the key stored in the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			armored, err := readInput(in, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading message: %w", err)
			}

			req := handler.DecryptRequest{
				ArmoredCiphertext:     string(armored),
				TargetOwnerID:         owner,
				TargetTenantID:        tenant,
				RecipientFingerprints: recipients,
			}
			for _, path := range signerKeys {
				key, err := readInput(path, nil)
				if err != nil {
					return fmt.Errorf("reading signer key: %w", err)
				}
				req.SignerPublicKeys = append(req.SignerPublicKeys, string(key))
			}

			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/mail/decrypt", req)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var resp handler.DecryptResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			defer clear(resp.Plaintext)

			if err := writeOutput(out, cmd.OutOrStdout(), resp.Plaintext); err != nil {
				return fmt.Errorf("writing plaintext: %w", err)
			}
			switch {
			case !resp.Signed:
				fmt.Fprintln(cmd.ErrOrStderr(), "signature: none")
			case resp.SignatureValid:
				fmt.Fprintf(cmd.ErrOrStderr(), "signature: valid (%s)\n", resp.SignerFingerprint)
			default:
				fmt.Fprintf(cmd.ErrOrStderr(), "signature: NOT verified (key id %s)\n", resp.SignerKeyID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Identity the message is addressed to (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant of the identity (defaults to the session tenant)")
	cmd.Flags().StringVar(&in, "in", "-", "Armored message file (- for stdin)")
	cmd.Flags().StringVar(&out, "out", "-", "Plaintext output file (- for stdout)")
	cmd.Flags().StringSliceVar(&recipients, "recipient-fingerprint", nil, "Expected recipient fingerprint (repeatable)")
	cmd.Flags().StringSliceVar(&signerKeys, "signer-key", nil, "Armored public key file of a candidate signer (repeatable)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

// encryptCmd はメッセージの暗号化コマンド。
func encryptCmd() *cobra.Command {
	var (
		in, out       string
		recipientKeys []string
		signAs        string
		signTenant    string
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a message to one or more public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readInput(in, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading plaintext: %w", err)
			}
			defer clear(plaintext)

			req := handler.EncryptRequest{Plaintext: plaintext}
			for _, path := range recipientKeys {
				key, err := readInput(path, nil)
				if err != nil {
					return fmt.Errorf("reading recipient key: %w", err)
				}
				req.RecipientPublicKeys = append(req.RecipientPublicKeys, string(key))
			}
			if signAs != "" {
				req.SignAs = &handler.SignAs{OwnerID: signAs, TenantID: signTenant}
			}

			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/mail/encrypt", req)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var resp handler.EncryptResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return writeOutput(out, cmd.OutOrStdout(), []byte(resp.ArmoredCiphertext))
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "Plaintext file (- for stdin)")
	cmd.Flags().StringVar(&out, "out", "-", "Armored output file (- for stdout)")
	cmd.Flags().StringSliceVar(&recipientKeys, "recipient-key", nil, "Armored public key file of a recipient (repeatable, required)")
	cmd.Flags().StringVar(&signAs, "sign-as", "", "Sign with the stored key of this identity")
	cmd.Flags().StringVar(&signTenant, "sign-tenant", "", "Tenant of the signing identity (defaults to the session tenant)")
	cmd.MarkFlagRequired("recipient-key")
	return cmd
}
