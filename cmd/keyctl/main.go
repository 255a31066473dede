// Package main はCLIツールのエントリポイント。
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	token   string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	err := newRootCmd().Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "PGP Vault Service CLI",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			if token == "" {
				token = os.Getenv("KEYCTL_TOKEN")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Session token (or set KEYCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}
