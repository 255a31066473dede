// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"

	"pgp-vault-service/config"
	"pgp-vault-service/internal/auth"
	"pgp-vault-service/internal/handler"
	"pgp-vault-service/internal/infra"
	"pgp-vault-service/internal/masterkey"
	"pgp-vault-service/internal/middleware"
	"pgp-vault-service/internal/repository"
	"pgp-vault-service/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()
	// 終了前にmemguardの保護領域をすべて消去する
	memguard.Purge()

	if err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run は設定を読み込み、依存を組み立ててサーバーを起動する。ctxがキャンセルされると停止する。
// 設定不備は*domain.ConfigErrorとして返す。
func run(ctx context.Context) error {
	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	infra.SetupLogger(cfg, infra.ParseLevel(cfg.LogLevel))

	if err := infra.DisableCoreDumps(); err != nil {
		slog.WarnContext(ctx, "failed to disable core dumps", "error", err)
	}

	var kms masterkey.KMSDecrypter
	if cfg.UsesKMS() {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return fmt.Errorf("init kms client: %w", err)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		kms = kmsClient
	}

	source := masterkey.NewSource(cfg, kms)
	master, err := loadMasterKey(ctx, cfg, source)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "master key loaded", "master_key_id", master.KeyID())

	db, err := infra.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	authenticator, err := auth.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	// DI
	repo := repository.NewVaultEntryRepository(db)
	vault := usecase.NewVaultService(repo, master, usecase.VaultConfig{
		KDF:              cfg.KDFParams(),
		VaultTimeout:     cfg.VaultTimeout,
		CryptoTimeout:    cfg.CryptoTimeout,
		RotationAttempts: cfg.RotationAttempts,
	})
	mail := handler.NewMailHandler(usecase.NewDecryptionService(vault), usecase.NewEncryptionService(vault))

	routerCfg := handler.RouterConfig{
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	}
	if cfg.OtelEnabled {
		routerCfg.ServiceName = cfg.OtelServiceName
	}
	router := handler.NewRouter(mail, handler.NewVaultHandler(vault), routerCfg)

	go reloadOnHangup(ctx, master, source)

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", ln.Addr().String(), "profile", cfg.Profile)
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// loadMasterKey は設定された取得元からマスターシークレットを読み込む。
// 取得元がなく開発用プレースホルダーが許可されている場合のみ、一時的なシークレットを使う。
func loadMasterKey(ctx context.Context, cfg *config.Config, source masterkey.Source) (*masterkey.Manager, error) {
	if source == nil && cfg.DevPlaceholder {
		return masterkey.NewDevelopmentManager(ctx, cfg.IsProduction())
	}
	return masterkey.Load(ctx, source)
}

// reloadOnHangup はSIGHUPを受けるたびにマスターシークレットを取得元から読み直す。
// keyctl vault rotate でエントリを移行した後に送る。
func reloadOnHangup(ctx context.Context, master *masterkey.Manager, source masterkey.Source) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_ = reloadMasterKey(ctx, master, source)
		}
	}
}

// reloadMasterKey は1回分の再読み込みを行い、結果をログに残す。
// 失敗しても現在のシークレットは維持される。
func reloadMasterKey(ctx context.Context, master *masterkey.Manager, source masterkey.Source) error {
	if source == nil {
		slog.WarnContext(ctx, "ignoring SIGHUP: development master secret cannot be reloaded")
		return errors.New("no reloadable master secret source")
	}

	previous := master.KeyID()
	err := master.Reload(ctx, source)
	if errors.Is(err, masterkey.ErrUnchanged) {
		slog.WarnContext(ctx, "SIGHUP did not change the master secret; update the source before signalling",
			"source", source.Name(),
			"master_key_id", previous,
		)
		return err
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to reload master secret", "error", err, "master_key_id", previous)
		return err
	}
	slog.InfoContext(ctx, "master secret reloaded",
		"previous_master_key_id", previous,
		"master_key_id", master.KeyID(),
	)
	return nil
}
