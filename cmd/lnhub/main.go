// Package main запускает HTTP-сервер кастодиального Lightning-кошелька.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abelyaev/lnhub-system/internal/config"
	"github.com/abelyaev/lnhub-system/internal/groundcontrol"
	"github.com/abelyaev/lnhub-system/internal/handler"
	"github.com/abelyaev/lnhub-system/internal/lnd"
	"github.com/abelyaev/lnhub-system/internal/middleware"
	"github.com/abelyaev/lnhub-system/internal/repository"
	"github.com/abelyaev/lnhub-system/internal/service"
)

// minBlockHeight — минимальная высота цепочки для узла в mainnet: защита от
// запуска поверх узла со скелетной или устаревшей базой блоков.
const minBlockHeight = 550000

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ln, err := lnd.NewClient(lnd.Config{
		Address:      cfg.LNDAddress,
		TLSCertPath:  cfg.LNDTLSCertPath,
		MacaroonPath: cfg.LNDMacaroonPath,
	})
	if err != nil {
		sugar.Fatalw("lnd client initialization error", "error", err.Error())
	}
	defer ln.Close()

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	info, err := ln.GetInfo(startupCtx)
	cancel()
	if err != nil {
		sugar.Fatalw("lnd unreachable", "error", err.Error())
	}
	if !info.SyncedToChain {
		sugar.Fatalw("lnd is not synced to chain", "block_height", info.BlockHeight)
	}
	if !info.Testnet && info.BlockHeight < minBlockHeight {
		sugar.Fatalw("lnd block height is suspiciously low", "block_height", info.BlockHeight)
	}
	sugar.Infow("connected to lnd", "pubkey", info.IdentityPubkey, "alias", info.Alias)

	var gc *groundcontrol.Client
	if cfg.GroundControlURL != "" {
		gc = groundcontrol.NewClient(cfg.GroundControlURL)
	}

	svc := service.NewService(repo, ln, gc, logger, cfg.FeePercent)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(svc)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой обработки событий оплаты инвойсов
	g.Go(func() error {
		svc.StartSettlementUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting lnhub server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
