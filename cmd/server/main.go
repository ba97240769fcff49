package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"mangoscan/internal/app"
	"mangoscan/internal/classifierclient"
	"mangoscan/internal/config"
	"mangoscan/internal/server"
	"mangoscan/internal/usertoken"
	"mangoscan/internal/util"
	"mangoscan/pkg/store"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 20 * time.Second
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	analyses, err := store.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer analyses.Close()

	verifierCfg := usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	}
	if cfg.RedisAddr != "" {
		revoker, err := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer revoker.Close()
		if err := revoker.Ping(startCtx); err != nil {
			return err
		}
		verifierCfg.Revoker = revoker
		slog.Info("token revocation enabled", "redis_addr", cfg.RedisAddr)
	}
	verifier, err := usertoken.NewVerifier(verifierCfg)
	if err != nil {
		return err
	}

	appCore, err := app.New(app.Config{
		Verifier:       verifier,
		Classifier:     classifierclient.NewClient(cfg.AIServiceURL, cfg.AIServiceTimeout()),
		Store:          analyses,
		MaxUploadBytes: cfg.MaxImageSizeBytes,
	})
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		ServiceName:    cfg.ServiceName,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.AIServiceTimeout() + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr, "ai_service_url", cfg.AIServiceURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
