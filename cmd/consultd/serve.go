package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/astrology"
	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/MarkoPoloResearchLab/consult/internal/gateway"
	"github.com/MarkoPoloResearchLab/consult/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/consult/internal/httpapi"
	"github.com/MarkoPoloResearchLab/consult/internal/media"
	"github.com/MarkoPoloResearchLab/consult/internal/notify"
	"github.com/MarkoPoloResearchLab/consult/internal/payment"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/consult/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = opened.Close() }()
	if opened.driver == gormstore.DriverSQLite {
		if err := opened.migrate(ctx); err != nil {
			return err
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	walletService, err := ledger.NewService(opened.ledgerStore, clock, ledger.WithOperationLogger(newOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	platform, err := openPlatformAccount(ctx, walletService, cfg.PlatformAccountID)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	hub, err := gateway.NewHub(verifier, gateway.Config{AllowedOrigins: cfg.AllowedOrigins}, logger.Named("gateway"))
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	engine, err := billing.NewEngine(walletService, hub,
		billing.WithInterval(cfg.BillingInterval),
		billing.WithLowBalanceMultiplier(cfg.LowBalanceMultiplier),
		billing.WithLogger(logger.Named("billing")))
	if err != nil {
		return fmt.Errorf("billing init: %w", err)
	}

	waitlist, closeWaitlist, err := newWaitlist(ctx, cfg, opened.sessions, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeWaitlist() }()
	notifier, err := newNotifier(ctx, cfg, opened.sessions, logger)
	if err != nil {
		return err
	}
	mediaProvider, err := media.NewProvider(media.Config{
		SigningKey: []byte(cfg.MediaSigningKey),
		Issuer:     cfg.MediaIssuer,
		TokenTTL:   cfg.MediaTokenTTL,
		MaxActive:  cfg.MediaMaxActive,
	}, media.WithLogger(logger.Named("media")))
	if err != nil {
		return fmt.Errorf("media init: %w", err)
	}

	manager, err := session.NewManager(session.Dependencies{
		Wallet:     walletService,
		Biller:     engine,
		Rates:      opened.sessions,
		Repository: opened.sessions,
		Waitlist:   waitlist,
		Emitter:    hub,
		Notifier:   notifier,
		Media:      mediaProvider,
		Platform:   platform,
	}, session.WithLogger(logger.Named("session")))
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}
	engine.SetTerminationHandler(manager)
	hub.Attach(manager)

	recovered, err := manager.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("closed sessions left open by the previous process", zap.Int("count", recovered))
	}

	dependencies := httpapi.Dependencies{
		Authenticator: verifier,
		Wallet:        walletService,
		Sessions:      manager,
		Devices:       opened.sessions,
		Gateway:       hub,
	}
	if cfg.PaymentsEnabled() {
		paymentGateway, err := payment.NewMidtransGateway(cfg.MidtransServerKey, cfg.MidtransProduction)
		if err != nil {
			return fmt.Errorf("payment init: %w", err)
		}
		dependencies.Recharger = payment.NewRecharger(paymentGateway, walletService, logger.Named("payment"))
	}
	if cfg.PredictionsEnabled() {
		predictor, err := astrology.NewClient(astrology.Config{
			BaseURL:       cfg.AstrologyBaseURL,
			APIKey:        cfg.AstrologyAPIKey,
			RatePerSecond: cfg.AstrologyRPS,
			Burst:         cfg.AstrologyBurst,
		}, nil, logger.Named("astrology"))
		if err != nil {
			return fmt.Errorf("astrology init: %w", err)
		}
		dependencies.Predictor = predictor
	}
	httpServer, err := httpapi.New(dependencies, httpapi.Config{
		ListenAddr:         cfg.HTTPListenAddr,
		AllowedOrigins:     cfg.AllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
		RateLimitPerSecond: cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("http init: %w", err)
	}
	grpcServer := grpcserver.NewServer(walletService, cfg.AdminToken, logger.Named("grpc"))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpServer.Run(serveCtx)
	}()
	go func() {
		errCh <- serveGRPC(serveCtx, grpcServer, cfg.GRPCListenAddr, logger)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server stopped", zap.Error(serveErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	for _, summary := range engine.Shutdown() {
		logger.Info("meter stopped at shutdown", zap.String("session_id", summary.SessionID), zap.Int("ticks", summary.Ticks), zap.Int64("charged_cents", summary.Accumulated.Int64()))
	}
	hub.Close()
	return serveErr
}

func serveGRPC(ctx context.Context, grpcServer *grpc.Server, listenAddr string, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func newWaitlist(ctx context.Context, cfg config.Config, fallback session.WaitlistStore, logger *zap.Logger) (session.WaitlistStore, func() error, error) {
	if cfg.RedisAddr == "" {
		return fallback, func() error { return nil }, nil
	}
	client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("redis open: %w", err)
	}
	logger.Info("waitlist backed by redis", zap.String("addr", cfg.RedisAddr))
	return redisstore.NewWaitlist(client, cfg.RedisPrefix), client.Close, nil
}

func newNotifier(ctx context.Context, cfg config.Config, tokens *gormstore.Store, logger *zap.Logger) (session.Notifier, error) {
	if !cfg.PushEnabled() {
		return notify.NewLogNotifier(logger.Named("notify")), nil
	}
	client, err := notify.NewMessagingClient(ctx, cfg.FirebaseCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("fcm init: %w", err)
	}
	notifier, err := notify.NewFCMNotifier(client, tokens, logger.Named("notify"))
	if err != nil {
		return nil, err
	}
	return notifier, nil
}
