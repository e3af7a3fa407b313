// Package httpapi exposes the wallet, session history and prediction endpoints over HTTP and mounts the realtime gateway.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/astrology"
	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultRatePerSecond  = 20
	defaultRateBurst      = 40
	shutdownTimeout       = 10 * time.Second
)

var ErrInvalidServerConfig = errors.New("invalid http server config")

// Authenticator resolves the caller of a request.
type Authenticator interface {
	FromRequest(request *http.Request) (auth.Identity, error)
}

// Wallet is the ledger surface the API reads.
type Wallet interface {
	OpenAccount(ctx context.Context, accountID ledger.AccountID, role ledger.AccountRole) (ledger.Account, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Recharger confirms top-ups with the payment gateway.
type Recharger interface {
	Recharge(ctx context.Context, accountID ledger.AccountID, transactionRef string) (ledger.AmountCents, error)
}

// Sessions is the session manager surface the API uses.
type Sessions interface {
	Request(ctx context.Context, requesterID ledger.AccountID, providerID ledger.AccountID, sessionType session.Type) (session.Session, error)
	End(ctx context.Context, actorID ledger.AccountID, sessionID string) (session.Session, error)
	Get(ctx context.Context, actorID ledger.AccountID, sessionID string) (session.Session, error)
	History(ctx context.Context, accountID ledger.AccountID, limit int) ([]session.Session, error)
	Messages(ctx context.Context, actorID ledger.AccountID, sessionID string, limit int) ([]session.Message, error)
	Waitlist(ctx context.Context, providerID ledger.AccountID) ([]session.WaitlistEntry, error)
	OnlineProviders() []ledger.AccountID
}

// Predictor computes astrology predictions.
type Predictor interface {
	Predict(ctx context.Context, birthData astrology.BirthData, kind astrology.Kind) (string, error)
}

// Devices stores push notification tokens.
type Devices interface {
	RegisterDeviceToken(ctx context.Context, accountID string, token string, platform string) error
	RemoveDeviceToken(ctx context.Context, token string) error
}

// Dependencies wires the API to its collaborators. Recharger, Predictor, Devices and Gateway are optional.
type Dependencies struct {
	Authenticator Authenticator
	Wallet        Wallet
	Sessions      Sessions
	Recharger     Recharger
	Predictor     Predictor
	Devices       Devices
	Gateway       http.Handler
}

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server owns the gin router.
type Server struct {
	authenticator Authenticator
	wallet        Wallet
	sessions      Sessions
	recharger     Recharger
	predictor     Predictor
	devices       Devices
	gateway       http.Handler
	config        Config
	logger        *zap.Logger
	limiter       *ipRateLimiter
	router        *gin.Engine

	openedAccounts sync.Map
}

// New validates dependencies and builds the router.
func New(dependencies Dependencies, config Config, logger *zap.Logger) (*Server, error) {
	if dependencies.Authenticator == nil || dependencies.Wallet == nil || dependencies.Sessions == nil {
		return nil, fmt.Errorf("%w: authenticator, wallet and sessions are required", ErrInvalidServerConfig)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.RateLimitPerSecond <= 0 {
		config.RateLimitPerSecond = defaultRatePerSecond
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = defaultRateBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		authenticator: dependencies.Authenticator,
		wallet:        dependencies.Wallet,
		sessions:      dependencies.Sessions,
		recharger:     dependencies.Recharger,
		predictor:     dependencies.Predictor,
		devices:       dependencies.Devices,
		gateway:       dependencies.Gateway,
		config:        config,
		logger:        logger,
		limiter:       newIPRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst),
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.config.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go server.sweepVisitors(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) sweepVisitors(ctx context.Context) {
	ticker := time.NewTicker(visitorSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.limiter.sweep()
		}
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(requestLogger(server.logger))
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if server.gateway != nil {
		router.GET("/ws", gin.WrapH(server.gateway))
	}

	api := router.Group("/api")
	api.Use(server.limiter.middleware())
	api.Use(server.requireIdentity())

	api.GET("/wallet", server.handleWallet)
	api.POST("/wallet/recharges", server.handleRecharge)
	api.GET("/sessions", server.handleListSessions)
	api.POST("/sessions", server.handleRequestSession)
	api.GET("/sessions/:id", server.handleGetSession)
	api.POST("/sessions/:id/end", server.handleEndSession)
	api.GET("/sessions/:id/messages", server.handleListMessages)
	api.GET("/providers/online", server.handleOnlineProviders)
	api.GET("/providers/me/waitlist", server.handleWaitlist)
	api.POST("/predictions", server.handlePrediction)
	api.POST("/devices", server.handleRegisterDevice)
	api.DELETE("/devices/:token", server.handleRemoveDevice)

	return router
}
