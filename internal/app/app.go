package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stockfolio/trading-service/internal/config"
	httphandler "github.com/stockfolio/trading-service/internal/handler/http"
	"github.com/stockfolio/trading-service/internal/quotes"
	"github.com/stockfolio/trading-service/internal/repository"
	"github.com/stockfolio/trading-service/internal/service"
	"github.com/stockfolio/trading-service/internal/websocket"
	"github.com/stockfolio/trading-service/storage/postgres"
	redisstorage "github.com/stockfolio/trading-service/storage/redis"
)

type App struct {
	cfg        *config.Config
	log        *slog.Logger
	httpServer *http.Server
	storage    *postgres.Storage
	cache      *redisstorage.Client
	subscriber *redisstorage.Subscriber
	wsManager  *websocket.Manager
	refresher  *quotes.Refresher

	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *slog.Logger, cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())

	storage, err := postgres.New(cfg.Database)
	if err != nil {
		cancel()
		panic(fmt.Errorf("failed to init storage: %w", err))
	}

	cache, err := redisstorage.NewClient(cfg.Redis)
	if err != nil {
		cancel()
		panic(fmt.Errorf("failed to connect to redis: %w", err))
	}
	subscriber := redisstorage.NewSubscriber(cfg.Redis, log)

	usersRepo := repository.NewUsersRepository(storage.DB)
	tokenRepo := repository.NewTokenRepository(storage.DB)
	ledgerRepo := repository.NewLedgerRepository(storage.DB)

	usersService, err := service.NewUsersService(usersRepo, tokenRepo, storage.DB, cfg.Security, cfg.Trading)
	if err != nil {
		cancel()
		panic(fmt.Errorf("failed to init users service: %w", err))
	}

	provider := quotes.NewHTTPProvider(cfg.Quotes, cache, log)
	refresher := quotes.NewRefresher(provider, cfg.Quotes.RefreshInterval, log)

	tradingService := service.NewTradingService(ledgerRepo, provider, storage.DB)

	wsManager := websocket.NewManager(log, subscriber, refresher, ledgerRepo)

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	httpHandler := httphandler.NewHandler(usersService, tradingService, provider, wsManager, log, cfg.Security.JWTSecret)
	httpHandler.RegisterRoutes(ginEngine)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", strconv.FormatUint(uint64(cfg.HTTP.Port), 10)),
		Handler: ginEngine,
	}

	return &App{
		cfg:        cfg,
		log:        log,
		httpServer: httpServer,
		storage:    storage,
		cache:      cache,
		subscriber: subscriber,
		wsManager:  wsManager,
		refresher:  refresher,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (a *App) Run() error {
	errChan := make(chan error, 1)
	a.log.Info("starting application components...")

	go func() {
		a.log.Info("websocket manager started")
		a.wsManager.Run(a.ctx)
		a.log.Info("websocket manager stopped")
	}()

	go func() {
		a.log.Info("quote refresher started")
		a.refresher.Run(a.ctx)
		a.log.Info("quote refresher stopped")
	}()

	go func() {
		if err := a.runHTTP(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	err := <-errChan
	a.log.Warn("shutting down application due to an error", "error", err)

	a.Stop()
	return err
}

func (a *App) Stop() {
	a.log.Info("stopping application components gracefully...")

	a.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.HTTP.Timeout)
	defer shutdownCancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("failed to gracefully shutdown HTTP server", "error", err)
	} else {
		a.log.Info("HTTP server stopped")
	}

	a.subscriber.Close()

	if err := a.cache.Close(); err != nil {
		a.log.Warn("failed to close redis client", "error", err)
	}

	if err := a.storage.Stop(); err != nil {
		a.log.Error("failed to stop storage", "error", err)
	} else {
		a.log.Info("database connection closed")
	}
}

func (a *App) runHTTP() error {
	const op = "app.runHTTP"

	a.log.Info("HTTP server is running", "addr", a.httpServer.Addr)

	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
