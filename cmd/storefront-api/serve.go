package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/config"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/longpoll"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/server"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.InstanceID)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver:       appConfig.DatabaseDriver,
		DSN:          appConfig.DatabaseDSN,
		MaxOpenConns: appConfig.DatabaseMaxOpenConns,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := realtime.NewMetrics()
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics,
	)

	bus := realtime.NewBus()

	connector, closeConnector, err := newConnector(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeConnector()

	channel, err := notify.NewClient(notify.ClientConfig{
		Connector:      connector,
		Bus:            bus,
		Channel:        appConfig.NotifyChannel,
		InstanceID:     appConfig.InstanceID,
		BaseDelay:      appConfig.ReconnectBaseDelay,
		MaxAttempts:    appConfig.MaxReconnectAttempts,
		PublishTimeout: appConfig.PublishTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	if err := channel.Start(signalCtx); err != nil {
		logger.Warn("notification channel unavailable at startup; retrying in background", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := channel.Close(closeCtx); err != nil {
			logger.Warn("notification channel close failed", zap.Error(err))
		}
	}()

	principals, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	inquiryService, err := inquiries.NewService(inquiries.ServiceConfig{
		Database: db,
		Notifier: channel,
		Admins:   principals,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := longpoll.NewCoordinator(longpoll.CoordinatorConfig{
		Source:         inquiryService,
		Bus:            bus,
		Logger:         logger,
		Metrics:        metrics,
		DefaultTimeout: appConfig.PollDefaultTimeout,
		MaxTimeout:     appConfig.PollMaxTimeout,
		PageLimit:      appConfig.PollPageLimit,
	})
	if err != nil {
		return err
	}

	streams := realtime.NewRegistry(realtime.RegistryConfig{
		Logger:            logger,
		Metrics:           metrics,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		StaleAfter:        appConfig.StaleAfter,
		ReplayLimit:       appConfig.ReplayLimit,
		HistorySize:       appConfig.HistorySize,
	})
	relay, err := realtime.NewRelay(realtime.RelayConfig{
		Bus:      bus,
		Registry: streams,
		Messages: inquiryService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go streams.Run(signalCtx)
	go relay.Run(signalCtx)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Principals:       principals,
		Inquiries:        inquiryService,
		Coordinator:      coordinator,
		Registry:         streams,
		Channel:          channel,
		Gatherer:         metricsRegistry,
		PollLimiter:      server.NewPollLimiter(appConfig.PollRatePerMinute),
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer, cancelRequests := newHTTPServer(appConfig.HTTPAddress, handler, streams.CloseAll)
	defer cancelRequests()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("notify_backend", appConfig.NotifyBackend),
			zap.String("channel_state", string(channel.State())))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newHTTPServer builds the API server. Shutdown cancels every request context, so parked
// long polls resolve as disconnects instead of holding Shutdown until their timeout.
func newHTTPServer(address string, handler http.Handler, onShutdown ...func()) (*http.Server, context.CancelFunc) {
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return requestCtx
		},
	}
	httpServer.RegisterOnShutdown(cancelRequests)
	for _, hook := range onShutdown {
		httpServer.RegisterOnShutdown(hook)
	}
	return httpServer, cancelRequests
}

// newConnector builds the cross-instance channel transport. The returned close function
// releases the transport's own pool and is safe to call when no connector was built.
func newConnector(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (notify.Connector, func(), error) {
	switch appConfig.NotifyBackend {
	case config.NotifyBackendPostgres:
		pool, err := pgxpool.New(ctx, appConfig.DatabaseDSN)
		if err != nil {
			return nil, func() {}, err
		}
		return notify.NewPostgresConnector(pool), pool.Close, nil
	case config.NotifyBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Debug("redis client close failed", zap.Error(err))
			}
		}
		return notify.NewRedisConnector(client), closeClient, nil
	default:
		logger.Info("cross-instance channel disabled; delivery is local to this instance")
		return nil, func() {}, nil
	}
}
