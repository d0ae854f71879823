package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/resqnet/resqnet/internal/config"
	"github.com/resqnet/resqnet/internal/domain/dispatch"
	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/internal/platform/db"
	"github.com/resqnet/resqnet/internal/platform/events"
	"github.com/resqnet/resqnet/internal/platform/logging"
	"github.com/resqnet/resqnet/internal/platform/metrics"
	"github.com/resqnet/resqnet/internal/platform/middleware"
	"github.com/resqnet/resqnet/internal/platform/overpass"
	"github.com/resqnet/resqnet/internal/platform/scheduler"
	"github.com/resqnet/resqnet/internal/platform/websocket"
)

const (
	shutdownTimeout   = 10 * time.Second
	queueDrainTimeout = 5 * time.Second
	syncJobTimeout    = 5 * time.Minute
	devSigningKey     = "resqnet-development-signing-key!"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) (zerolog.Logger, func()) {
	logger, closer := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: cfg.IsDev(),
		File:    cfg.LogFile,
	})
	return logger, func() { _ = closer.Close() }
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	key := cfg.JWTSecret
	if key == "" && cfg.IsDev() {
		key = devSigningKey
	}
	return auth.JWTConfig{Issuer: cfg.JWTIssuer, SigningKey: []byte(key)}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := newServer(ctx, cfg, logger, st)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.scheduler.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", string(st.name)).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// server is the assembled HTTP application and its background pieces.
type server struct {
	echo      *echo.Echo
	metrics   *metrics.Metrics
	hub       *websocket.Hub
	scheduler *scheduler.Scheduler
	dispatch  *dispatch.Service
	closers   []func()
}

func (s *server) Close() {
	s.scheduler.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, st *store) (*server, error) {
	m := metrics.New()
	hub := websocket.NewHub(logger)
	srv := &server{metrics: m, hub: hub}

	sinks := []events.Sink{events.NewWebSocketSink(hub)}
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; event stream disabled")
		} else {
			sinks = append(sinks, events.NewRedisSink(client, cfg.RedisStream, cfg.RedisStreamMax))
			srv.closers = append(srv.closers, func() { _ = client.Close() })
			logger.Info().Str("stream", cfg.RedisStream).Msg("publishing events to redis")
		}
	}
	if cfg.MQTTBroker != "" {
		client, err := events.ConnectMQTT(events.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mqtt unavailable; device events disabled")
		} else {
			sinks = append(sinks, events.NewMQTTSink(client, cfg.MQTTTopicPrefix, byte(cfg.MQTTQoS)))
			srv.closers = append(srv.closers, func() { client.Disconnect(250) })
			logger.Info().Str("broker", cfg.MQTTBroker).Msg("publishing events to mqtt")
		}
	}
	if cfg.WebhookURL != "" {
		sink, err := events.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookRetries)
		if err != nil {
			for _, c := range srv.closers {
				c()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
		logger.Info().Msg("publishing events to webhook")
		if worst := events.WebhookWorstCaseDelivery(cfg.WebhookRetries); cfg.EventDeliveryTimeout > 0 && cfg.EventDeliveryTimeout < worst {
			logger.Warn().
				Dur("delivery_timeout", cfg.EventDeliveryTimeout).
				Dur("webhook_worst_case", worst).
				Msg("EVENT_DELIVERY_TIMEOUT may cut webhook retries short")
		}
	}
	queue := events.NewQueue(events.NewMulti(logger, m, sinks...), cfg.EventQueueSize, cfg.EventDeliveryTimeout, logger, m)
	srv.closers = append(srv.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
		defer cancel()
		_ = queue.Close(ctx)
	})

	hospitals := hospital.NewCachedRepository(st.hospitals, cfg.HospitalCacheTTL)
	dispatchSvc := dispatch.NewService(st.emergencies, st.notifications, hospitals, dispatch.Config{
		DefaultRadiusKm:   cfg.DefaultRadiusKm,
		EscalationLimit:   cfg.EscalationLimit,
		FanOutConcurrency: cfg.FanOutConcurrency,
	}, logger, m)
	dispatchSvc.SetPublisher(queue)
	srv.dispatch = dispatchSvc

	hospitalSvc := hospital.NewService(hospitals)
	syncer := hospital.NewSyncer(hospitals, overpass.NewClient(cfg.OverpassURL), st.tx, logger)
	area := hospital.Area{
		Latitude:  cfg.HospitalSyncLat,
		Longitude: cfg.HospitalSyncLng,
		RadiusKm:  cfg.HospitalSyncRadiusKm,
	}

	srv.scheduler = scheduler.New(time.UTC, syncJobTimeout, logger)
	if cfg.HospitalSyncEnabled() {
		_, err := srv.scheduler.Add("hospital-sync", cfg.HospitalSyncCron, func(ctx context.Context) error {
			_, err := syncer.Sync(ctx, area.Latitude, area.Longitude, area.RadiusKm)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := jwtConfig(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled: X-Dev-Role and X-Hospital-ID headers are trusted")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.name, st.pinger))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	dispatch.NewHandler(dispatchSvc).RegisterRoutes(apiV1)
	hospital.NewHandler(hospitalSvc, syncer, area).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, events.AuthorizeTopics).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}
