package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/config"
	"taskboard/gateway"
	"taskboard/hub"
	"taskboard/storage"
	"taskboard/subscription"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), os.LookupEnv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	base, err := storage.Open(storage.Options{
		Driver:           cfg.Store.Driver,
		SQLitePath:       cfg.Store.SQLitePath,
		ConnectionString: cfg.Store.ConnectionString,
		TasksTable:       cfg.Store.TasksTable,
		ActorsTable:      cfg.Store.ActorsTable,
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	var store storage.Backend = base

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(logger, cfg.Hub.SessionBuffer)
	var sink gateway.EventSink = h
	opts := gateway.Options{Logger: logger}
	var (
		relay *subscription.Relay
		rc    *redis.Client
	)
	if cfg.Redis.ConnectionString != "" {
		rc = redis.NewClient(config.RedisOptions(cfg.Redis.ConnectionString))
		if err := rc.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		store = storage.NewCache(base, rc, cfg.Redis.CacheTTL)
		opts.Deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
		relay = subscription.NewRelay(rc, cfg.Redis.Channel, cfg.Hub.RelayBuffer, h, logger)
		sink = relay
		go subscription.Subscribe(ctx, logger, rc, cfg.Redis.Channel, h)
	} else {
		logger.Info("redis not configured, events stay on this instance")
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	opts.Tracer = tp.Tracer("taskboard/gateway")
	gw := gateway.New(store, store, sink, opts)

	var authCfg api.AuthConfig
	if secret := cfg.HMACSecret(); secret != nil {
		logger.Warn("shared secret token verification enabled")
		authCfg = api.AuthConfig{HMACSecret: secret}
	} else {
		jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authCfg = api.AuthConfig{
			JWKS:        jwks,
			Audience:    cfg.Auth.Audience,
			Issuer:      cfg.Issuer(),
			KeyCacheTTL: cfg.Auth.JWKSCacheTTL,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.HTTPErrorHandler = api.HTTPErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(api.GzipRequestMiddleware())
	if cfg.Debug {
		pprof.Register(e)
	}

	api.Register(e, api.Services{
		Tasks:     gw,
		Actors:    store,
		Store:     store,
		Hub:       h,
		Auth:      api.NewAuth(authCfg),
		Logger:    logger,
		Heartbeat: cfg.Hub.Heartbeat,
	})

	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	// Closing the hub ends every push stream so Shutdown does not wait on them.
	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	if relay != nil {
		relay.Stop()
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			logger.WithError(err).Warn("redis close")
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("store close")
	}
}
