package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/ally-relay/internal/broker"
	"github.com/MrSnakeDoc/ally-relay/internal/config"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver"
	"github.com/MrSnakeDoc/ally-relay/internal/httpserver/deps"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
	"github.com/MrSnakeDoc/ally-relay/internal/redis"
	"github.com/MrSnakeDoc/ally-relay/internal/registry"
	"github.com/MrSnakeDoc/ally-relay/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/ally-relay/internal/store/redis"
	"github.com/MrSnakeDoc/ally-relay/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	broker      *broker.Broker
	redisClient *goredis.Client
	sweeper     *scheduler.Sweeper
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	reg := registry.New(registry.WithMessageLimit(cfg.MessageLimit))

	var brokerOpts []broker.Option

	// Redis is optional: it only mirrors state for outside readers.
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		client, err := redis.New(context.Background(), redis.OptionsFromConfig(cfg), loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		redisClient = client

		mirror := redisstore.NewMirror(redisClient, cfg.RedisMirrorTTL)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RedisPingTimeout)
		if n, err := mirror.Reset(ctx); err != nil {
			loggerClient.Warn("failed to reset redis mirror", logger.Error(err))
		} else if n > 0 {
			loggerClient.Info("cleared mirrored instances from a previous run", logger.Int("count", n))
		}
		cancel()

		brokerOpts = append(brokerOpts, broker.WithMirror(mirror))
		loggerClient.Info("redis mirror enabled", logger.String("channel", redisstore.ChannelEvents))
	} else {
		loggerClient.Info("redis address not configured, mirror disabled")
	}

	b := broker.New(reg, loggerClient, broker.OptionsFromConfig(cfg), brokerOpts...)

	var sweeper *scheduler.Sweeper
	if cfg.StaleInstanceTTL > 0 {
		sweeper = scheduler.NewSweeper(b, loggerClient, cfg.SweepInterval, cfg.StaleInstanceTTL)
	}

	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		TimeNow:        time.Now,
		AllowedHosts:   cfg.AllowedHosts,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		Registry:       reg,
		Broker:         b,
		RedisClient:    redisClient,
		RegisterLimit: deps.RegisterLimit{
			Burst:        cfg.RegisterBurst,
			RefillPerMin: cfg.RegisterRefillPerMin,
		},
	}

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      httpserver.New(cfg, loggerClient, d),
		broker:      b,
		redisClient: redisClient,
		sweeper:     sweeper,
	}
}

func (a *App) Run() error {
	defer func() { _ = a.logger.Sync() }()

	a.logger.Infof("🚀 Starting ally-relay v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.sweeper != nil {
		a.sweeper.Start(ctx)
		a.logger.Info("stale instance sweeper started",
			logger.Duration("interval", a.cfg.SweepInterval),
			logger.Duration("ttl", a.cfg.StaleInstanceTTL))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
	a.broker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	if runErr != nil {
		return runErr
	}
	a.logger.Info("✅ ally-relay stopped cleanly")
	return nil
}
