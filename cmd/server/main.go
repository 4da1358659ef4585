package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rupneel/crypto-tracker/internal/adapter/coingecko"
	"github.com/rupneel/crypto-tracker/internal/adapter/httpserver"
	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/adapter/redis"
	"github.com/rupneel/crypto-tracker/internal/adapter/websocket"
	"github.com/rupneel/crypto-tracker/internal/app"
	"github.com/rupneel/crypto-tracker/internal/broadcast"
	"github.com/rupneel/crypto-tracker/internal/cache"
	"github.com/rupneel/crypto-tracker/internal/platform/config"
	"github.com/rupneel/crypto-tracker/internal/platform/logging"
	"github.com/rupneel/crypto-tracker/internal/platform/version"
)

const (
	cacheEvictionInterval = time.Minute
	shutdownTimeout       = 10 * time.Second
)

func runGracefulShutdown(srv *httpserver.Server, hub *broadcast.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hub first: hijacked WebSocket connections are not tracked by the HTTP server.
		if err := hub.Stop(shutdownCtx); err != nil {
			slog.Error("Broadcast hub shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis returns nil when no REDIS_URL is configured.
func setupRedis(cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, shared cache disabled")
		return nil
	}

	client, err := redis.NewClient(context.Background(), cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	reg := metrics.NewRegistry()

	upstream := coingecko.NewClient(coingecko.Config{
		BaseURL:     cfg.CoinGeckoURL,
		APIKey:      cfg.CoinGeckoAPIKey,
		Timeout:     cfg.UpstreamTimeout,
		MaxAttempts: cfg.UpstreamMaxAttempts,
	}, coingecko.WithClock(clock), coingecko.WithMetrics(metrics.NewUpstreamMetrics(reg)))

	storeOpts := []cache.Option{
		cache.WithClock(clock),
		cache.WithSingleFlight(cfg.CacheSingleFlight),
		cache.WithMetrics(metrics.NewCacheMetrics(reg)),
	}

	healthChecks := []httpserver.HealthCheck{{
		Name: "upstream",
		Check: func(context.Context) error {
			if upstream.BreakerOpen() {
				return errors.New("market data circuit breaker open")
			}
			return nil
		},
	}}

	redisClient := setupRedis(cfg, reg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		storeOpts = append(storeOpts, cache.WithBackend(redis.NewSnapshotCache(redisClient, clock)))
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	store := cache.NewStore(upstream, storeOpts...)
	stopEviction := store.StartEvictionTimer(cacheEvictionInterval)
	defer stopEviction()

	market := app.NewMarketService(store, cfg.CacheTTL)

	hub := broadcast.NewHub(market, clock, broadcast.HubConfig{
		Scheduler: broadcast.SchedulerConfig{
			Interval: cfg.BroadcastInterval,
			Backoff:  cfg.BroadcastBackoff,
			TopN:     cfg.BroadcastTopN,
			Currency: cfg.BroadcastCurrency,
		},
		MaxConnections: cfg.MaxWebSocketConnections,
	}, metrics.NewBroadcastMetrics(reg))
	hub.Start(context.Background())

	checkOrigin := websocket.NewCheckOrigin(cfg.AppURL, cfg.AllowedOrigins(), cfg.IsDevelopment())
	wsHandler := websocket.NewHandler(hub, checkOrigin, clock,
		websocket.WithSendBuffer(websocket.SendBufferSize(cfg.BroadcastTopN)))

	srv := httpserver.NewServer(cfg, market, wsHandler.Serve,
		httpserver.WithMetrics(metrics.Handler(reg), metrics.NewHTTPMetrics(reg)),
		httpserver.WithHealthChecks(healthChecks...),
		httpserver.WithBroadcastStatus(hub),
	)

	done := runGracefulShutdown(srv, hub)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
