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

	"github.com/jonboulle/clockwork"
	"github.com/policy-lab/polis/internal/adapter/httpserver"
	"github.com/policy-lab/polis/internal/adapter/metrics"
	"github.com/policy-lab/polis/internal/adapter/polisapi"
	"github.com/policy-lab/polis/internal/adapter/redis"
	wshub "github.com/policy-lab/polis/internal/adapter/websocket"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/platform/config"
	"github.com/policy-lab/polis/internal/platform/crypto"
	"github.com/policy-lab/polis/internal/platform/logging"
	"github.com/policy-lab/polis/internal/sentiment"
	"github.com/policy-lab/polis/internal/view"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis connects when REDIS_URL is set. Without it toggles are only debounced by
// the HTTP rate limiter.
func setupRedis(cfg *config.Config, m *metrics.Set) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, cross-instance toggle debounce disabled")
		return nil
	}

	client, err := redis.NewClient(cfg.RedisURL, m.Backend, m.Backend)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupBackend(cfg *config.Config, m *metrics.Set) *polisapi.Client {
	client, err := polisapi.New(cfg.BackendURL, cfg.BackendTimeout, polisapi.WithRecorder(m.Backend))
	if err != nil {
		slog.Error("Failed to create backend client", "error", err)
		os.Exit(1)
	}
	return client
}

func setupTokenSealer(cfg *config.Config) crypto.TokenSealer {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, backend tokens are stored unsealed in the session cookie")
		return crypto.NoopSealer{}
	}
	sealer, err := crypto.NewAESGCMSealer(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create token sealer", "error", err)
		os.Exit(1)
	}
	return sealer
}

func backendHealthCheck(client *polisapi.Client) httpserver.HealthCheck {
	return httpserver.HealthCheck{
		Name: "backend",
		Check: func(context.Context) error {
			if client.BreakerState() == "open" {
				return errors.New("backend circuit breaker is open")
			}
			return nil
		},
	}
}

func runGracefulShutdown(srv *httpserver.Server, registry *view.Registry, hub *wshub.Hub) <-chan struct{} {
	done := make(chan struct{})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		registry.Stop()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	promRegistry := metrics.NewRegistry()
	metricSet := metrics.NewSet(promRegistry)

	backend := setupBackend(cfg, metricSet)
	healthChecks := []httpserver.HealthCheck{backendHealthCheck(backend)}

	var debouncer domain.Debouncer
	if redisClient := setupRedis(cfg, metricSet); redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		debouncer = redis.NewDebouncer(redisClient, cfg.ToggleDebounce)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: redis.NewPinger(redisClient).Ping})
	}

	hub := wshub.NewHub(clock, metricSet.WebSocket, wshub.DefaultMaxClientsPerView)
	limits := wshub.NewConnectionLimits(clock, int64(cfg.MaxWebSocketConnections),
		wshub.DefaultMaxPerIP, wshub.DefaultConnectRate, wshub.DefaultConnectBurst)

	registry := view.NewRegistry(view.Options{
		Publisher:    hub,
		Clock:        clock,
		VoteRecorder: metricSet.Views,
		SentimentOptions: []sentiment.Option{
			sentiment.WithRollback(cfg.SentimentRollbackOnFailure),
			sentiment.WithSubmitTimeout(cfg.BackendTimeout),
			sentiment.WithRecorder(metricSet.Sentiment),
		},
	}, cfg.ViewIdleTimeout, metricSet.Views)

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Participants:   backend,
		Views:          registry,
		Hub:            hub,
		Limits:         limits,
		Tokens:         setupTokenSealer(cfg),
		Debouncer:      debouncer,
		Metrics:        metricSet.HTTP.Middleware(),
		MetricsHandler: metrics.Handler(promRegistry),
		ErrorRecorder:  metricSet.HTTP,
		HealthChecks:   healthChecks,
	})

	done := runGracefulShutdown(srv, registry, hub)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Server stopped")
}
