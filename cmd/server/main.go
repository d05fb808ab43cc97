package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/orderbook-engine/internal/config"
	"github.com/atmx/orderbook-engine/internal/matching"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/settlement"
	"github.com/atmx/orderbook-engine/internal/store"
	"github.com/atmx/orderbook-engine/internal/stream"
	"github.com/atmx/orderbook-engine/internal/trade"
)

// connectTimeout bounds how long startup waits for PostgreSQL and Redis.
const connectTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orderbook-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("orderbook-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var (
		st      store.Store
		rdb     *redis.Client
		cleanup []func()
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := retry(ctx, logger, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			return err
		}
		logger.Info("connected to Redis")
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := retry(ctx, logger, "postgres", func() error { return pool.Ping(ctx) }); err != nil {
			return err
		}
		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
				return err
			}
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL, logger)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Stream fan-out ---
	hub := stream.NewHub(logger)
	go hub.Run(ctx)

	var publisher stream.Publisher = hub
	if rdb != nil {
		relay := stream.NewRedisRelay(rdb, cfg.StreamChannel, hub, logger)
		go relay.Run(ctx)
		publisher = relay
	}

	// --- Engines and service ---
	priority, err := matching.ParsePriority(cfg.MatchPriority)
	if err != nil {
		return err
	}
	matcher := matching.NewEngine(st, logger, priority)
	settler := settlement.NewEngine(st, logger)

	svc := trade.NewService(trade.Deps{
		Store:     st,
		Matcher:   matcher,
		Settler:   settler,
		Throttle:  trade.NewThrottle(cfg.OrderRateLimit, cfg.OrderRateBurst),
		Publisher: publisher,
		Logger:    logger,
	})

	if cfg.SettleInterval > 0 {
		sweeper := settlement.NewSweeper(settler, st, cfg.SettleInterval, cfg.SettleWorkers, logger)
		sweeper.OnSettled = func(res settlement.Result) { svc.PublishSettled(ctx, res) }
		go sweeper.Run(ctx)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"orderbook-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market updates.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orderbook-engine listening", "port", cfg.Port, "match_priority", priority)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down orderbook-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}

// retry pings a dependency with exponential backoff until it answers or
// connectTimeout elapses.
func retry(ctx context.Context, logger *slog.Logger, name string, ping func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("dependency not ready", "name", name, "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", name, err)
	}
	return nil
}
