package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trading-engine/internal/config"
	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/marks"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/mtm"
	"github.com/atmx/trading-engine/internal/notify"
	"github.com/atmx/trading-engine/internal/settlement"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trading-engine exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("trading-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	st, locker, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var prices store.PriceLog
	if pl, ok := st.(store.PriceLog); ok {
		prices = pl
	}

	// --- Notifications ---
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QueueSize, logger)
	wsHub := trade.NewWSHub(logger)

	// --- Trade service ---
	markCache := marks.NewCache()
	tradeSvc := trade.NewService(st, cfg.Limiter(), notify.Multi{wsHub, notifier}, trade.Options{
		LiquidationRatio: cfg.LiquidationRatio(),
		Marks:            markCache,
		Logger:           logger,
	})

	// --- Mark-to-market pipeline: feed -> dispatcher -> engine ---
	engine := mtm.NewEngine(markCache, st, prices, tradeSvc, logger)
	dispatcher := mtm.NewDispatcher(cfg.MTM.Shards, cfg.MTM.QueueSize, engine.OnTick, logger)

	var markFeed *feed.Feed
	if cfg.Feed.URL != "" {
		markFeed = feed.New(feed.Config{
			URL:             cfg.Feed.URL,
			InitialBackoff:  cfg.Feed.InitialBackoff.Duration,
			MaxBackoff:      cfg.Feed.MaxBackoff.Duration,
			LivenessTimeout: cfg.Feed.LivenessTimeout.Duration,
			ResyncInterval:  cfg.Feed.ResyncInterval.Duration,
			ControlRate:     cfg.Feed.ControlRate,
		}, st, func(_ context.Context, tick model.Tick) {
			dispatcher.Submit(tick)
		}, logger)
	} else {
		logger.Warn("feed.url not set, mark price feed disabled")
	}

	// --- Settlement ---
	sweeper := settlement.NewSweeper(st, tradeSvc, markCache, settlement.Config{
		Interval: cfg.Settlement.Interval.Duration,
		LockTTL:  cfg.Settlement.LockTTL.Duration,
	}, logger, settlement.WithLocker(locker))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for per-owner event push. Long-lived, so it
		// sits outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	// --- Run ---
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(func() error { return wsHub.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	if markFeed != nil {
		g.Go(func() error { return markFeed.Run(ctx) })
	}

	g.Go(func() error {
		logger.Info("trading-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down trading-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore selects PostgreSQL (optionally fronted by Redis) when a DSN is
// configured and the in-memory store otherwise. The returned locker guards
// the settlement sweep across replicas when Redis is available.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, store.Locker, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Postgres.DSN == "" {
		logger.Warn("postgres.dsn not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), store.NewLocalLocker(), closeAll, nil
	}

	if cfg.Postgres.RunMigrations {
		if err := store.Migrate(ctx, cfg.Postgres.DSN, logger); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
	poolCfg.MinConns = int32(cfg.Postgres.PoolMinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	var st store.Store = store.NewPostgresStore(pool)
	var locker store.Locker = store.NewLocalLocker()
	logger.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		locker = store.NewRedisLocker(rdb)
		logger.Info("Redis cache enabled")
	}

	return st, locker, closeAll, nil
}

// cors allows cross-origin requests from the configured origins; "*"
// allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
