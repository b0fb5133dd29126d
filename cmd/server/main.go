package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/batch"
	"github.com/atmx/settlement-engine/internal/calendar"
	"github.com/atmx/settlement-engine/internal/config"
	cronrunner "github.com/atmx/settlement-engine/internal/cron"
	"github.com/atmx/settlement-engine/internal/cycle"
	"github.com/atmx/settlement-engine/internal/logger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/query"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	cfgPath := os.Getenv("SETTLE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SETTLE_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize stores ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// One Redis client serves every tenant; cache keys carry the tenant.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		log.Info("redis cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}

	stores := make(map[string]store.Store)
	for id, dbURL := range cfg.TenantDatabases() {
		st, closeFn, err := openStore(ctx, cfg.DB, dbURL, rdb, cfg.Redis.TTL, log.With(zap.String("tenant", id)))
		if err != nil {
			log.Fatal("tenant store failed", zap.String("tenant", id), zap.Error(err))
		}
		if closeFn != nil {
			cleanup = append(cleanup, closeFn)
		}
		stores[id] = st
	}
	router := store.NewRouter(stores)
	log.Info("tenants loaded", zap.Strings("tenants", router.Tenants()))

	// --- Operator feed ---
	hub := notify.NewHub(log)
	go hub.Run(ctx)

	// --- Services ---
	holidays, err := calendar.ParseHolidays(cfg.Calendar.Holidays)
	if err != nil {
		log.Fatal("invalid holidays", zap.Error(err))
	}
	settlementSvc := settlement.NewService(router, settlement.NewCreationService(log), hub, log)
	resettlementSvc := settlement.NewResettlementService(settlementSvc)
	querySvc := query.NewService(router)
	batchSvc := batch.NewService(router, holidays, hub, log)

	defaultTenant := ""
	if len(cfg.Tenants) == 0 {
		defaultTenant = cfg.App.DefaultTenant
	}
	apiHandler := api.NewHandler(router, settlementSvc, resettlementSvc, querySvc, defaultTenant, log)

	// --- Batch scheduler ---
	if cfg.Scheduler.Enabled {
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			log.Fatal("invalid scheduler timezone", zap.Error(err))
		}
		cycles, err := cycle.ParseAll(cfg.Scheduler.Cycles)
		if err != nil {
			log.Fatal("invalid scheduler cycles", zap.Error(err))
		}
		runner := cronrunner.New(ctx, loc, log)
		sched := batch.NewScheduler(batchSvc, router, cycles, loc, log)
		if err := sched.Register(runner, cfg.Scheduler.Cron); err != nil {
			log.Fatal("scheduler registration failed", zap.Error(err))
		}
		runner.Start()
		cleanup = append(cleanup, runner.Stop)
	} else {
		log.Warn("batch scheduler disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket feed of review-required settlements and completed batches.
	// Registered outside the request timeout, which would cut the stream.
	r.Get("/api/v1/feed", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		apiHandler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("settlement-engine listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down settlement-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}

// openStore returns the store of one tenant: PostgreSQL (optionally behind
// the Redis cache) when dbURL is set, otherwise an in-memory store.
func openStore(ctx context.Context, dbCfg config.DBConfig, dbURL string, rdb *redis.Client, ttl time.Duration, log *zap.Logger) (store.Store, func(), error) {
	if dbURL == "" {
		log.Warn("no database url, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, nil, err
	}
	poolCfg.MaxConns = dbCfg.MaxConns
	poolCfg.MinConns = dbCfg.MinConns
	poolCfg.MaxConnLifetime = dbCfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = dbCfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if dbCfg.Migrate {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	log.Info("connected to PostgreSQL")

	var st store.Store = store.NewPostgresStore(pool)
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, ttl)
	}
	return st, pool.Close, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
