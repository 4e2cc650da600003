package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/factions/bank-engine/internal/api"
	"github.com/factions/bank-engine/internal/config"
	"github.com/factions/bank-engine/internal/feed"
	"github.com/factions/bank-engine/internal/ledger"
	"github.com/factions/bank-engine/internal/race"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("open store", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Event feed ---
	hub := feed.NewHub(cfg.CORSOrigin)
	go hub.Run(ctx)

	// --- Services ---
	ledgerSvc := ledger.NewService(st)
	registry := settings.NewRegistry(st)
	races := race.NewEngine(st, ledgerSvc, hub)

	if cfg.CompoundInterval > 0 {
		go runCompounder(ctx, ledgerSvc, cfg.CompoundInterval, cfg.CompoundPeriod)
	}

	srv := api.NewServer(st, ledgerSvc, registry, races, hub, api.Options{
		APIKey:         cfg.APIKey,
		CORSOrigin:     cfg.CORSOrigin,
		RequestTimeout: cfg.RequestTimeout,
		CompoundPeriod: cfg.CompoundPeriod,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("bank-engine listening", "port", cfg.Port, "store", cfg.Store)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down bank-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("bank-engine stopped")
}

// openStore connects the configured backend and wraps it with the Redis
// cache when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Store {
	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL", "max_conns", cfg.DBMaxConns)

	case config.StoreSQLite:
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite", "path", cfg.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

// runCompounder credits interest every interval until ctx is done.
func runCompounder(ctx context.Context, l *ledger.Service, interval, period time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Compound(ctx, period); err != nil {
				slog.Error("scheduled compounding failed", "err", err)
			}
		}
	}
}
