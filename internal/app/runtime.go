// Package app wires the storage, catalog and observability components shared
// by the fulfillment binaries according to config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/fulfillment"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/infrastructure/sqlite"
	"github.com/drfirst/go-rxfill/internal/inventory"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// CatalogWriter loads stock records; only the seed command uses it.
type CatalogWriter interface {
	Upsert(ctx context.Context, entries []inventory.Entry) (int, error)
}

// Runtime holds the components built from one Config.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Repo    prescription.Repository
	Catalog inventory.Catalog
	Writer  CatalogWriter
	Breaker *circuitbreaker.CircuitBreaker

	// Pool is set for the postgres driver only.
	Pool *pgxpool.Pool
	DB   *sqlx.DB

	inboxStore idempotency.Store
	redis      *redis.Client
	closers    []func()
}

// Open connects the configured store and builds the catalog chain:
// Redis cache (when REDIS_URL is set) over a circuit breaker over the store.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	var base inventory.Catalog
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)

		rt.Repo = postgres.NewStore(pool, cfg.EventsTopic, logger)
		pgCatalog := postgres.NewCatalog(pool)
		base, rt.Writer = pgCatalog, pgCatalog
		rt.inboxStore = idempotency.NewPGStore(pool)
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.DB = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })

		rt.Repo = sqlite.NewStore(db, logger)
		sqlCatalog := sqlite.NewCatalog(db)
		base, rt.Writer = sqlCatalog, sqlCatalog
		rt.inboxStore = idempotency.NewMemoryStore()
	}

	breakerCfg := circuitbreaker.DefaultConfig("inventory-catalog")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		rt.Metrics.BreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create catalog breaker: %w", err)
	}
	rt.Breaker = breaker
	rt.Metrics.BreakerState(breaker.Name(), breaker.State().Gauge())
	rt.Catalog = inventory.NewGuardedCatalog(base, breaker)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rt.redis = redis.NewClient(opts)
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
		rt.Catalog = inventory.NewCachedCatalog(rt.Catalog, rt.redis, cfg.CatalogCacheTTL, logger)
		logger.Info("catalog cache enabled", zap.Duration("ttl", cfg.CatalogCacheTTL))
	}

	logger.Info("runtime ready", zap.String("driver", cfg.DatabaseDriver))
	return rt, nil
}

// Inbox returns an idempotency inbox on the driver's store and starts its
// cleanup loop. terminal marks handler errors that must not be retried.
func (rt *Runtime) Inbox(terminal func(error) bool) *idempotency.Inbox {
	cfg := idempotency.DefaultConfig()
	cfg.Terminal = terminal
	inbox := idempotency.NewInbox(rt.inboxStore, cfg, rt.Logger)
	inbox.StartCleanup()
	rt.closers = append(rt.closers, inbox.Stop)
	return inbox
}

// Service builds the fulfillment service.
func (rt *Runtime) Service(inbox *idempotency.Inbox) (*fulfillment.Service, error) {
	tax, err := rt.Config.Tax()
	if err != nil {
		return nil, err
	}
	cfg := fulfillment.Config{TaxRate: tax, StockCheck: rt.Config.StockCheck}
	opts := []fulfillment.Option{fulfillment.WithMetrics(rt.Metrics)}
	if inbox != nil {
		opts = append(opts, fulfillment.WithInbox(inbox))
	}
	return fulfillment.NewService(rt.Repo, rt.Catalog, cfg, rt.Logger, opts...), nil
}

// Ping checks the store and, when configured, the cache.
func (rt *Runtime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if rt.Pool != nil {
		if err := rt.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rt.DB != nil {
		if err := rt.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases everything Open and Inbox acquired, newest first.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
