// Package app assembles the engine and its collaborators from configuration.
// The server and the CLI share it.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/client"
	"github.com/pesio-ai/be-ad-reservations/internal/config"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/repository/sqlite"
	"github.com/pesio-ai/be-ad-reservations/internal/service"
	"github.com/pesio-ai/be-ad-reservations/migrations"
	"github.com/redis/go-redis/v9"
)

// App holds the wired engine and everything that needs closing.
type App struct {
	Config *config.Config
	Store  repository.Store
	Engine *service.Engine
	Lease  service.SweepLease

	closers []func()
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore opens the configured store and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(), error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		st, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.Database.SQLitePath).Msg("SQLite store opened")
		return st, func() { _ = st.Close() }, nil
	default:
		db, err := database.Open(ctx, database.Config{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnTime,
			MaxConnIdleTime: cfg.Database.MaxIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := migrations.Apply(ctx, db.Pool()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		log.Info().Msg("Database connection established")
		return repository.NewPostgresStore(db), db.Close, nil
	}
}

// Build wires the engine. Optional collaborators fall back to local
// implementations when their endpoint is not configured.
func Build(ctx context.Context, cfg *config.Config, metrics *service.Metrics, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	cat := catalog.Default()
	if cfg.Engine.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.Engine.CatalogPath); err != nil {
			return nil, fmt.Errorf("load placement catalog: %w", err)
		}
	}

	clk := clock.NewSystem()

	var notifier service.Notifier = client.NopNotifier{}
	if cfg.Messaging.NATSURL != "" {
		conn, err := client.ConnectNATS(cfg.Messaging.NATSURL, cfg.Service.Name)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() { drainNATS(conn, log) })
		notifier = client.NewNotificationPublisher(conn, cfg.Messaging.SubjectPrefix, clk, log.Component("notifications"))
		log.Info().Str("url", cfg.Messaging.NATSURL).Msg("Notification publisher connected")
	}

	var orders service.OrderGenerator = client.NoopOrderGenerator{}
	if cfg.Messaging.OrdersGRPCURL != "" {
		oc, err := client.NewOrderGRPCClient(cfg.Messaging.OrdersGRPCURL)
		if err != nil {
			return nil, fmt.Errorf("create orders client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = oc.Close() })
		orders = oc
		log.Info().Str("orders_grpc", cfg.Messaging.OrdersGRPCURL).Msg("Order service client initialized")
	} else {
		log.Warn().Msg("ORDERS_GRPC_URL not set, order ids are derived locally")
	}

	if cfg.Messaging.RedisURL != "" {
		rc, err := client.ConnectRedis(ctx, cfg.Messaging.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { closeRedis(rc, log) })
		a.Lease = client.NewRedisLease(rc, cfg.Service.Name+":sweep-lease", log.Component("lease"))
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	engine, err := service.NewEngine(engineCfg, service.Dependencies{
		Store:    store,
		Catalog:  cat,
		Clock:    clk,
		Orders:   orders,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	a.Engine = engine
	ok = true
	return a, nil
}

func drainNATS(conn *nats.Conn, log *logger.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
		conn.Close()
	}
}

func closeRedis(rc *redis.Client, log *logger.Logger) {
	if err := rc.Close(); err != nil {
		log.Warn().Err(err).Msg("Redis close failed")
	}
}
