// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the frontier daemon.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/clock/system"
	"github.com/JakeFAU/crawl-frontier/internal/collect"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/xxhash"
	kafkapublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-frontier/internal/registry"
	jsonserializer "github.com/JakeFAU/crawl-frontier/internal/serialize/json"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
	"github.com/JakeFAU/crawl-frontier/internal/storage/mongostore"
	"github.com/JakeFAU/crawl-frontier/internal/storage/postgres"
	"github.com/JakeFAU/crawl-frontier/internal/storage/redisstore"
	"github.com/JakeFAU/crawl-frontier/internal/storage/sqlite"
)

// App holds the shared, long-lived services for the daemon.
type App struct {
	Logger    *zap.Logger
	Registry  *registry.Service
	Collector *collect.Collector
	Frontier  *frontier.Frontier
	Server    *api.Server

	pgPool  *pgxpool.Pool
	closers []func(context.Context) error
	checks  []api.ReadinessFunc
}

// New builds every service selected by cfg. On failure, whatever was opened
// is closed again before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Logger: logger}
	defer func() {
		if err != nil {
			if closeErr := a.Close(context.Background()); closeErr != nil {
				logger.Warn("cleanup after failed init", zap.Error(closeErr))
			}
		}
	}()

	logger.Info("initializing application services",
		zap.String("registry", cfg.Registry.Backend),
		zap.String("collector", cfg.Collector.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)

	clock := system.New()
	serializer := jsonserializer.New()

	known, err := a.knownURIStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Registry, err = registry.New(known, clock, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	backend, err := a.collectionBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Collector, err = collect.New(backend, serializer, xxhash.New(), cfg.CollectorOptions(), logger.Named("collector"))
	if err != nil {
		return nil, fmt.Errorf("init collector: %w", err)
	}

	pub, err := a.publisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Frontier, err = frontier.New(a.Registry, a.Collector, serializer, pub, clock, cfg.FrontierOptions(), logger.Named("frontier"))
	if err != nil {
		return nil, fmt.Errorf("init frontier: %w", err)
	}

	a.Server, err = api.NewServer(api.Deps{
		Registry:  a.Registry,
		Collector: a.Collector,
		Completer: a.Frontier,
		Ready:     a.Ready,
	}, cfg, logger.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("init api: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) knownURIStore(ctx context.Context, cfg config.Config) (frontier.KnownURIStore, error) {
	policy := cfg.RecrawlPolicy()
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		return memory.NewKnownURIStore(policy), nil
	case config.BackendPostgres:
		p, err := a.postgresPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewKnownURIStoreWithPool(p, cfg.DB.Table, policy)
		if err != nil {
			return nil, fmt.Errorf("init postgres registry: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init postgres registry: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		store, err := redisstore.NewKnownURIStore(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, policy)
		if err != nil {
			return nil, fmt.Errorf("init redis registry: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil
	case config.BackendMongo:
		store, err := mongostore.NewKnownURIStore(ctx, mongostore.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		}, policy)
		if err != nil {
			return nil, fmt.Errorf("init mongo registry: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", cfg.Registry.Backend)
	}
}

func (a *App) collectionBackend(ctx context.Context, cfg config.Config) (frontier.CollectionBackend, error) {
	switch cfg.Collector.Backend {
	case config.BackendMemory:
		return memory.NewCollectionStore(), nil
	case config.BackendPostgres:
		p, err := a.postgresPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, p, cfg.DB.Table); err != nil {
			return nil, fmt.Errorf("init postgres collector: %w", err)
		}
		store, err := postgres.NewCollectionStoreWithPool(p)
		if err != nil {
			return nil, fmt.Errorf("init postgres collector: %w", err)
		}
		return store, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("init sqlite collector: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown collector backend: %s", cfg.Collector.Backend)
	}
}

func (a *App) publisher(ctx context.Context, cfg config.Config) (frontier.Publisher, error) {
	switch cfg.Publisher.Backend {
	case config.BackendMemory:
		a.Logger.Info("using in-memory publisher; dispatch messages stay in process")
		return memorypublisher.New(), nil
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client, cfg.PubSub.TopicName)
		a.closers = append(a.closers, func(context.Context) error {
			pub.Stop()
			return client.Close()
		})
		return pub, nil
	case config.BackendKafka:
		writer := kafkapublisher.NewWriter(cfg.Kafka.Brokers)
		pub := kafkapublisher.New(writer, cfg.Kafka.Topic)
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", cfg.Publisher.Backend)
	}
}

// postgresPool returns the pool shared by the postgres registry and collector.
func (a *App) postgresPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if a.pgPool != nil {
		return a.pgPool, nil
	}
	p, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		Table:           cfg.DB.Table,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.pgPool = p
	a.closers = append(a.closers, func(context.Context) error {
		p.Close()
		return nil
	})
	a.checks = append(a.checks, func(ctx context.Context) error { return p.Ping(ctx) })
	return p, nil
}

// Ready runs every registered downstream check.
func (a *App) Ready(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("readiness: %w", err)
		}
	}
	return nil
}

// Run drives the scheduling loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.Frontier == nil {
		return errors.New("frontier is not initialized")
	}
	return a.Frontier.Run(ctx)
}

// Close releases every backend in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
