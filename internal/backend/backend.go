// Package backend opens the store and task queue selected by a config.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/chronicle/internal/config"
	"github.com/petrijr/chronicle/internal/persistence"
	"github.com/petrijr/chronicle/internal/taskqueue"
)

// Backend is an opened store and queue pair.
type Backend struct {
	Store persistence.Store
	Queue taskqueue.Queue

	closers []func() error
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// connections caches handles so the store and the queue share one pool when
// they point at the same database.
type connections struct {
	b       *Backend
	sqlite  map[string]*sql.DB
	pgpools map[string]*pgxpool.Pool
	mongos  map[string]*mongo.Client
}

// Open connects to the configured backends. The config must be valid.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	c := &connections{
		b:       &Backend{},
		sqlite:  map[string]*sql.DB{},
		pgpools: map[string]*pgxpool.Pool{},
		mongos:  map[string]*mongo.Client{},
	}

	store, err := c.openStore(ctx, cfg.Storage)
	if err != nil {
		_ = c.b.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	c.b.Store = store

	kind, dsn := cfg.QueueBackend()
	queue, err := c.openQueue(ctx, kind, dsn, cfg.Storage.Database)
	if err != nil {
		_ = c.b.Close()
		return nil, fmt.Errorf("open %s queue: %w", kind, err)
	}
	c.b.Queue = queue

	return c.b, nil
}

func (c *connections) openStore(ctx context.Context, sc config.StorageConfig) (persistence.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return persistence.NewInMemoryStore(), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB(sc.DSN)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(db)
	case config.BackendPostgres:
		pool, err := c.pgPool(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return persistence.NewPostgresStore(ctx, pool)
	case config.BackendRedis:
		client, err := redisClient(sc.DSN)
		if err != nil {
			return nil, err
		}
		c.b.closers = append(c.b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return persistence.NewRedisStore(client, sc.KeyPrefix), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return persistence.NewMongoStore(ctx, client, sc.Database)
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (c *connections) openQueue(ctx context.Context, kind, dsn, database string) (taskqueue.Queue, error) {
	switch kind {
	case config.BackendMemory:
		return taskqueue.NewInMemoryQueue(), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB(dsn)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db)
	case config.BackendPostgres:
		pool, err := c.pgPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, pool)
	case config.BackendMongo:
		client, err := c.mongoClient(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(ctx, client, database)
	}
	return nil, fmt.Errorf("backend %q has no task queue", kind)
}

func (c *connections) sqliteDB(dsn string) (*sql.DB, error) {
	if db, ok := c.sqlite[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	c.sqlite[dsn] = db
	c.b.closers = append(c.b.closers, db.Close)
	return db, nil
}

func (c *connections) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if pool, ok := c.pgpools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	c.pgpools[dsn] = pool
	c.b.closers = append(c.b.closers, func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func (c *connections) mongoClient(ctx context.Context, dsn string) (*mongo.Client, error) {
	if client, ok := c.mongos[dsn]; ok {
		return client, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, err
	}
	c.mongos[dsn] = client
	c.b.closers = append(c.b.closers, func() error {
		return client.Disconnect(context.Background())
	})
	return client, nil
}

// redisClient accepts either a redis:// URL or a bare host:port.
func redisClient(dsn string) (*redis.Client, error) {
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: dsn}), nil
}
