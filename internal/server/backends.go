package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
)

// backend holds the opened storage and queue and how to release them.
type backend struct {
	persistence persistence.Persistence
	queue       taskqueue.Queue
	closers     []func(context.Context) error

	sqlDB       *sql.DB
	redisClient *redis.Client
	mongoClient *mongo.Client
}

func (b *backend) close(ctx context.Context) error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

// openBackend connects the storage and queue drivers named in cfg.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}
	if err := b.openStorage(ctx, cfg.Storage); err != nil {
		_ = b.close(ctx)
		return nil, fmt.Errorf("storage %s: %w", cfg.Storage.Driver, err)
	}
	if err := b.openQueue(ctx, cfg); err != nil {
		_ = b.close(ctx)
		return nil, fmt.Errorf("queue %s: %w", cfg.Queue.Driver, err)
	}
	return b, nil
}

func (b *backend) openStorage(ctx context.Context, cfg config.StorageConfig) error {
	switch cfg.Driver {
	case config.DriverMemory:
		b.persistence = persistence.FromStore(persistence.NewInMemoryStore())
		return nil

	case config.DriverSQLite:
		db, err := b.openSQL(ctx, "sqlite", cfg.DSN)
		if err != nil {
			return err
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		b.persistence = persistence.FromStore(store)
		return nil

	case config.DriverPostgres:
		db, err := b.openSQL(ctx, "pgx", cfg.DSN)
		if err != nil {
			return err
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return err
		}
		b.persistence = persistence.FromStore(store)
		return nil

	case config.DriverRedis:
		client, err := b.openRedis(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		b.persistence = persistence.FromStore(persistence.NewRedisStore(client, cfg.Prefix))
		return nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return err
		}
		b.closers = append(b.closers, client.Disconnect)
		b.mongoClient = client
		if err := client.Ping(ctx, nil); err != nil {
			return err
		}
		store, err := persistence.NewMongoStore(ctx, client, cfg.Database)
		if err != nil {
			return err
		}
		b.persistence = persistence.FromStore(store)
		return nil
	}
	return fmt.Errorf("unknown driver %q", cfg.Driver)
}

func (b *backend) openQueue(ctx context.Context, cfg config.Config) error {
	switch cfg.Queue.Driver {
	case config.DriverMemory:
		b.queue = taskqueue.NewInMemoryQueue(0)
		return nil

	case config.DriverSQLite, config.DriverPostgres:
		if b.sqlDB == nil || cfg.Storage.Driver != cfg.Queue.Driver {
			return fmt.Errorf("%s queue requires %s storage", cfg.Queue.Driver, cfg.Queue.Driver)
		}
		var (
			q   taskqueue.Queue
			err error
		)
		if cfg.Queue.Driver == config.DriverSQLite {
			q, err = taskqueue.NewSQLiteQueue(b.sqlDB)
		} else {
			q, err = taskqueue.NewPostgresQueue(b.sqlDB)
		}
		if err != nil {
			return err
		}
		b.queue = q
		return nil

	case config.DriverMongo:
		if b.mongoClient == nil {
			return fmt.Errorf("mongo queue requires mongo storage")
		}
		q, err := taskqueue.NewMongoQueue(ctx, b.mongoClient, cfg.Storage.Database, "")
		if err != nil {
			return err
		}
		b.queue = q
		return nil

	case config.DriverRedis:
		client := b.redisClient
		if client == nil || cfg.Queue.DSN != cfg.Storage.DSN {
			var err error
			if client, err = b.openRedis(ctx, cfg.Queue.DSN); err != nil {
				return err
			}
		}
		b.queue = taskqueue.NewRedisQueue(client, cfg.Storage.Prefix)
		return nil
	}
	return fmt.Errorf("unknown driver %q", cfg.Queue.Driver)
}

func (b *backend) openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	b.sqlDB = db
	return db, nil
}

func (b *backend) openRedis(ctx context.Context, dsn string) (*redis.Client, error) {
	opts, err := redisOptions(dsn)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	b.closers = append(b.closers, func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if b.redisClient == nil {
		b.redisClient = client
	}
	return client, nil
}

// redisOptions accepts either a redis:// URL or a bare host:port address.
func redisOptions(dsn string) (*redis.Options, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		return redis.ParseURL(dsn)
	}
	return &redis.Options{Addr: dsn}, nil
}
