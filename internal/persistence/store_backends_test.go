package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/testutil"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() Store { return NewInMemoryStore() }})
}

func newTestSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: opens a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() Store {
		store, err := NewSQLiteStore(newTestSQLiteDB(t))
		require.NoError(t, err)
		return store
	}})
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	db := newTestSQLiteDB(t)
	_, err := NewSQLiteStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteStore(db)
	require.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	suite.Run(t, &StoreSuite{newStore: func() Store {
		_, err := db.Exec(`TRUNCATE history_events, instances`)
		require.NoError(t, err)
		return store
	}})
}

func TestRedisStore(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	var n atomic.Int64
	suite.Run(t, &StoreSuite{newStore: func() Store {
		// A fresh prefix per test isolates keys without flushing.
		return NewRedisStore(client, fmt.Sprintf("durable:test:%d:%d:", time.Now().UnixNano(), n.Add(1)))
	}})
}

func TestMongoStore(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	var n atomic.Int64
	suite.Run(t, &StoreSuite{newStore: func() Store {
		store, err := NewMongoStore(context.Background(), client, fmt.Sprintf("durable_test_%d", n.Add(1)))
		require.NoError(t, err)
		return store
	}})
}
