package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/chronicle/internal/testutil"
)

func TestSQLiteQueue(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(db)
		require.NoError(t, err)
		return q
	}})
}

func TestPostgresQueue(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	q, err := NewPostgresQueue(ctx, pool)
	require.NoError(t, err)

	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue { return q }})
}

func TestMongoQueue(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	q, err := NewMongoQueue(ctx, client, "chronicle_queue_test")
	require.NoError(t, err)

	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue { return q }})
}
