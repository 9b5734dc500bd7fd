package main

import (
	"context"
	"database/sql"
	"fmt"

	"row-to-column/replay"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// DbClient wraps a pgxpool.Pool for the source database.
type DbClient struct {
	Pool *pgxpool.Pool
}

// NewDbClient creates a DbClient and checks the connection.
func NewDbClient(ctx context.Context, dsn string, minConns int, maxConns int) (*DbClient, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	config.MinConns = int32(minConns)
	config.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &DbClient{Pool: pool}, nil
}

// Close closes the underlying connection pool.
func (c *DbClient) Close() {
	c.Pool.Close()
}

// openStore connects to the columnar store. Driver "pgx" uses a pgx pool;
// "postgres" goes through database/sql with lib/pq.
func openStore(ctx context.Context, driver, dsn string) (replay.Store, func(), error) {
	switch driver {
	case "", "pgx":
		client, err := NewDbClient(ctx, dsn, 1, 2)
		if err != nil {
			return nil, nil, err
		}
		return replay.NewPgxStore(client.Pool), client.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		db.SetMaxOpenConns(2)
		return replay.NewSQLStore(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
