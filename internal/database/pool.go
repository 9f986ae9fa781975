package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/realtime/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Schema creates the recorder tables when missing.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS channel_messages (
		id            TEXT PRIMARY KEY,
		channel       TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		data          JSONB,
		encoding      TEXT NOT NULL DEFAULT '',
		client_id     TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		sent_at       BIGINT NOT NULL,
		received_at   BIGINT NOT NULL,
		instance_id   UUID NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS channel_messages_channel_sent_at
		ON channel_messages (channel, sent_at)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id            UUID PRIMARY KEY,
		instance_id   UUID NOT NULL,
		previous      TEXT NOT NULL,
		current       TEXT NOT NULL,
		event         TEXT NOT NULL,
		reason_code   INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL DEFAULT '',
		retry_in_ms   BIGINT NOT NULL DEFAULT 0,
		occurred_at   BIGINT NOT NULL
	)`,
}

// Execer runs a statement; *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies Schema in order.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
