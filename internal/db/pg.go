package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// Bootstrap creates the document and credential tables when absent. Deployed
// environments run the same statements through their migration tooling; this
// keeps a fresh dev database usable immediately.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS document (
			collection  text        NOT NULL,
			id          text        NOT NULL,
			payload     jsonb       NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS document_payload_idx
			ON document USING gin (payload jsonb_path_ops)`,
		`CREATE INDEX IF NOT EXISTS document_updated_idx
			ON document (collection, updated_at, id)`,
		`CREATE TABLE IF NOT EXISTS credential (
			uid           text        PRIMARY KEY,
			email         text        NOT NULL UNIQUE,
			display_name  text        NOT NULL DEFAULT '',
			password_hash text        NOT NULL,
			claims        jsonb       NOT NULL DEFAULT '{}'::jsonb,
			created_at    timestamptz NOT NULL DEFAULT now(),
			updated_at    timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	log.Info().Msg("database schema verified")
	return nil
}
