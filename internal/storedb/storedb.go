// Package storedb owns the connection pool and startup sequence: connect,
// ping, apply migrations (enum seeding is left to registry.SeedEnums) -
// mirroring the
// obsrvr-lake/stellar-postgres-ingester/go/main.go pgxpool.New + Ping
// startup idiom, generalized into a reusable Connect function instead of
// being inlined in main().
package storedb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withobsrvr/chainstate/internal/config"
	"github.com/withobsrvr/chainstate/internal/logging"
	"github.com/withobsrvr/chainstate/internal/schema"
)

// DB bundles the connection pool with the configuration values that
// downstream callers need (retention horizon, logger).
type DB struct {
	Pool      *pgxpool.Pool
	Retention time.Duration
	Log       *logging.Logger
}

// Connect opens the pool, verifies connectivity and applies any pending
// migrations. It does not seed enums - callers do that explicitly via
// registry.SeedEnums once they know which chains/protocol systems this
// deployment cares about.
func Connect(ctx context.Context, cfg *config.Config, log *logging.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("storedb: parse connection string: %w", err)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storedb: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storedb: ping: %w", err)
	}
	log.Info().Str("host", cfg.Postgres.Host).Int("port", cfg.Postgres.Port).Msg("connected to postgres")

	if err := schema.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storedb: migrate: %w", err)
	}
	log.Info().Msg("schema migrations applied")

	horizon := time.Duration(cfg.Retention.HorizonDays) * 24 * time.Hour
	return &DB{Pool: pool, Retention: horizon, Log: log}, nil
}

// Close releases the connection pool.
func (d *DB) Close() {
	d.Pool.Close()
}

// RetentionHorizon returns the timestamp before which archived versions
// may be dropped, relative to the supplied "now".
func (d *DB) RetentionHorizon(now time.Time) time.Time {
	return now.Add(-d.Retention)
}
