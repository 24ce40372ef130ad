// Package store is the Postgres-backed config store shared with the
// management UI. The worker loads broker and gateway settings from it,
// resolves points for polling and writes, and records readings, write
// audits, and errors back.
//
// Every method classifies its failure under [ErrUnavailable],
// [ErrNotFound], or [ErrConflict] so callers can branch without
// reaching into the driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bacpipes/bacmq/log"
)

var (
	// ErrUnavailable covers connection failures and anything else the
	// database refused.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is reported by lookups that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is reported when an insert loses to a uniqueness
	// rule, such as a second concurrent discovery job.
	ErrConflict = errors.New("conflict")
)

// Store is a handle on the config store. Methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the Postgres store at url and verifies the
// connection. The worker is a light client, so the pool stays small.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}

	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", ErrUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w: %w", ErrUnavailable, err)
	}

	log.Info("Connected to config store", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the store is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w: %w", ErrUnavailable, err)
	}

	return nil
}

// storeErr classifies err under the package sentinels, keeping the
// driver error in the chain.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
}

// 23505 is unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
