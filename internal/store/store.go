// Package store is the Postgres layer shared by the coordinator and the
// aggregator. It owns the schema, the connection pool and the typed accessors
// the services build on.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMinConns       = 1
	defaultMaxConns       = 5
	defaultConnectTimeout = 5 * time.Second
)

type Config struct {
	Logger *slog.Logger
	URL    string

	MinConns int32
	MaxConns int32
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.MinConns == 0 {
		c.MinConns = defaultMinConns
	}
	if c.MaxConns == 0 {
		c.MaxConns = defaultMaxConns
	}
	return nil
}

// Store wraps a pgx pool.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Connect builds the pool, pings it and runs migrations.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store config validation failed: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{log: cfg.Logger, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cfg.Logger.Info("connected to database", "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	return s, nil
}

// Ping reports pool health, used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
