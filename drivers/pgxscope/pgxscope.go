// Package pgxscope declares PostgreSQL connection pools as scoped resources.
package pgxscope

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chenyanchen/scope"
)

const (
	Kind   = "postgres"
	Driver = "pgx"
)

var errEmptyDSN = errors.New("postgres dsn is empty")

type Options struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"maxConns,omitempty" yaml:"maxConns"`
}

// Register registers the postgres/pgx definition.
func Register(reg *scope.Registry) error {
	return scope.Register(reg, Kind, Driver, Definition())
}

func Definition() scope.Definition[Options, *pgxpool.Pool] {
	return scope.Definition[Options, *pgxpool.Pool]{
		Acquire: func(ctx context.Context, _ scope.Resolver, opt Options) (*pgxpool.Pool, error) {
			return Open(ctx, opt)
		},
		Release: func(_ context.Context, pool *pgxpool.Pool) error {
			pool.Close()
			return nil
		},
	}
}

// Resource declares one pool for use with scope.With.
func Resource(opt Options) scope.Resource[*pgxpool.Pool] {
	return scope.Resource[*pgxpool.Pool]{
		Name: Kind,
		Acquire: func(ctx context.Context) (*pgxpool.Pool, error) {
			return Open(ctx, opt)
		},
		Release: func(_ context.Context, pool *pgxpool.Pool) error {
			pool.Close()
			return nil
		},
	}
}

// Open creates a pool and pings it. The pool is closed again if the ping fails.
func Open(ctx context.Context, opt Options) (*pgxpool.Pool, error) {
	if opt.DSN == "" {
		return nil, errEmptyDSN
	}
	cfg, err := pgxpool.ParseConfig(opt.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opt.MaxConns > 0 {
		cfg.MaxConns = opt.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
