// Package redisscope declares redis clients as scoped resources.
package redisscope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chenyanchen/scope"
)

const (
	Kind   = "redis"
	Driver = "single"
)

var errEmptyAddr = errors.New("redis addr is empty")

type Options struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password"`
	DB       int    `json:"db,omitempty" yaml:"db"`
	// DialTimeout is a time.ParseDuration string. Empty keeps the client default.
	DialTimeout string `json:"dialTimeout,omitempty" yaml:"dialTimeout"`
	// MaxRetries of -1 disables retries.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries"`
}

// Register registers the redis/single definition.
func Register(reg *scope.Registry) error {
	return scope.Register(reg, Kind, Driver, Definition())
}

func Definition() scope.Definition[Options, *redis.Client] {
	return scope.Definition[Options, *redis.Client]{
		Acquire: func(ctx context.Context, _ scope.Resolver, opt Options) (*redis.Client, error) {
			return Open(ctx, opt)
		},
		Release: func(_ context.Context, cli *redis.Client) error {
			return cli.Close()
		},
	}
}

// Resource declares one client for use with scope.With. Release is the client's Close.
func Resource(opt Options) scope.Resource[*redis.Client] {
	return scope.Closer(Kind, func(ctx context.Context) (*redis.Client, error) {
		return Open(ctx, opt)
	})
}

// Open creates a client and pings the server. The client is closed again if the ping fails.
func Open(ctx context.Context, opt Options) (*redis.Client, error) {
	if opt.Addr == "" {
		return nil, errEmptyAddr
	}
	ro := &redis.Options{
		Addr:       opt.Addr,
		Password:   opt.Password,
		DB:         opt.DB,
		MaxRetries: opt.MaxRetries,
	}
	if opt.DialTimeout != "" {
		d, err := time.ParseDuration(opt.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse redis dial timeout: %w", err)
		}
		ro.DialTimeout = d
	}

	cli := redis.NewClient(ro)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return cli, nil
}
