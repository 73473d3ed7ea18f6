package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/petrijr/tokenflow"
	"github.com/petrijr/tokenflow/internal/config"
)

// backend is an opened runtime plus the connections behind it.
type backend struct {
	*tokenflow.Runtime
	closers []io.Closer
}

func (b *backend) Close() error {
	err := b.Runtime.Close()
	for _, c := range b.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func openBackend(ctx context.Context, cfg config.Config, logs io.Writer) (*backend, error) {
	opts := tokenflow.Options{
		Shards:        cfg.Timers.Shards,
		TickInterval:  cfg.Timers.TickInterval,
		BoltTimerPath: cfg.Timers.Bolt,
		Logger:        cfg.Log.Logger(logs),
	}

	switch cfg.Backend {
	case config.BackendMemory:
		r, err := tokenflow.NewLocalRunner(opts)
		if err != nil {
			return nil, err
		}
		return &backend{Runtime: r.Runtime}, nil

	case config.BackendSQLite, config.BackendPostgres:
		driver, open := "sqlite", tokenflow.NewSQLiteRuntime
		if cfg.Backend == config.BackendPostgres {
			driver, open = "pgx", tokenflow.NewPostgresRuntime
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		if driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		rt, err := open(db, opts)
		if err != nil {
			return nil, multierr.Append(err, db.Close())
		}
		return &backend{Runtime: rt, closers: []io.Closer{db}}, nil

	case config.BackendRedis:
		client, err := redisClient(cfg.DSN)
		if err != nil {
			return nil, err
		}
		rt, err := tokenflow.NewRedisRuntime(client, cfg.Prefix, opts)
		if err != nil {
			return nil, multierr.Append(err, client.Close())
		}
		return &backend{Runtime: rt, closers: []io.Closer{client}}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := closeFunc(func() error { return client.Disconnect(context.Background()) })
		rt, err := tokenflow.NewMongoRuntime(ctx, client, cfg.Database, opts)
		if err != nil {
			return nil, multierr.Append(err, disconnect())
		}
		return &backend{Runtime: rt, closers: []io.Closer{disconnect}}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// redisClient accepts a redis:// URL or a plain host:port address.
func redisClient(dsn string) (*redis.Client, error) {
	if strings.Contains(dsn, "://") {
		opt, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: dsn}), nil
}
