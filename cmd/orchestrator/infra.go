package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/config"
	"github.com/vnmchuo/inference-orchestrator/internal/state"
)

// infra holds the optional shared connections. Either field may be nil.
type infra struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*infra, error) {
	in := &infra{}
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		log.Info("PostgreSQL connected")
		in.pool = pool
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			in.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("Redis connected")
		in.rdb = rdb
	}
	return in, nil
}

func (in *infra) Close() error {
	var err error
	if in.rdb != nil {
		err = in.rdb.Close()
	}
	if in.pool != nil {
		in.pool.Close()
	}
	return err
}

// openStore builds the configured state store. Remote stores are wrapped
// in a Guard so an outage trips a breaker instead of stalling flushes.
func openStore(ctx context.Context, cfg *config.Config, in *infra, log *zap.Logger) (state.Store, error) {
	guard := state.GuardConfig{
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("state store breaker changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	switch cfg.StateBackend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		s, err := state.OpenSQLite(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		log.Info("state store opened", zap.String("backend", "sqlite"), zap.String("path", cfg.StatePath))
		return s, nil
	case "postgres":
		if in.pool == nil {
			return nil, errors.New("postgres state backend without a connection")
		}
		s := state.NewPostgresStore(in.pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("state store opened", zap.String("backend", "postgres"))
		return state.NewGuard("postgres-state", s, guard), nil
	case "redis":
		if in.rdb == nil {
			return nil, errors.New("redis state backend without a connection")
		}
		log.Info("state store opened", zap.String("backend", "redis"))
		return state.NewGuard("redis-state", state.NewRedisStore(in.rdb), guard), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}
