package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"c2cpipeline/internal/config"
	"c2cpipeline/internal/types"
)

// NewPool opens a small pgx pool for the run history and pings it. Lambda
// stages only ever hold one or two connections.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "invalid DATABASE_URL", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create database pool", err)
	}

	pingCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ping database", err)
	}
	return pool, nil
}
