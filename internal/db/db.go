// Package db holds the storage adapters: the DynamoDB schedule table shared
// by every stage, and the optional PostgreSQL run history. The PostgreSQL
// repositories accept a DBTX so they work with *pgxpool.Pool or pgx.Tx.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
