// Package postgres provides PostgreSQL adapters for the durable stores:
// receipts, attempts, dead letters, scheduled tasks, heartbeat jobs, the
// cost ledger, registered groups, sessions and inbound messages.
//
// Repos take a minimal pgx pool subset so tests can inject fakes. Claim
// operations are single conditional writes checked via RowsAffected.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
