// Package eventlog stores the bookkeeping behind ATM event streams: the
// sequence each ATM stamps on the events it publishes, and how far each
// consumer has read another producer's stream for this ATM.
package eventlog

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is satisfied by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}
