// Package db defines the minimal database handle shared by every store in
// the pipeline. Stores accept a DBTX rather than a concrete *pgxpool.Pool so
// callers can pass either the pool itself or a transaction (pgx.Tx) when an
// operation needs to span multiple statements atomically.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor is implemented by connection pools that can start transactions.
// Stores that need cross-statement atomicity (the Concept store's
// concept-plus-variations insert and its retention delete) accept a
// Transactor instead of a bare DBTX.
type Transactor interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func WithTx(ctx context.Context, db Transactor, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}
