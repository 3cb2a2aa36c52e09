// Package transform invokes the stored procedures that promote staged rows
// into the normalized tables and refresh derived aggregates.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Trigger calls the transform and refresh procedures with a bounded timeout.
type Trigger struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewTrigger wires a trigger against the given pool.
func NewTrigger(pool *pgxpool.Pool, timeout time.Duration) *Trigger {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Trigger{pool: pool, timeout: timeout}
}

// Promote moves one job's staged rows into financial_facts and returns the
// promoted count. The procedure is atomic; a failure leaves staging intact.
func (t *Trigger) Promote(ctx context.Context, companyID, jobID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var moved int64
	err := t.pool.QueryRow(
		ctx,
		`SELECT promote_staging_rows($1, $2)`,
		companyID,
		jobID,
	).Scan(&moved)
	if err != nil {
		return 0, fmt.Errorf("transform procedure failed: %w", err)
	}

	return moved, nil
}

// RefreshAggregates recomputes the materialized aggregates. The statement
// runs directly on a pool connection, never inside a transaction or a stored
// function, because Postgres rejects a concurrent refresh in a transaction
// block. The view is global; the company argument keeps the signature stable
// if per-company partitions land later.
func (t *Trigger) RefreshAggregates(ctx context.Context, _ uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if _, err := t.pool.Exec(
		ctx,
		`REFRESH MATERIALIZED VIEW CONCURRENTLY financial_aggregates`,
	); err != nil {
		return fmt.Errorf("aggregate refresh failed: %w", err)
	}

	return nil
}
