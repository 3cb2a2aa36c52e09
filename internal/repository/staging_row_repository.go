package repository

import (
	"context"
	"fmt"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type stagingRowRepository struct {
	pool *pgxpool.Pool
}

// NewStagingRowRepository wires a staging row repository backed by pgxpool.
func NewStagingRowRepository(pool *pgxpool.Pool) StagingRowRepository {
	return &stagingRowRepository{pool: pool}
}

// BulkUpsert performs a COPY into a temp table followed by an upsert keyed on
// the row digest, so the whole batch commits together and resubmitted facts
// land exactly once. Amounts travel as text and are cast server-side to keep
// NUMERIC precision intact.
func (r *stagingRowRepository) BulkUpsert(ctx context.Context, rows []domain.StagingRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE staging_rows_load (
			id           UUID,
			job_id       UUID,
			company_id   UUID,
			concept      TEXT,
			section      TEXT,
			period_date  DATE,
			year         INTEGER,
			quarter      INTEGER,
			month        INTEGER,
			amount       TEXT,
			currency     TEXT,
			row_digest   TEXT,
			status       TEXT
		) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("failed to create load table: %w", err)
	}

	columns := []string{
		"id", "job_id", "company_id", "concept", "section",
		"period_date", "year", "quarter", "month", "amount",
		"currency", "row_digest", "status",
	}

	copied, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"staging_rows_load"},
		columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			return []any{
				row.ID,
				row.JobID,
				row.CompanyID,
				row.Concept,
				row.Section,
				row.PeriodDate,
				row.Year,
				row.Quarter,
				row.Month,
				row.Amount.String(),
				row.Currency,
				row.RowDigest,
				string(row.Status),
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy failed: %w", err)
	}
	if copied != int64(len(rows)) {
		return 0, fmt.Errorf("copy wrote %d of %d rows", copied, len(rows))
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO staging_rows
			(id, job_id, company_id, concept, section, period_date,
			 year, quarter, month, amount, currency, row_digest, status)
		SELECT id, job_id, company_id, concept, section, period_date,
		       year, quarter, month, amount::numeric, currency, row_digest, status
		FROM staging_rows_load
		ON CONFLICT (company_id, row_digest) DO UPDATE SET
			job_id  = EXCLUDED.job_id,
			amount  = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status  = EXCLUDED.status`)
	if err != nil {
		return 0, fmt.Errorf("upsert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return tag.RowsAffected(), nil
}
