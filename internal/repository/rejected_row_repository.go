package repository

import (
	"context"
	"fmt"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rejectedRowRepository struct {
	pool *pgxpool.Pool
}

// NewRejectedRowRepository wires a rejected row repository backed by pgxpool.
func NewRejectedRowRepository(pool *pgxpool.Pool) RejectedRowRepository {
	return &rejectedRowRepository{pool: pool}
}

func (r *rejectedRowRepository) CreateBatch(ctx context.Context, rows []domain.RejectedRow) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"rejected_rows"},
		[]string{"id", "job_id", "line_no", "column_name", "error_code", "detail", "raw_line"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			return []any{
				row.ID,
				row.JobID,
				row.LineNo,
				row.Column,
				row.Code,
				row.Detail,
				row.RawLine,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to record rejected rows: %w", err)
	}
	return nil
}

func (r *rejectedRowRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.RejectedRow, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, job_id, line_no, column_name, error_code, detail, raw_line, created_at
		 FROM rejected_rows
		 WHERE job_id = $1
		 ORDER BY line_no
		 LIMIT $2`,
		jobID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected rows: %w", err)
	}
	defer rows.Close()

	rejects := []domain.RejectedRow{}
	for rows.Next() {
		var (
			reject    domain.RejectedRow
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&reject.ID,
			&reject.JobID,
			&reject.LineNo,
			&reject.Column,
			&reject.Code,
			&reject.Detail,
			&reject.RawLine,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan rejected row: %w", scanErr)
		}
		if createdAt.Valid {
			reject.CreatedAt = createdAt.Time
		}
		rejects = append(rejects, reject)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate rejected rows: %w", rowsErr)
	}

	return rejects, nil
}
