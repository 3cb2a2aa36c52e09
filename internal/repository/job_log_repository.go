package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobLogRepository struct {
	pool *pgxpool.Pool
}

// NewJobLogRepository wires a job log repository backed by pgxpool.
func NewJobLogRepository(pool *pgxpool.Pool) JobLogRepository {
	return &jobLogRepository{pool: pool}
}

func (r *jobLogRepository) Record(ctx context.Context, entry domain.JobLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("job log repository not initialized")
	}

	var meta any
	if len(entry.Meta) > 0 {
		encoded, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal log meta: %w", err)
		}
		meta = encoded
	}

	var durationMS any
	if entry.Duration > 0 {
		durationMS = entry.Duration.Milliseconds()
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO job_logs (job_id, phase, level, message, duration_ms, meta)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.JobID,
		entry.Phase,
		string(entry.Level),
		entry.Message,
		durationMS,
		meta,
	)
	if err != nil {
		return fmt.Errorf("failed to record job log: %w", err)
	}

	return nil
}

func (r *jobLogRepository) List(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.JobLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("job log repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, job_id, phase, level, message, duration_ms, meta, created_at
		 FROM job_logs
		 WHERE job_id = $1
		 ORDER BY created_at
		 LIMIT $2`,
		jobID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.JobLogEntry{}
	for rows.Next() {
		var (
			entry      domain.JobLogEntry
			level      string
			durationMS pgtype.Int8
			meta       []byte
			createdAt  pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.JobID,
			&entry.Phase,
			&level,
			&entry.Message,
			&durationMS,
			&meta,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", scanErr)
		}

		entry.Level = domain.LogLevel(level)
		if durationMS.Valid {
			entry.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode log meta: %w", err)
			}
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate job logs: %w", rowsErr)
	}

	return logs, nil
}
