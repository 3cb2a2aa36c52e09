package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wires a job repository backed by pgxpool.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

func (r *jobRepository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job stats: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO jobs
		   (id, company_id, file_ref, file_kind, validate_only, status,
		    total_rows, ok_rows, error_rows, stats, error_message, content_digest,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID,
		job.CompanyID,
		job.FileRef,
		string(job.Kind),
		job.ValidateOnly,
		string(job.Status),
		job.Total,
		job.OK,
		job.Errors,
		stats,
		nullIfEmpty(job.ErrorMessage),
		nullIfEmpty(job.ContentDigest),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT id, company_id, file_ref, file_kind, validate_only, status,
		        total_rows, ok_rows, error_rows, stats, error_message,
		        content_digest, created_at, updated_at
		 FROM jobs WHERE id = $1`,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) Update(ctx context.Context, job domain.Job) (domain.Job, error) {
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job stats: %w", err)
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE jobs SET
		   status = $2,
		   total_rows = $3,
		   ok_rows = $4,
		   error_rows = $5,
		   stats = $6,
		   error_message = $7,
		   content_digest = $8,
		   updated_at = now()
		 WHERE id = $1`,
		job.ID,
		string(job.Status),
		job.Total,
		job.OK,
		job.Errors,
		stats,
		nullIfEmpty(job.ErrorMessage),
		nullIfEmpty(job.ContentDigest),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	return job, nil
}

func (r *jobRepository) FindByDigest(ctx context.Context, companyID uuid.UUID, digest string, excludeID uuid.UUID) (domain.Job, bool, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT id, company_id, file_ref, file_kind, validate_only, status,
		        total_rows, ok_rows, error_rows, stats, error_message,
		        content_digest, created_at, updated_at
		 FROM jobs
		 WHERE company_id = $1
		   AND content_digest = $2
		   AND id <> $3
		   AND status NOT IN ('failed', 'needs_mapping')
		   AND validate_only = FALSE
		 ORDER BY created_at DESC
		 LIMIT 1`,
		companyID,
		digest,
		excludeID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("failed to look up job by digest: %w", err)
	}
	return job, true, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job          domain.Job
		kind         string
		status       string
		stats        []byte
		errMessage   pgtype.Text
		digest       pgtype.Text
		created, upd pgtype.Timestamptz
	)

	if err := row.Scan(
		&job.ID,
		&job.CompanyID,
		&job.FileRef,
		&kind,
		&job.ValidateOnly,
		&status,
		&job.Total,
		&job.OK,
		&job.Errors,
		&stats,
		&errMessage,
		&digest,
		&created,
		&upd,
	); err != nil {
		return domain.Job{}, err
	}

	job.Kind = domain.FileKind(kind)
	job.Status = domain.JobStatus(status)
	if errMessage.Valid {
		job.ErrorMessage = errMessage.String
	}
	if digest.Valid {
		job.ContentDigest = digest.String
	}
	if created.Valid {
		job.CreatedAt = created.Time
	}
	if upd.Valid {
		job.UpdatedAt = upd.Time
	}

	job.Stats = map[string]any{}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &job.Stats); err != nil {
			return domain.Job{}, fmt.Errorf("failed to decode job stats: %w", err)
		}
	}

	return job, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
