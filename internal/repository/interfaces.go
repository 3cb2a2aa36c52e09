package repository

import (
	"context"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/google/uuid"
)

// JobRepository persists ingestion jobs.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error)
	Update(ctx context.Context, job domain.Job) (domain.Job, error)
	// FindByDigest returns the most recent job for the company with the
	// given content digest, excluding excludeID. Failed and parked
	// (needs_mapping) jobs are skipped so a corrected resubmission is not
	// blocked, and validate-only jobs are skipped so a dry run does not
	// block the real ingestion that follows it.
	FindByDigest(ctx context.Context, companyID uuid.UUID, digest string, excludeID uuid.UUID) (domain.Job, bool, error)
}

// StagingRowRepository persists validated rows awaiting transform.
type StagingRowRepository interface {
	// BulkUpsert inserts one batch, upserting on (company_id, row_digest).
	// Returns the number of rows written.
	BulkUpsert(ctx context.Context, rows []domain.StagingRow) (int64, error)
}

// RejectedRowRepository persists validation rejects for diagnostics.
type RejectedRowRepository interface {
	CreateBatch(ctx context.Context, rows []domain.RejectedRow) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.RejectedRow, error)
}

// JobLogRepository appends and lists per-job log entries.
type JobLogRepository interface {
	Record(ctx context.Context, entry domain.JobLogEntry) error
	List(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.JobLogEntry, error)
}
