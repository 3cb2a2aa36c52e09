package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StagingRowStatus is the state of a staged record awaiting transform.
type StagingRowStatus string

const (
	StagingRowPending StagingRowStatus = "pending"
)

// StagingRow is one parsed-and-validated record awaiting promotion into the
// normalized tables. RowDigest is the natural idempotency key: resubmitting
// the same logical fact upserts instead of duplicating.
type StagingRow struct {
	ID         uuid.UUID        `json:"id"`
	JobID      uuid.UUID        `json:"job_id"`
	CompanyID  uuid.UUID        `json:"company_id"`
	Concept    string           `json:"concept"`
	Section    string           `json:"section,omitempty"`
	PeriodDate time.Time        `json:"period_date"`
	Year       int              `json:"year"`
	Quarter    int              `json:"quarter"`
	Month      int              `json:"month"`
	Amount     decimal.Decimal  `json:"amount"`
	Currency   string           `json:"currency,omitempty"`
	RowDigest  string           `json:"row_digest"`
	Status     StagingRowStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewStagingRow builds a pending staging row for a job.
func NewStagingRow(jobID, companyID uuid.UUID) StagingRow {
	return StagingRow{
		ID:        uuid.New(),
		JobID:     jobID,
		CompanyID: companyID,
		Status:    StagingRowPending,
		CreatedAt: time.Now(),
	}
}
