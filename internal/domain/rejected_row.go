package domain

import (
	"time"

	"github.com/google/uuid"
)

// Rejection codes emitted by the row validator.
const (
	RejectEmptyConcept = "empty_concept"
	RejectBadYear      = "bad_year"
	RejectBadAmount    = "bad_amount"
	RejectBadPeriod    = "bad_period"
	RejectShortRow     = "short_row"
)

// RejectedRow records one source row that failed validation or mapping.
// Write-once, diagnostics only.
type RejectedRow struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	LineNo    int       `json:"line_no"` // 1-based source line, header included
	Column    string    `json:"column,omitempty"`
	Code      string    `json:"code"`
	Detail    string    `json:"detail"`
	RawLine   string    `json:"raw_line"`
	CreatedAt time.Time `json:"created_at"`
}
