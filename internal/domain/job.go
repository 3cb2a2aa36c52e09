package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileKind identifies what the uploaded file claims to contain.
type FileKind string

const (
	FileKindLedger    FileKind = "ledger"
	FileKindStatement FileKind = "statement"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusValidating   JobStatus = "validating"
	JobStatusInserting    JobStatus = "inserting"
	JobStatusTransforming JobStatus = "transforming"
	JobStatusRefreshed    JobStatus = "refreshed"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusNeedsMapping JobStatus = "needs_mapping"
	JobStatusFailed       JobStatus = "failed"
)

// legalTransitions encodes the forward-only lifecycle. failed is reachable
// from every non-terminal state; needs_mapping only out of validating.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:       {JobStatusValidating, JobStatusFailed},
	JobStatusValidating:   {JobStatusInserting, JobStatusCompleted, JobStatusNeedsMapping, JobStatusFailed},
	JobStatusInserting:    {JobStatusTransforming, JobStatusFailed},
	JobStatusTransforming: {JobStatusRefreshed, JobStatusFailed},
	JobStatusRefreshed:    {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// step. Terminal states allow no further movement.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the pipeline is done with the job. needs_mapping
// is a resting state: the run is over until an operator resubmits with a
// mapping override.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusNeedsMapping:
		return true
	}
	return false
}

// Job represents one end-to-end ingestion attempt for a single uploaded file.
// Jobs are retained indefinitely as audit records and only ever mutated
// through state transitions.
type Job struct {
	ID            uuid.UUID      `json:"id"`
	CompanyID     uuid.UUID      `json:"company_id"`
	FileRef       string         `json:"file_ref"`
	Kind          FileKind       `json:"file_kind"`
	ValidateOnly  bool           `json:"validate_only"`
	Status        JobStatus      `json:"status"`
	Total         int            `json:"total"`
	OK            int            `json:"ok"`
	Errors        int            `json:"error"`
	Stats         map[string]any `json:"stats"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ContentDigest string         `json:"content_digest,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewJob creates a queued job for the given upload.
func NewJob(companyID uuid.UUID, fileRef string, kind FileKind, validateOnly bool) Job {
	now := time.Now()
	return Job{
		ID:           uuid.New(),
		CompanyID:    companyID,
		FileRef:      fileRef,
		Kind:         kind,
		ValidateOnly: validateOnly,
		Status:       JobStatusQueued,
		Stats:        map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithStat returns a copy of the job with one stats key set.
func (j Job) WithStat(key string, value any) Job {
	stats := make(map[string]any, len(j.Stats)+1)
	for k, v := range j.Stats {
		stats[k] = v
	}
	stats[key] = value
	j.Stats = stats
	j.UpdatedAt = time.Now()
	return j
}
