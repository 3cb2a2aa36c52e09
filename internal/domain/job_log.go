package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLogEntry captures one phase transition or milestone during a job run.
// Entries are append-only and consumed by observers for progress and
// post-mortem analysis.
type JobLogEntry struct {
	ID        uuid.UUID      `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Phase     string         `json:"phase"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
