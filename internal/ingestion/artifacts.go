package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/google/uuid"
)

// Artifact object keys, scoped by job id.
func rejectSampleKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/rejected_sample.csv", jobID)
}

func errorLogKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/error_log.json", jobID)
}

// buildRejectSampleCSV renders the first limit rejects as a CSV artifact for
// the download-errors feature.
func buildRejectSampleCSV(rejects []domain.RejectedRow, limit int) []byte {
	if limit > 0 && len(rejects) > limit {
		rejects = rejects[:limit]
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"line", "column", "code", "detail", "raw"})
	for _, reject := range rejects {
		_ = w.Write([]string{
			strconv.Itoa(reject.LineNo),
			reject.Column,
			reject.Code,
			reject.Detail,
			reject.RawLine,
		})
	}
	w.Flush()
	return buf.Bytes()
}

// failureDiagnostic is the structured payload persisted for every fatal
// failure, so jobs are debuggable without re-running them.
type failureDiagnostic struct {
	JobID     uuid.UUID `json:"job_id"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	Total     int       `json:"total"`
	OK        int       `json:"ok"`
	Errors    int       `json:"errors"`
	Timestamp time.Time `json:"timestamp"`
}

func buildErrorLogJSON(job domain.Job, phase string, failure error) []byte {
	diag := failureDiagnostic{
		JobID:     job.ID,
		Phase:     phase,
		Error:     failure.Error(),
		Total:     job.Total,
		OK:        job.OK,
		Errors:    job.Errors,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf(`{"job_id":%q,"error":%q}`, job.ID, failure.Error()))
	}
	return payload
}
