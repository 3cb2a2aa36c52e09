package ingestion

import (
	"time"

	"github.com/balanceo/finflow/internal/domain"
)

// Stage progress spans. Progress is a monotonic function of stage plus the
// intra-stage fraction; only inserting has a meaningful fraction.
var stageSpans = map[domain.JobStatus][2]int{
	domain.JobStatusQueued:       {0, 0},
	domain.JobStatusValidating:   {5, 30},
	domain.JobStatusInserting:    {30, 80},
	domain.JobStatusTransforming: {80, 95},
	domain.JobStatusRefreshed:    {95, 99},
	domain.JobStatusCompleted:    {100, 100},
}

// ProgressPct maps a stage and intra-stage fraction onto a percentage.
func ProgressPct(status domain.JobStatus, fraction float64) int {
	span, ok := stageSpans[status]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return span[0] + int(float64(span[1]-span[0])*fraction)
}

// etaTracker keeps a running average of per-batch duration and projects the
// time left from the remaining batch count. Outside inserting the ETA is
// always zero.
type etaTracker struct {
	total   time.Duration
	batches int
}

func (t *etaTracker) observe(d time.Duration) {
	t.total += d
	t.batches++
}

func (t *etaTracker) remaining(batchesLeft int) time.Duration {
	if t.batches == 0 || batchesLeft <= 0 {
		return 0
	}
	avg := t.total / time.Duration(t.batches)
	return avg * time.Duration(batchesLeft)
}
