package ingestion

import "github.com/balanceo/finflow/internal/domain"

// Batcher groups staging rows into size-bounded batches. The bound is an
// estimated serialized size rather than a row count, because row payloads
// vary widely with concept and section text.
type Batcher struct {
	limit   int
	current []domain.StagingRow
	size    int
}

// NewBatcher creates a batcher that flushes near limitBytes per batch.
func NewBatcher(limitBytes int) *Batcher {
	if limitBytes <= 0 {
		limitBytes = 3 << 20
	}
	return &Batcher{limit: limitBytes}
}

// Add appends a row and returns a full batch when the size bound is crossed,
// nil otherwise.
func (b *Batcher) Add(row domain.StagingRow) []domain.StagingRow {
	b.current = append(b.current, row)
	b.size += estimateRowSize(row)
	if b.size < b.limit {
		return nil
	}
	return b.flush()
}

// Flush returns whatever is pending, possibly nil.
func (b *Batcher) Flush() []domain.StagingRow {
	return b.flush()
}

func (b *Batcher) flush() []domain.StagingRow {
	if len(b.current) == 0 {
		return nil
	}
	batch := b.current
	b.current = nil
	b.size = 0
	return batch
}

// Partition splits rows into batches in one pass.
func (b *Batcher) Partition(rows []domain.StagingRow) [][]domain.StagingRow {
	var batches [][]domain.StagingRow
	for _, row := range rows {
		if batch := b.Add(row); batch != nil {
			batches = append(batches, batch)
		}
	}
	if batch := b.Flush(); batch != nil {
		batches = append(batches, batch)
	}
	return batches
}

// estimateRowSize approximates the serialized footprint of one row: the
// variable-length strings plus a fixed overhead for ids, dates and numerics.
func estimateRowSize(row domain.StagingRow) int {
	const fixedOverhead = 128
	return fixedOverhead +
		len(row.Concept) +
		len(row.Section) +
		len(row.Currency) +
		len(row.RowDigest)
}
