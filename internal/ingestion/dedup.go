package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// FileDigest hashes the raw upload. Two byte-identical files always collide,
// which is exactly what job-level dedup wants.
func FileDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RowDigest hashes the semantic fields of a canonical row scoped to a
// company. It deliberately excludes the job id so the same logical fact
// resubmitted in a later file upserts instead of duplicating.
func RowDigest(companyID uuid.UUID, row ParsedRow) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		companyID,
		row.Concept,
		row.Section,
		row.Period.Date.Format("2006-01-02"),
		row.Period.Year,
		row.Amount.String(),
	)
	return strconv.FormatUint(xxh3.HashString(key), 16)
}
