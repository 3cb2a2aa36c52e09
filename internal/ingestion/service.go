// Package ingestion implements the multi-stage job pipeline that turns
// uploaded tabular financial files into staged, normalized records.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/balanceo/finflow/internal/domain"
	"github.com/balanceo/finflow/internal/objectstore"
	"github.com/balanceo/finflow/internal/repository"
	"github.com/balanceo/finflow/internal/rules"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateFile marks a byte-identical resubmission for the same company.
	ErrDuplicateFile = errors.New("duplicate file content")
	// ErrErrorCapExceeded marks a job aborted for producing too many rejects.
	ErrErrorCapExceeded = errors.New("rejected row cap exceeded")
)

const rejectPersistChunk = 500

// Transformer is the external transform/aggregate collaborator.
type Transformer interface {
	Promote(ctx context.Context, companyID, jobID uuid.UUID) (int64, error)
	RefreshAggregates(ctx context.Context, companyID uuid.UUID) error
}

// Config holds the pipeline policy knobs.
type Config struct {
	ErrorCap         int
	QualityThreshold float64
	BatchBytes       int
	RejectSampleSize int
	DownloadTimeout  time.Duration
}

// Service owns the job lifecycle and sequences every pipeline stage.
type Service struct {
	jobs        repository.JobRepository
	staging     repository.StagingRowRepository
	rejects     repository.RejectedRowRepository
	logs        repository.JobLogRepository
	store       objectstore.Store
	transformer Transformer
	cfg         Config
	aliases     map[domain.FileKind]AliasTable
	sections    SectionTable
	checks      []rules.Rule
}

// NewService wires the pipeline with default alias and section tables.
func NewService(
	jobs repository.JobRepository,
	staging repository.StagingRowRepository,
	rejects repository.RejectedRowRepository,
	logs repository.JobLogRepository,
	store objectstore.Store,
	transformer Transformer,
	cfg Config,
) *Service {
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = 5000
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.80
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = 3 << 20
	}
	if cfg.RejectSampleSize <= 0 {
		cfg.RejectSampleSize = 50
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}

	return &Service{
		jobs:        jobs,
		staging:     staging,
		rejects:     rejects,
		logs:        logs,
		store:       store,
		transformer: transformer,
		cfg:         cfg,
		aliases: map[domain.FileKind]AliasTable{
			domain.FileKindLedger:    DefaultAliases(domain.FileKindLedger),
			domain.FileKindStatement: DefaultAliases(domain.FileKindStatement),
		},
		sections: DefaultSections(),
	}
}

// UseAliasTable replaces the alias table for one file kind.
func (s *Service) UseAliasTable(kind domain.FileKind, table AliasTable) {
	s.aliases[kind] = table
}

// UseSectionTable replaces the section variant lookup.
func (s *Service) UseSectionTable(table SectionTable) {
	s.sections = table
}

// UseCrossChecks installs the statement calculation rules.
func (s *Service) UseCrossChecks(checks []rules.Rule) {
	s.checks = checks
}

// SubmitRequest describes one ingestion submission.
type SubmitRequest struct {
	CompanyID       uuid.UUID
	FileRef         string
	Kind            domain.FileKind
	ValidateOnly    bool
	Year            int       // declared fiscal year for files without a year column
	MappingOverride HeaderMap // manual header mapping, skips the quality gate
}

// Submit creates a queued job. The pipeline itself runs separately via Run.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if req.CompanyID == uuid.Nil {
		return domain.Job{}, errors.New("company id is required")
	}
	if req.FileRef == "" {
		return domain.Job{}, errors.New("file reference is required")
	}
	if req.Kind != domain.FileKindLedger && req.Kind != domain.FileKindStatement {
		return domain.Job{}, fmt.Errorf("unknown file kind %q", req.Kind)
	}

	job := domain.NewJob(req.CompanyID, req.FileRef, req.Kind, req.ValidateOnly)
	if req.Year != 0 {
		job = job.WithStat("declared_year", req.Year)
	}
	if len(req.MappingOverride) > 0 {
		job = job.WithStat("mapping_override", req.MappingOverride)
	}

	return s.jobs.Create(ctx, job)
}

// Run drives a queued job through the whole pipeline. Whatever happens, the
// job is left in a terminal state: completed, needs_mapping, or failed with
// a persisted diagnostic.
func (s *Service) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("job %s is %s, not queued", job.ID, job.Status)
	}

	job, err = s.transition(ctx, job, domain.JobStatusValidating)
	if err != nil {
		return s.fail(ctx, job, "validating", err)
	}

	// Download the upload by reference, with a bounded timeout.
	downloadStart := time.Now()
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	payload, err := s.store.Download(dctx, job.FileRef)
	cancel()
	if err != nil {
		return s.fail(ctx, job, "download", fmt.Errorf("download %s: %w", job.FileRef, err))
	}
	s.log(ctx, job.ID, "download", domain.LogInfo,
		fmt.Sprintf("downloaded %d bytes", len(payload)),
		time.Since(downloadStart), nil)

	// File-level dedup before any row work.
	digest := FileDigest(payload)
	if prior, found, derr := s.jobs.FindByDigest(ctx, job.CompanyID, digest, job.ID); derr != nil {
		return s.fail(ctx, job, "dedup", derr)
	} else if found {
		return s.fail(ctx, job, "dedup",
			fmt.Errorf("%w: already processed by job %s", ErrDuplicateFile, prior.ID))
	}

	job.ContentDigest = digest
	if job, err = s.jobs.Update(ctx, job); err != nil {
		return s.fail(ctx, job, "dedup", err)
	}

	table, err := ParseTable(filepath.Base(job.FileRef), payload)
	if err != nil {
		return s.fail(ctx, job, "parse", err)
	}

	override := mappingOverrideFromStats(job.Stats)
	report := MapHeaders(table.Headers, job.Kind, s.aliases[job.Kind])
	headerMap := report.Fields
	if override != nil {
		headerMap = override
	} else if report.NeedsMapping() {
		return s.park(ctx, job, report, nil)
	}
	job = job.WithStat("headers", report)

	outcome, ferr := s.validateRows(ctx, &job, table, headerMap)
	if ferr != nil {
		return ferr
	}

	// Quality gate: mostly-garbage input goes to an operator, not the store.
	if job.Total > 0 && override == nil {
		ratio := float64(job.OK) / float64(job.Total)
		if ratio < s.cfg.QualityThreshold {
			s.log(ctx, job.ID, "quality_gate", domain.LogWarn,
				fmt.Sprintf("valid ratio %.2f below threshold %.2f", ratio, s.cfg.QualityThreshold), 0, nil)
			// Rejects were already persisted during validation; the operator
			// reviews them from there.
			return s.park(ctx, job, report, nil)
		}
	}

	if job.Kind == domain.FileKindStatement && len(s.checks) > 0 {
		s.runCrossChecks(ctx, job, outcome.staged)
	}

	if job.ValidateOnly {
		_, err = s.transition(ctx, job, domain.JobStatusCompleted)
		return err
	}

	job, ferr = s.insertBatches(ctx, job, outcome.staged)
	if ferr != nil {
		return ferr
	}

	job, err = s.transition(ctx, job, domain.JobStatusTransforming)
	if err != nil {
		return s.fail(ctx, job, "transforming", err)
	}
	transformStart := time.Now()
	moved, err := s.transformer.Promote(ctx, job.CompanyID, job.ID)
	if err != nil {
		return s.fail(ctx, job, "transforming", err)
	}
	s.log(ctx, job.ID, "transforming", domain.LogInfo,
		fmt.Sprintf("promoted %d rows", moved), time.Since(transformStart), nil)

	job, err = s.transition(ctx, job, domain.JobStatusRefreshed)
	if err != nil {
		return s.fail(ctx, job, "refreshed", err)
	}
	// Refresh failure is explicitly non-fatal: facts are transformed even if
	// derived aggregates lag.
	if err := s.transformer.RefreshAggregates(ctx, job.CompanyID); err != nil {
		s.log(ctx, job.ID, "refreshed", domain.LogWarn,
			fmt.Sprintf("aggregate refresh failed: %v", err), 0, nil)
	}

	_, err = s.transition(ctx, job, domain.JobStatusCompleted)
	return err
}

type validationOutcome struct {
	staged  []domain.StagingRow
	rejects []domain.RejectedRow
}

// validateRows folds every data row into a staged record or a reject,
// updating the job counters as it goes. It never aborts on a single bad row,
// only on blowing the error cap.
func (s *Service) validateRows(ctx context.Context, job *domain.Job, table Table, headerMap HeaderMap) (validationOutcome, error) {
	validator := &Validator{
		Kind:        job.Kind,
		Fields:      headerMap,
		Sections:    s.sections,
		DefaultYear: declaredYearFromStats(job.Stats),
	}

	start := time.Now()
	outcome := validationOutcome{}
	seenDigests := make(map[string]bool)
	duplicates := 0

	for i, fields := range table.Rows {
		parsed, rowErr := validator.ParseRow(fields)
		if rowErr != nil {
			reject := domain.RejectedRow{
				ID:      uuid.New(),
				JobID:   job.ID,
				LineNo:  table.SourceLine(i),
				Column:  rowErr.Column,
				Code:    rowErr.Code,
				Detail:  rowErr.Detail,
				RawLine: table.RawLine(i),
			}
			outcome.rejects = append(outcome.rejects, reject)
			if len(outcome.rejects) > s.cfg.ErrorCap {
				job.Total = len(table.Rows)
				job.Errors = len(outcome.rejects)
				job.OK = len(outcome.staged)
				s.persistRejects(ctx, outcome.rejects)
				return outcome, s.fail(ctx, *job, "validating",
					fmt.Errorf("%w: more than %d rejected rows", ErrErrorCapExceeded, s.cfg.ErrorCap))
			}
			continue
		}

		digest := RowDigest(job.CompanyID, parsed)
		if seenDigests[digest] {
			// Same semantic fact twice in one file; the first occurrence wins.
			duplicates++
			continue
		}
		seenDigests[digest] = true

		staged := domain.NewStagingRow(job.ID, job.CompanyID)
		staged.Concept = parsed.Concept
		staged.Section = parsed.Section
		staged.PeriodDate = parsed.Period.Date
		staged.Year = parsed.Period.Year
		staged.Quarter = parsed.Period.Quarter
		staged.Month = parsed.Period.Month
		staged.Amount = parsed.Amount
		staged.Currency = parsed.Currency
		staged.RowDigest = digest
		outcome.staged = append(outcome.staged, staged)
	}

	job.Total = len(table.Rows)
	job.Errors = len(outcome.rejects)
	job.OK = job.Total - job.Errors
	if duplicates > 0 {
		*job = job.WithStat("row_duplicates", duplicates)
	}

	var err error
	if *job, err = s.jobs.Update(ctx, *job); err != nil {
		return outcome, s.fail(ctx, *job, "validating", err)
	}

	s.log(ctx, job.ID, "validating", domain.LogInfo,
		fmt.Sprintf("validated %d rows: %d ok, %d rejected", job.Total, job.OK, job.Errors),
		time.Since(start), map[string]any{"duplicates": duplicates})

	// Persist rejects and upload the sample artifact side by side.
	if len(outcome.rejects) > 0 {
		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			s.persistRejects(gctx, outcome.rejects)
			return nil
		})
		group.Go(func() error {
			sample := buildRejectSampleCSV(outcome.rejects, s.cfg.RejectSampleSize)
			if uerr := s.store.Upload(gctx, rejectSampleKey(job.ID), "text/csv", sample); uerr != nil {
				s.log(gctx, job.ID, "validating", domain.LogWarn,
					fmt.Sprintf("reject sample upload failed: %v", uerr), 0, nil)
			}
			return nil
		})
		_ = group.Wait()
	}

	return outcome, nil
}

// insertBatches is the only stage with intra-stage progress and ETA: batch
// boundaries are the persistence unit, to bound write amplification.
func (s *Service) insertBatches(ctx context.Context, job domain.Job, staged []domain.StagingRow) (domain.Job, error) {
	job, err := s.transition(ctx, job, domain.JobStatusInserting)
	if err != nil {
		return job, s.fail(ctx, job, "inserting", err)
	}

	batches := NewBatcher(s.cfg.BatchBytes).Partition(staged)
	tracker := etaTracker{}
	var rowsLoaded int64

	for i, batch := range batches {
		start := time.Now()
		n, err := s.staging.BulkUpsert(ctx, batch)
		rowsLoaded += n
		if err != nil {
			// Committed batches stay committed; the digest key keeps a retry
			// idempotent.
			job = job.WithStat("rows_loaded", rowsLoaded)
			return job, s.fail(ctx, job, "inserting", fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err))
		}
		elapsed := time.Since(start)
		tracker.observe(elapsed)

		fraction := float64(i+1) / float64(len(batches))
		job = job.
			WithStat("progress_pct", ProgressPct(domain.JobStatusInserting, fraction)).
			WithStat("eta_seconds", int(tracker.remaining(len(batches)-i-1).Seconds())).
			WithStat("batches_done", i+1).
			WithStat("batches_total", len(batches)).
			WithStat("rows_loaded", rowsLoaded)
		if job, err = s.jobs.Update(ctx, job); err != nil {
			return job, s.fail(ctx, job, "inserting", err)
		}

		s.log(ctx, job.ID, "inserting", domain.LogInfo,
			fmt.Sprintf("batch %d/%d: %d rows", i+1, len(batches), n),
			elapsed, nil)
	}

	job = job.WithStat("eta_seconds", 0)
	return job, nil
}

// runCrossChecks evaluates the statement calculation rules per period over
// section totals and per-concept amounts. Violations are warnings, never
// rejections: a statement that does not balance is still ingested.
func (s *Service) runCrossChecks(ctx context.Context, job domain.Job, staged []domain.StagingRow) {
	byPeriod := make(map[string]rules.Bindings)
	for _, row := range staged {
		key := row.PeriodDate.Format("2006-01-02")
		binds, ok := byPeriod[key]
		if !ok {
			binds = rules.Bindings{}
			byPeriod[key] = binds
		}
		if row.Section != "" {
			name := NormalizeHeader(row.Section)
			binds[name] = binds[name].Add(row.Amount)
		}
		concept := NormalizeHeader(row.Concept)
		binds[concept] = binds[concept].Add(row.Amount)
	}

	for period, binds := range byPeriod {
		for _, check := range s.checks {
			ok, diff, err := check.Check(binds)
			if err != nil {
				// Rule references a concept this file does not carry.
				continue
			}
			if !ok {
				s.log(ctx, job.ID, "validating", domain.LogWarn,
					fmt.Sprintf("check %s off by %s for period %s", check.Name, diff, period), 0, nil)
			}
		}
	}
}

// park moves a job into needs_mapping with everything an operator needs to
// supply a manual header map.
func (s *Service) park(ctx context.Context, job domain.Job, report MappingReport, rejects []domain.RejectedRow) error {
	if len(rejects) > 0 {
		sample := rejects
		if len(sample) > s.cfg.RejectSampleSize {
			sample = sample[:s.cfg.RejectSampleSize]
		}
		s.persistRejects(ctx, sample)
	}

	job = job.WithStat("mapping_report", report)
	job.Status = domain.JobStatusNeedsMapping
	if _, err := s.jobs.Update(ctx, job); err != nil {
		return s.fail(ctx, job, "needs_mapping", err)
	}

	s.log(ctx, job.ID, "needs_mapping", domain.LogWarn,
		fmt.Sprintf("mapping confidence too low: %d fields mapped, missing %v", len(report.Fields), report.Missing),
		0, nil)
	return nil
}

// fail is the single exit for fatal errors: terminal state, persisted
// message, diagnostic artifact, error log entry.
func (s *Service) fail(ctx context.Context, job domain.Job, phase string, cause error) error {
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = cause.Error()
	if _, err := s.jobs.Update(ctx, job); err != nil {
		log.Printf("job %s: failed to persist failure state: %v", job.ID, err)
	}

	diagnostic := buildErrorLogJSON(job, phase, cause)
	if err := s.store.Upload(ctx, errorLogKey(job.ID), "application/json", diagnostic); err != nil {
		log.Printf("job %s: failed to upload error log: %v", job.ID, err)
	}

	s.log(ctx, job.ID, phase, domain.LogError, cause.Error(), 0, nil)
	return cause
}

func (s *Service) transition(ctx context.Context, job domain.Job, next domain.JobStatus) (domain.Job, error) {
	if !job.Status.CanTransitionTo(next) {
		return job, fmt.Errorf("illegal transition %s -> %s", job.Status, next)
	}

	prev := job.Status
	job.Status = next
	job = job.WithStat("progress_pct", ProgressPct(next, 0))
	if next != domain.JobStatusInserting {
		job = job.WithStat("eta_seconds", 0)
	}

	updated, err := s.jobs.Update(ctx, job)
	if err != nil {
		return job, err
	}

	s.log(ctx, job.ID, string(next), domain.LogInfo,
		fmt.Sprintf("stage %s -> %s", prev, next), 0, nil)
	return updated, nil
}

// log appends a job log entry. A logging failure must never abort the job,
// so errors land on the fallback process log instead.
func (s *Service) log(ctx context.Context, jobID uuid.UUID, phase string, level domain.LogLevel, message string, duration time.Duration, meta map[string]any) {
	entry := domain.JobLogEntry{
		JobID:    jobID,
		Phase:    phase,
		Level:    level,
		Message:  message,
		Duration: duration,
		Meta:     meta,
	}
	if err := s.logs.Record(ctx, entry); err != nil {
		log.Printf("job %s [%s/%s]: %s (log persist failed: %v)", jobID, phase, level, message, err)
	}
}

func (s *Service) persistRejects(ctx context.Context, rejects []domain.RejectedRow) {
	for start := 0; start < len(rejects); start += rejectPersistChunk {
		end := start + rejectPersistChunk
		if end > len(rejects) {
			end = len(rejects)
		}
		if err := s.rejects.CreateBatch(ctx, rejects[start:end]); err != nil {
			log.Printf("failed to persist rejected rows: %v", err)
			return
		}
	}
}

// mappingOverrideFromStats recovers the override both before and after a
// JSONB round trip, where ints come back as float64.
func mappingOverrideFromStats(stats map[string]any) HeaderMap {
	switch raw := stats["mapping_override"].(type) {
	case HeaderMap:
		if len(raw) == 0 {
			return nil
		}
		return raw
	case map[string]any:
		override := HeaderMap{}
		for field, value := range raw {
			switch n := value.(type) {
			case float64:
				override[field] = int(n)
			case int:
				override[field] = n
			}
		}
		if len(override) == 0 {
			return nil
		}
		return override
	}
	return nil
}

func declaredYearFromStats(stats map[string]any) int {
	switch n := stats["declared_year"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
