package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/balanceo/finflow/internal/domain"
	"github.com/balanceo/finflow/internal/repository"
	"github.com/balanceo/finflow/internal/rules"

	"github.com/google/uuid"
)

const statementHeader = "Concepto,Seccion,Año,Periodo,Importe,Moneda\n"

func statementFile(rows ...string) []byte {
	return []byte(statementHeader + strings.Join(rows, "\n") + "\n")
}

type testEnv struct {
	service     *Service
	jobs        *stubJobRepo
	staging     *stubStagingRepo
	rejects     *stubRejectRepo
	logs        *stubJobLogRepo
	store       *stubStore
	transformer *stubTransformer
}

func newTestEnv(cfg Config) *testEnv {
	env := &testEnv{
		jobs:        newStubJobRepo(),
		staging:     &stubStagingRepo{},
		rejects:     &stubRejectRepo{},
		logs:        &stubJobLogRepo{},
		store:       newStubStore(),
		transformer: &stubTransformer{},
	}
	env.service = NewService(env.jobs, env.staging, env.rejects, env.logs, env.store, env.transformer, cfg)
	return env
}

func (e *testEnv) submitAndRun(t *testing.T, req SubmitRequest) (domain.Job, error) {
	t.Helper()
	job, err := e.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runErr := e.service.Run(context.Background(), job.ID)
	final, err := e.jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return final, runErr
}

func TestRunHappyPathWithOneBadRow(t *testing.T) {
	env := newTestEnv(Config{})
	companyID := uuid.New()

	rows := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		amount := fmt.Sprintf("%d00,50", i+1)
		if i == 3 {
			amount = "n/a"
		}
		rows = append(rows, fmt.Sprintf("Concepto %d,Ingresos,2024,3,%s,EUR", i+1, amount))
	}
	env.store.files["gs://uploads/balance.csv"] = statementFile(rows...)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: companyID,
		FileRef:   "gs://uploads/balance.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Total != 10 || job.OK != 9 || job.Errors != 1 {
		t.Fatalf("counters = total %d ok %d error %d", job.Total, job.OK, job.Errors)
	}
	if job.OK+job.Errors != job.Total {
		t.Fatalf("counter invariant broken: %d + %d != %d", job.OK, job.Errors, job.Total)
	}
	if job.ContentDigest == "" {
		t.Fatalf("content digest not persisted")
	}
	if job.Stats["progress_pct"] != 100 {
		t.Fatalf("progress = %v, want 100", job.Stats["progress_pct"])
	}
	if job.Stats["eta_seconds"] != 0 {
		t.Fatalf("eta = %v, want 0", job.Stats["eta_seconds"])
	}

	if got := env.staging.totalRows(); got != 9 {
		t.Fatalf("staged rows = %d, want 9", got)
	}

	rejects := env.rejects.all()
	if len(rejects) != 1 {
		t.Fatalf("rejects = %d, want 1", len(rejects))
	}
	// Header is source line 1, so the fourth data row sits on line 5.
	if rejects[0].LineNo != 5 {
		t.Fatalf("reject line = %d, want 5", rejects[0].LineNo)
	}
	if rejects[0].Code != domain.RejectBadAmount {
		t.Fatalf("reject code = %s", rejects[0].Code)
	}

	if env.transformer.promoteCalls != 1 {
		t.Fatalf("promote calls = %d, want 1", env.transformer.promoteCalls)
	}
	if env.transformer.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", env.transformer.refreshCalls)
	}

	if _, ok := env.store.uploaded(rejectSampleKey(job.ID)); !ok {
		t.Fatalf("reject sample artifact not uploaded")
	}
}

func TestRunValidateOnlyStopsAfterValidation(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.files["ok.csv"] = statementFile(
		"Ventas,Ingresos,2024,3,100,EUR",
		"Compras,Gastos,2024,3,40,EUR",
	)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID:    uuid.New(),
		FileRef:      "ok.csv",
		Kind:         domain.FileKindStatement,
		ValidateOnly: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Total != 2 || job.OK != 2 {
		t.Fatalf("counters = %+v", job)
	}
	if env.staging.totalRows() != 0 {
		t.Fatalf("validate-only must not stage rows")
	}
	if env.transformer.promoteCalls != 0 {
		t.Fatalf("validate-only must not promote")
	}
}

func TestRunDuplicateFileFails(t *testing.T) {
	env := newTestEnv(Config{})
	payload := statementFile("Ventas,Ingresos,2024,3,100,EUR")
	env.store.files["first.csv"] = payload
	env.store.files["second.csv"] = payload

	first, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "first.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	second, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: first.CompanyID,
		FileRef:   "second.csv",
		Kind:      domain.FileKindStatement,
	})
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
	if second.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", second.Status)
	}
	if !strings.Contains(second.ErrorMessage, first.ID.String()) {
		t.Fatalf("error message should name the prior job: %q", second.ErrorMessage)
	}
	if _, ok := env.store.uploaded(errorLogKey(second.ID)); !ok {
		t.Fatalf("error log artifact not uploaded")
	}
}

func TestRunDuplicateAllowedAcrossCompanies(t *testing.T) {
	env := newTestEnv(Config{})
	payload := statementFile("Ventas,Ingresos,2024,3,100,EUR")
	env.store.files["a.csv"] = payload
	env.store.files["b.csv"] = payload

	if _, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "a.csv",
		Kind:      domain.FileKindStatement,
	}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "b.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("other company should not collide: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
}

func TestRunUnmappableHeadersParkJob(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.files["odd.csv"] = []byte("col_a,col_b,col_c\n1,2,3\n")

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "odd.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("parking is not a run error: %v", err)
	}

	if job.Status != domain.JobStatusNeedsMapping {
		t.Fatalf("status = %s, want needs_mapping", job.Status)
	}
	if _, ok := job.Stats["mapping_report"]; !ok {
		t.Fatalf("mapping report not attached to job")
	}
	if env.staging.totalRows() != 0 {
		t.Fatalf("parked job must not stage rows")
	}
}

func TestRunQualityGateParksJob(t *testing.T) {
	env := newTestEnv(Config{QualityThreshold: 0.80})

	// 6 of 10 rows valid: below the threshold.
	rows := make([]string, 0, 10)
	for i := 0; i < 6; i++ {
		rows = append(rows, fmt.Sprintf("Bueno %d,Ingresos,2024,3,100,EUR", i))
	}
	for i := 0; i < 4; i++ {
		rows = append(rows, fmt.Sprintf("Malo %d,Ingresos,2024,3,basura,EUR", i))
	}
	env.store.files["mixed.csv"] = statementFile(rows...)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "mixed.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("quality parking is not a run error: %v", err)
	}

	if job.Status != domain.JobStatusNeedsMapping {
		t.Fatalf("status = %s, want needs_mapping", job.Status)
	}
	if job.Total != 10 || job.OK != 6 || job.Errors != 4 {
		t.Fatalf("counters = total %d ok %d error %d", job.Total, job.OK, job.Errors)
	}
	if env.staging.totalRows() != 0 {
		t.Fatalf("parked job must not stage rows")
	}
	if len(env.rejects.all()) != 4 {
		t.Fatalf("rejects = %d, want 4", len(env.rejects.all()))
	}
	if !env.logs.hasWarn("quality_gate") {
		t.Fatalf("expected quality gate warning in job log")
	}
}

func TestRunMappingOverrideSkipsQualityGate(t *testing.T) {
	env := newTestEnv(Config{QualityThreshold: 0.80})

	// Headers nothing maps, plus mostly-bad data. The override both unlocks
	// the columns and bypasses the gate.
	env.store.files["manual.csv"] = []byte("c1,c2,c3,c4\n" +
		"Ventas,2024,3,100\n" +
		"Mala,2024,x,100\n" +
		"Peor,2024,y,100\n")

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "manual.csv",
		Kind:      domain.FileKindStatement,
		MappingOverride: HeaderMap{
			FieldConcept: 0,
			FieldYear:    1,
			FieldPeriod:  2,
			FieldAmount:  3,
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.OK != 1 || job.Errors != 2 {
		t.Fatalf("counters = ok %d error %d", job.OK, job.Errors)
	}
	if env.staging.totalRows() != 1 {
		t.Fatalf("staged rows = %d, want 1", env.staging.totalRows())
	}
}

func TestRunParkedJobDoesNotBlockOverrideResubmit(t *testing.T) {
	env := newTestEnv(Config{})

	// Headers nothing maps, so the first attempt parks. The operator then
	// resubmits the same bytes with a manual mapping.
	payload := []byte("c1,c2,c3,c4\n" +
		"Ventas,2024,3,100\n" +
		"Compras,2024,3,40\n")
	env.store.files["parked.csv"] = payload
	env.store.files["retry.csv"] = payload
	companyID := uuid.New()

	parked, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: companyID,
		FileRef:   "parked.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if parked.Status != domain.JobStatusNeedsMapping {
		t.Fatalf("status = %s, want needs_mapping", parked.Status)
	}

	retry, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: companyID,
		FileRef:   "retry.csv",
		Kind:      domain.FileKindStatement,
		MappingOverride: HeaderMap{
			FieldConcept: 0,
			FieldYear:    1,
			FieldPeriod:  2,
			FieldAmount:  3,
		},
	})
	if err != nil {
		t.Fatalf("override resubmit must not collide with the parked job: %v", err)
	}
	if retry.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", retry.Status)
	}
	if env.staging.totalRows() != 2 {
		t.Fatalf("staged rows = %d, want 2", env.staging.totalRows())
	}
}

func TestRunValidateOnlyDoesNotBlockRealIngest(t *testing.T) {
	env := newTestEnv(Config{})
	payload := statementFile("Ventas,Ingresos,2024,3,100,EUR")
	env.store.files["dry.csv"] = payload
	env.store.files["real.csv"] = payload
	env.store.files["again.csv"] = payload
	companyID := uuid.New()

	dry, err := env.submitAndRun(t, SubmitRequest{
		CompanyID:    companyID,
		FileRef:      "dry.csv",
		Kind:         domain.FileKindStatement,
		ValidateOnly: true,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Status != domain.JobStatusCompleted {
		t.Fatalf("dry run status = %s, want completed", dry.Status)
	}

	real, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: companyID,
		FileRef:   "real.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("real run must not collide with the dry run: %v", err)
	}
	if real.Status != domain.JobStatusCompleted {
		t.Fatalf("real run status = %s, want completed", real.Status)
	}
	if env.staging.totalRows() != 1 {
		t.Fatalf("staged rows = %d, want 1", env.staging.totalRows())
	}

	// The completed real ingest still blocks a further identical upload.
	_, err = env.submitAndRun(t, SubmitRequest{
		CompanyID: companyID,
		FileRef:   "again.csv",
		Kind:      domain.FileKindStatement,
	})
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
}

func TestRunErrorCapAbortsValidation(t *testing.T) {
	env := newTestEnv(Config{ErrorCap: 3})

	rows := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		rows = append(rows, fmt.Sprintf("Malo %d,,2024,3,basura,", i))
	}
	env.store.files["bad.csv"] = statementFile(rows...)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "bad.csv",
		Kind:      domain.FileKindStatement,
	})
	if !errors.Is(err, ErrErrorCapExceeded) {
		t.Fatalf("expected ErrErrorCapExceeded, got %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	// Validation stops on the reject that crosses the cap.
	if len(env.rejects.all()) != 4 {
		t.Fatalf("rejects = %d, want 4", len(env.rejects.all()))
	}
	if job.OK+job.Errors > job.Total {
		t.Fatalf("counter invariant broken: %d + %d > %d", job.OK, job.Errors, job.Total)
	}
}

func TestRunRefreshFailureStillCompletes(t *testing.T) {
	env := newTestEnv(Config{})
	env.transformer.refreshErr = errors.New("materialized view is locked")
	env.store.files["ok.csv"] = statementFile("Ventas,Ingresos,2024,3,100,EUR")

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "ok.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("refresh failure must not fail the job: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if !env.logs.hasWarn("refreshed") {
		t.Fatalf("expected refresh warning in job log")
	}
}

func TestRunPromoteFailureFailsJob(t *testing.T) {
	env := newTestEnv(Config{})
	env.transformer.promoteErr = errors.New("promote function is missing")
	env.store.files["ok.csv"] = statementFile("Ventas,Ingresos,2024,3,100,EUR")

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "ok.csv",
		Kind:      domain.FileKindStatement,
	})
	if err == nil {
		t.Fatalf("expected promote failure to surface")
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
}

func TestRunBatchFailureKeepsLoadedCount(t *testing.T) {
	// One row per batch, second batch blows up.
	env := newTestEnv(Config{BatchBytes: 1})
	env.staging.failOnBatch = 2

	env.store.files["big.csv"] = statementFile(
		"Uno,Ingresos,2024,1,1,EUR",
		"Dos,Ingresos,2024,2,2,EUR",
		"Tres,Ingresos,2024,3,3,EUR",
	)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "big.csv",
		Kind:      domain.FileKindStatement,
	})
	if err == nil {
		t.Fatalf("expected batch failure to surface")
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if got, ok := job.Stats["rows_loaded"].(int64); !ok || got != 1 {
		t.Fatalf("rows_loaded = %v, want 1", job.Stats["rows_loaded"])
	}
}

func TestRunSkipsRepeatedFactsWithinFile(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.files["dup.csv"] = statementFile(
		"Ventas,Ingresos,2024,3,100,EUR",
		"Ventas,Ingresos,2024,3,100,EUR",
		"Compras,Gastos,2024,3,40,EUR",
	)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "dup.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if env.staging.totalRows() != 2 {
		t.Fatalf("staged rows = %d, want 2 after in-file dedup", env.staging.totalRows())
	}
	if job.Stats["row_duplicates"] != 1 {
		t.Fatalf("row_duplicates = %v, want 1", job.Stats["row_duplicates"])
	}
}

func TestRunCrossCheckViolationWarns(t *testing.T) {
	env := newTestEnv(Config{})
	env.service.UseCrossChecks(rules.DefaultChecks())

	// activo 100 vs pasivo 40 + patrimonio 50: off by 10.
	env.store.files["unbalanced.csv"] = statementFile(
		"Caja,Activo,2024,3,100,EUR",
		"Deudas,Pasivo,2024,3,40,EUR",
		"Capital,Patrimonio,2024,3,50,EUR",
	)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "unbalanced.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("a failed cross-check must not fail the job: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	found := false
	for _, entry := range env.logs.byJob(job.ID) {
		if entry.Level == domain.LogWarn && strings.Contains(entry.Message, "balance") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a balance warning in the job log")
	}
}

func TestRunRejectsNonQueuedJob(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.files["ok.csv"] = statementFile("Ventas,Ingresos,2024,3,100,EUR")

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "ok.csv",
		Kind:      domain.FileKindStatement,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := env.service.Run(context.Background(), job.ID); err == nil {
		t.Fatalf("re-running a completed job must fail")
	}
}

func TestRunDownloadFailureFailsJob(t *testing.T) {
	env := newTestEnv(Config{})

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "missing.csv",
		Kind:      domain.FileKindStatement,
	})
	if err == nil {
		t.Fatalf("expected download failure")
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatalf("error message not persisted")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(Config{})

	if _, err := env.service.Submit(context.Background(), SubmitRequest{
		FileRef: "x.csv",
		Kind:    domain.FileKindStatement,
	}); err == nil {
		t.Fatalf("expected missing company id to fail")
	}

	if _, err := env.service.Submit(context.Background(), SubmitRequest{
		CompanyID: uuid.New(),
		Kind:      domain.FileKindStatement,
	}); err == nil {
		t.Fatalf("expected missing file ref to fail")
	}

	if _, err := env.service.Submit(context.Background(), SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "x.csv",
		Kind:      domain.FileKind("invoice"),
	}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}

	job, err := env.service.Submit(context.Background(), SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "x.csv",
		Kind:      domain.FileKindLedger,
		Year:      2024,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.Stats["declared_year"] != 2024 {
		t.Fatalf("declared_year = %v", job.Stats["declared_year"])
	}
}

func TestRunLedgerFile(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.files["diario.csv"] = []byte(
		"Fecha,Cuenta,Concepto,Debe,Haber\n" +
			"2024-03-01,7000,Venta A,,100\n" +
			"2024-03-02,6000,Compra B,40,\n",
	)

	job, err := env.submitAndRun(t, SubmitRequest{
		CompanyID: uuid.New(),
		FileRef:   "diario.csv",
		Kind:      domain.FileKindLedger,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Total != 2 || job.OK != 2 {
		t.Fatalf("counters = %+v", job)
	}

	staged := env.staging.allRows()
	if len(staged) != 2 {
		t.Fatalf("staged = %d rows", len(staged))
	}
	if staged[0].Amount.String() != "-100" {
		t.Fatalf("credit entry amount = %s, want -100", staged[0].Amount)
	}
	if staged[1].Amount.String() != "40" {
		t.Fatalf("debit entry amount = %s, want 40", staged[1].Amount)
	}
}

// --- stubs ---

type stubJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]domain.Job
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{jobs: map[uuid.UUID]domain.Job{}}
}

func (r *stubJobRepo) Create(_ context.Context, job domain.Job) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job, nil
}

func (r *stubJobRepo) GetByID(_ context.Context, id uuid.UUID) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, repository.ErrJobNotFound
	}
	return job, nil
}

func (r *stubJobRepo) Update(_ context.Context, job domain.Job) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job, nil
}

func (r *stubJobRepo) FindByDigest(_ context.Context, companyID uuid.UUID, digest string, excludeID uuid.UUID) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.ID == excludeID || job.CompanyID != companyID {
			continue
		}
		if job.Status == domain.JobStatusFailed || job.Status == domain.JobStatusNeedsMapping {
			continue
		}
		if job.ValidateOnly {
			continue
		}
		if job.ContentDigest == digest {
			return job, true, nil
		}
	}
	return domain.Job{}, false, nil
}

type stubStagingRepo struct {
	mu          sync.Mutex
	batches     [][]domain.StagingRow
	failOnBatch int // 1-based batch index that fails, 0 for never
}

func (r *stubStagingRepo) BulkUpsert(_ context.Context, rows []domain.StagingRow) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOnBatch > 0 && len(r.batches)+1 == r.failOnBatch {
		return 0, errors.New("copy failed")
	}
	r.batches = append(r.batches, rows)
	return int64(len(rows)), nil
}

func (r *stubStagingRepo) totalRows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, batch := range r.batches {
		total += len(batch)
	}
	return total
}

func (r *stubStagingRepo) allRows() []domain.StagingRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []domain.StagingRow
	for _, batch := range r.batches {
		rows = append(rows, batch...)
	}
	return rows
}

type stubRejectRepo struct {
	mu   sync.Mutex
	rows []domain.RejectedRow
}

func (r *stubRejectRepo) CreateBatch(_ context.Context, rows []domain.RejectedRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
	return nil
}

func (r *stubRejectRepo) ListByJob(_ context.Context, jobID uuid.UUID, limit int) ([]domain.RejectedRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RejectedRow
	for _, row := range r.rows {
		if row.JobID == jobID {
			out = append(out, row)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *stubRejectRepo) all() []domain.RejectedRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RejectedRow(nil), r.rows...)
}

type stubJobLogRepo struct {
	mu      sync.Mutex
	entries []domain.JobLogEntry
}

func (r *stubJobLogRepo) Record(_ context.Context, entry domain.JobLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubJobLogRepo) List(_ context.Context, jobID uuid.UUID, limit int) ([]domain.JobLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.JobLogEntry
	for _, entry := range r.entries {
		if entry.JobID == jobID {
			out = append(out, entry)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *stubJobLogRepo) byJob(jobID uuid.UUID) []domain.JobLogEntry {
	out, _ := r.List(context.Background(), jobID, 0)
	return out
}

func (r *stubJobLogRepo) hasWarn(phase string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.Phase == phase && entry.Level == domain.LogWarn {
			return true
		}
	}
	return false
}

type stubStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	uploads map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{
		files:   map[string][]byte{},
		uploads: map[string][]byte{},
	}
}

func (s *stubStore) Download(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.files[ref]
	if !ok {
		return nil, fmt.Errorf("object %s not found", ref)
	}
	return payload, nil
}

func (s *stubStore) Upload(_ context.Context, key, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[key] = data
	return nil
}

func (s *stubStore) uploaded(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[key]
	return data, ok
}

type stubTransformer struct {
	mu           sync.Mutex
	promoteCalls int
	refreshCalls int
	promoteErr   error
	refreshErr   error
}

func (t *stubTransformer) Promote(_ context.Context, _, _ uuid.UUID) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promoteCalls++
	if t.promoteErr != nil {
		return 0, t.promoteErr
	}
	return 1, nil
}

func (t *stubTransformer) RefreshAggregates(_ context.Context, _ uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshCalls++
	return t.refreshErr
}
