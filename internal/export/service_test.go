package export

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/balanceo/finflow/internal/domain"
	"github.com/balanceo/finflow/internal/repository"

	"github.com/google/uuid"
)

func TestBuildAndValidateDownloadToken(t *testing.T) {
	jobID := uuid.New()
	job := domain.NewJob(uuid.New(), "f.csv", domain.FileKindStatement, false)
	job.ID = jobID

	service := NewService(&stubJobs{job: job}, &stubRejects{})

	link := service.BuildDownloadURL(jobID)
	if !strings.HasPrefix(link, "/api/jobs/"+jobID.String()+"/rejects.csv?") {
		t.Fatalf("unexpected link %q", link)
	}

	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	token := parsed.Query().Get("token")
	if err := service.ValidateDownloadToken(jobID, token); err != nil {
		t.Fatalf("token should validate: %v", err)
	}

	if err := service.ValidateDownloadToken(uuid.New(), token); err == nil {
		t.Fatalf("token must be bound to one job")
	}
	if err := service.ValidateDownloadToken(jobID, "not-a-token"); err == nil {
		t.Fatalf("garbage token must fail")
	}
	if err := service.ValidateDownloadToken(jobID, ""); err == nil {
		t.Fatalf("empty token must fail")
	}
}

func TestDownloadTokenExpires(t *testing.T) {
	jobID := uuid.New()
	service := NewService(&stubJobs{}, &stubRejects{}, WithTokenTTL(time.Minute))

	token := service.signer.Sign(jobID, time.Now().Add(-2*time.Minute))
	if err := service.ValidateDownloadToken(jobID, token); err == nil {
		t.Fatalf("expired token must fail")
	}
}

func TestWriteRejectsStreamsCSV(t *testing.T) {
	jobID := uuid.New()
	job := domain.NewJob(uuid.New(), "f.csv", domain.FileKindStatement, false)
	job.ID = jobID

	rejects := &stubRejects{rows: []domain.RejectedRow{
		{JobID: jobID, LineNo: 5, Column: "amount", Code: domain.RejectBadAmount, Detail: "not a number", RawLine: "Ventas,2024,3,n/a"},
		{JobID: jobID, LineNo: 9, Column: "year", Code: domain.RejectBadYear, Detail: "year 1850 outside range", RawLine: "Compras,1850,3,10"},
	}}

	service := NewService(&stubJobs{job: job}, rejects)

	var buf bytes.Buffer
	n, err := service.WriteRejects(context.Background(), &buf, jobID)
	if err != nil {
		t.Fatalf("write rejects: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows written = %d, want 2", n)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "line,column,code,detail,raw" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "5,amount,bad_amount") {
		t.Fatalf("first row = %q", lines[1])
	}
}

func TestWriteRejectsUnknownJob(t *testing.T) {
	service := NewService(&stubJobs{}, &stubRejects{})

	var buf bytes.Buffer
	if _, err := service.WriteRejects(context.Background(), &buf, uuid.New()); err == nil {
		t.Fatalf("expected unknown job to fail")
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written for an unknown job")
	}
}

func TestHandlerRejectsBadToken(t *testing.T) {
	jobID := uuid.New()
	job := domain.NewJob(uuid.New(), "f.csv", domain.FileKindStatement, false)
	job.ID = jobID

	service := NewService(&stubJobs{job: job}, &stubRejects{})
	handler := NewHTTPHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String()+"/rejects.csv?token=bogus", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlerServesSignedDownload(t *testing.T) {
	jobID := uuid.New()
	job := domain.NewJob(uuid.New(), "f.csv", domain.FileKindStatement, false)
	job.ID = jobID

	service := NewService(&stubJobs{job: job}, &stubRejects{rows: []domain.RejectedRow{
		{JobID: jobID, LineNo: 2, Code: domain.RejectEmptyConcept, Detail: "concept is required"},
	}})
	handler := NewHTTPHandler(service)

	req := httptest.NewRequest(http.MethodGet, service.BuildDownloadURL(jobID), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "empty_concept") {
		t.Fatalf("body missing reject row: %q", rec.Body.String())
	}
}

type stubJobs struct {
	job domain.Job
}

func (s *stubJobs) Create(_ context.Context, job domain.Job) (domain.Job, error) {
	return job, nil
}

func (s *stubJobs) GetByID(_ context.Context, id uuid.UUID) (domain.Job, error) {
	if s.job.ID != id {
		return domain.Job{}, repository.ErrJobNotFound
	}
	return s.job, nil
}

func (s *stubJobs) Update(_ context.Context, job domain.Job) (domain.Job, error) {
	return job, nil
}

func (s *stubJobs) FindByDigest(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}

type stubRejects struct {
	rows []domain.RejectedRow
}

func (s *stubRejects) CreateBatch(_ context.Context, rows []domain.RejectedRow) error {
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *stubRejects) ListByJob(_ context.Context, jobID uuid.UUID, limit int) ([]domain.RejectedRow, error) {
	var out []domain.RejectedRow
	for _, row := range s.rows {
		if row.JobID == jobID {
			out = append(out, row)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
