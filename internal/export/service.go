// Package export serves per-job reject exports over signed, short-lived
// download links, so operators can pull the full rejection detail without
// direct bucket access.
package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/balanceo/finflow/internal/repository"
)

// Service signs download links for reject exports and streams the CSV.
type Service struct {
	jobs    repository.JobRepository
	rejects repository.RejectedRowRepository

	signer   *downloadSigner
	rowLimit int
	now      func() time.Time
}

type Option func(*Service)

// WithTokenTTL customizes the lifetime of generated download links.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.signer = newDownloadSigner(ttl)
		}
	}
}

// WithRowLimit caps how many rejected rows one export streams.
func WithRowLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.rowLimit = limit
		}
	}
}

func NewService(jobs repository.JobRepository, rejects repository.RejectedRowRepository, opts ...Option) *Service {
	service := &Service{
		jobs:     jobs,
		rejects:  rejects,
		rowLimit: 10000,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.signer == nil {
		service.signer = newDownloadSigner(15 * time.Minute)
	}
	return service
}

// BuildDownloadURL signs a short-lived link to the reject export for a job.
func (s *Service) BuildDownloadURL(jobID uuid.UUID) string {
	token := s.signer.Sign(jobID, s.now())
	values := url.Values{}
	values.Set("token", token)
	return fmt.Sprintf("/api/jobs/%s/rejects.csv?%s", jobID, values.Encode())
}

// ValidateDownloadToken checks that the token was signed for this job and has
// not expired.
func (s *Service) ValidateDownloadToken(jobID uuid.UUID, token string) error {
	return s.signer.Verify(jobID, token, s.now())
}

// WriteRejects streams the rejected rows of one job as CSV. It returns the
// number of data rows written.
func (s *Service) WriteRejects(ctx context.Context, w io.Writer, jobID uuid.UUID) (int, error) {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return 0, err
	}

	rows, err := s.rejects.ListByJob(ctx, jobID, s.rowLimit)
	if err != nil {
		return 0, fmt.Errorf("list rejected rows: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"line", "column", "code", "detail", "raw"}); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.LineNo),
			row.Column,
			row.Code,
			row.Detail,
			row.RawLine,
		}
		if err := writer.Write(record); err != nil {
			return 0, fmt.Errorf("write reject row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("flush export: %w", err)
	}
	return len(rows), nil
}

type downloadSigner struct {
	secret []byte
	ttl    time.Duration
}

func newDownloadSigner(ttl time.Duration) *downloadSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &downloadSigner{secret: []byte(uuid.New().String()), ttl: ttl}
}

func (s *downloadSigner) Sign(jobID uuid.UUID, now time.Time) string {
	expires := now.Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s:%d", jobID.String(), expires)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))
	raw := fmt.Sprintf("%s:%s", payload, signature)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (s *downloadSigner) Verify(jobID uuid.UUID, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("missing download token")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return errors.New("invalid token format")
	}
	if parts[0] != jobID.String() {
		return errors.New("token does not match job")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token expiration: %w", err)
	}
	if now.Unix() > expires {
		return errors.New("download token expired")
	}
	payload := fmt.Sprintf("%s:%s", parts[0], parts[1])
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("invalid token signature: %w", err)
	}
	if !hmac.Equal(expected, provided) {
		return errors.New("invalid download token")
	}
	return nil
}
