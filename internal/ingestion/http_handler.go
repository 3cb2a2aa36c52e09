package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/balanceo/finflow/internal/domain"
	"github.com/balanceo/finflow/internal/repository"

	"github.com/google/uuid"
)

// RejectLinker signs download links for a job's reject export.
type RejectLinker interface {
	BuildDownloadURL(jobID uuid.UUID) string
}

// Handler exposes job submission and status over HTTP. The reject download
// route and link builder are optional; without them the status payload simply
// omits the rejects URL.
type Handler struct {
	service   *Service
	jobs      repository.JobRepository
	logs      repository.JobLogRepository
	downloads http.Handler
	links     RejectLinker
}

// NewHTTPHandler wraps the service with the job endpoints.
func NewHTTPHandler(service *Service, jobs repository.JobRepository, logs repository.JobLogRepository, downloads http.Handler, links RejectLinker) http.Handler {
	return &Handler{service: service, jobs: jobs, logs: logs, downloads: downloads, links: links}
}

type submitPayload struct {
	CompanyID       string         `json:"companyId"`
	FileRef         string         `json:"fileRef"`
	FileKind        string         `json:"fileKind"`
	ValidateOnly    bool           `json:"validateOnly"`
	Year            int            `json:"year,omitempty"`
	MappingOverride map[string]int `json:"mappingOverride,omitempty"`
}

type statusPayload struct {
	JobID        string         `json:"jobId"`
	Status       string         `json:"status"`
	Stats        map[string]any `json:"stats"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs"), "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.submit(w, r)
	case rest != "" && r.Method == http.MethodGet:
		parts := strings.Split(rest, "/")
		id, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid job id: %v", err), http.StatusBadRequest)
			return
		}
		if len(parts) == 2 && parts[1] == "logs" {
			h.listLogs(w, r, id)
			return
		}
		if len(parts) == 2 && parts[1] == "rejects.csv" && h.downloads != nil {
			h.downloads.ServeHTTP(w, r)
			return
		}
		if len(parts) == 1 {
			h.status(w, r, id)
			return
		}
		http.NotFound(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	companyID, err := uuid.Parse(strings.TrimSpace(payload.CompanyID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid company id: %v", err), http.StatusBadRequest)
		return
	}

	req := SubmitRequest{
		CompanyID:    companyID,
		FileRef:      strings.TrimSpace(payload.FileRef),
		Kind:         domain.FileKind(payload.FileKind),
		ValidateOnly: payload.ValidateOnly,
		Year:         payload.Year,
	}
	if len(payload.MappingOverride) > 0 {
		req.MappingOverride = HeaderMap(payload.MappingOverride)
	}

	job, err := h.service.Submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The pipeline runs detached from the request lifetime.
	go func() {
		_ = h.service.Run(context.Background(), job.ID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID.String()})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := make(map[string]any, len(job.Stats)+3)
	for k, v := range job.Stats {
		stats[k] = v
	}
	stats["total"] = job.Total
	stats["ok"] = job.OK
	stats["error"] = job.Errors
	if h.links != nil && job.Errors > 0 {
		stats["rejects_url"] = h.links.BuildDownloadURL(job.ID)
	}

	writeJSON(w, http.StatusOK, statusPayload{
		JobID:        job.ID.String(),
		Status:       string(job.Status),
		Stats:        stats,
		ErrorMessage: job.ErrorMessage,
	})
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	entries, err := h.logs.List(r.Context(), id, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
