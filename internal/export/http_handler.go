package export

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/balanceo/finflow/internal/repository"
)

// Handler serves GET /api/jobs/{id}/rejects.csv behind a signed token.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID, err := jobIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if err := h.service.ValidateDownloadToken(jobID, token); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"rejects-%s.csv\"", jobID))
	if _, err := h.service.WriteRejects(r.Context(), w, jobID); err != nil {
		// Nothing is written before the job lookup succeeds, so not-found can
		// still produce a clean status. Mid-stream failures cannot.
		if errors.Is(err, repository.ErrJobNotFound) {
			w.Header().Del("Content-Disposition")
			http.Error(w, "job not found", http.StatusNotFound)
		}
		return
	}
}

// jobIDFromPath extracts the job id from /api/jobs/{id}/rejects.csv.
func jobIDFromPath(path string) (uuid.UUID, error) {
	trimmed := strings.TrimSuffix(strings.Trim(path, "/"), "/rejects.csv")
	parts := strings.Split(trimmed, "/")
	raw := parts[len(parts)-1]
	jobID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", raw)
	}
	return jobID, nil
}
