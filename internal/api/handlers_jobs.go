package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/chess-ingest/internal/adapter"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/ratelimit"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/types"
	"github.com/gorilla/mux"
)

const maxListLimit = 500

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status   string                                    `json:"status"`
	Database string                                    `json:"database"`
	Queue    map[types.JobStatus]int                   `json:"queue,omitempty"`
	Fetchers map[types.Platform]*adapter.FetcherHealth `json:"fetchers,omitempty"`
	Gate     map[types.Platform]ratelimit.GateStats    `json:"gate,omitempty"`
	Runs     map[types.JobType]service.RunStats        `json:"runs,omitempty"`
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Database: "ok"}
	if err := s.deps.Store.DB.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if counts, err := s.deps.Store.Jobs.CountByStatus(ctx); err == nil {
		resp.Queue = counts
	}
	if len(s.deps.Clients) > 0 {
		resp.Fetchers = make(map[types.Platform]*adapter.FetcherHealth, len(s.deps.Clients))
		for platform, client := range s.deps.Clients {
			resp.Fetchers[platform] = client.Health()
		}
	}
	if s.deps.Gate != nil {
		resp.Gate = s.deps.Gate.Stats()
	}
	if s.deps.Monitor != nil {
		resp.Runs = s.deps.Monitor.GetStats()
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /api/v1/jobs?status=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var status types.JobStatus
	if raw := query.Get("status"); raw != "" {
		parsed, err := types.ParseJobStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
			return
		}
		status = parsed
	}

	limit := 50
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 500", map[string]interface{}{
				"limit": raw,
			})
			return
		}
		limit = parsed
	}

	jobs, err := s.deps.Store.Jobs.List(r.Context(), status, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleJobStats handles GET /api/v1/jobs/stats
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.Jobs.CountByStatus(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Store.Jobs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleCancelJob handles POST /api/v1/jobs/{id}/cancel. Only queued jobs
// can be cancelled.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Store.Jobs.Cancel(r.Context(), id, s.deps.Now()); err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.deps.Store.Jobs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid job ID", nil)
		return 0, false
	}
	return id, true
}
