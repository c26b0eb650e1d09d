package api

import (
	"net/http"

	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
	"github.com/gorilla/mux"
)

// handleRefreshAccount handles POST /api/v1/accounts/{platform}/{username}/refresh.
// The profile job is queued at interactive priority; its follow-ups take
// care of the rest of the account.
func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	platform, username, ok := accountPath(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Planner.SeedAccount(r.Context(), platform, username, true, s.deps.Now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"platform": platform,
		"username": job.Scope.Account,
		"job_id":   job.ID,
	}).Info("Refresh requested")
	respondJSON(w, http.StatusAccepted, job)
}

// handleListArchives handles GET /api/v1/accounts/{platform}/{username}/archives
func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	platform, username, ok := accountPath(w, r)
	if !ok {
		return
	}

	account, err := s.deps.Store.Accounts.GetByUsername(r.Context(), platform, username)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	units, err := s.deps.Store.Archives.ListByAccount(r.Context(), account.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if units == nil {
		units = []*models.ArchiveUnit{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": account.ID,
		"username":  account.Username,
		"archives":  units,
	})
}

func accountPath(w http.ResponseWriter, r *http.Request) (types.Platform, string, bool) {
	vars := mux.Vars(r)

	platform, err := types.ParsePlatform(vars["platform"])
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return "", "", false
	}

	username := models.NormalizeAccount(vars["username"])
	if username == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Username required", nil)
		return "", "", false
	}
	return platform, username, true
}
