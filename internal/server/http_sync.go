package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

type scheduleInput struct {
	EmployerTaxID string `json:"employer_tax_id"`
}

// handleScheduleJob handles POST /v1/sync/jobs.
func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	if model.Digits(in.EmployerTaxID) == "" {
		writeFailure(w, errs.Validation("employer_tax_id is required"), nil)
		return
	}
	job, err := s.sched.ScheduleManual(r.Context(), in.EmployerTaxID)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleScheduleAutomatic handles POST /v1/sync/jobs/automatic. Employers
// with a job in flight are skipped.
func (s *Server) handleScheduleAutomatic(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.ScheduleAutomaticForAllEmployers(r.Context())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if jobs == nil {
		jobs = []*model.SyncJob{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// handleListJobs handles GET /v1/sync/jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.sched.Jobs()
	if jobs == nil {
		jobs = []*model.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// handleGetJob handles GET /v1/sync/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetJobStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob handles POST /v1/sync/jobs/{id}/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.sched.Cancel(id)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	job, err := s.sched.GetJobStatus(id)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "job": job})
}

type purgeInput struct {
	Retention string `json:"retention,omitempty"`
}

// handlePurgeJobs handles POST /v1/sync/purge. Without a body the
// scheduler's configured retention applies.
func (s *Server) handlePurgeJobs(w http.ResponseWriter, r *http.Request) {
	var in purgeInput
	if !decodeBody(w, r, &in, true) {
		return
	}
	retention := s.sched.Retention()
	if in.Retention != "" {
		d, err := time.ParseDuration(in.Retention)
		if err != nil || d < 0 {
			writeFailure(w, errs.Validation("retention must be a non-negative duration"), nil)
			return
		}
		retention = d
	}
	n := s.sched.PurgeOld(retention)
	writeJSON(w, http.StatusOK, map[string]any{"purged": n, "retention": retention.String()})
}

// handleSyncStats handles GET /v1/sync/stats.
func (s *Server) handleSyncStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}
