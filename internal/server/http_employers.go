package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

type createEmployerInput struct {
	TaxID string `json:"tax_id"`
	Name  string `json:"name"`
}

// handleCreateEmployer handles POST /v1/employers.
func (s *Server) handleCreateEmployer(w http.ResponseWriter, r *http.Request) {
	var in createEmployerInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	emp, err := s.svc.CreateEmployer(r.Context(), in.TaxID, in.Name)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, emp)
}

// handleListEmployers handles GET /v1/employers. With ?tax_id= it
// returns at most the one matching employer.
func (s *Server) handleListEmployers(w http.ResponseWriter, r *http.Request) {
	if taxID := r.URL.Query().Get("tax_id"); taxID != "" {
		emp, err := s.svc.EmployerByTaxID(r.Context(), taxID)
		if errs.KindOf(err) == errs.KindNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"employers": []*model.Employer{}, "total": 0})
			return
		}
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"employers": []*model.Employer{emp}, "total": 1})
		return
	}
	list, err := s.svc.ListEmployers(r.Context())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if list == nil {
		list = []*model.Employer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"employers": list, "total": len(list)})
}

// handleGetEmployer handles GET /v1/employers/{id}.
func (s *Server) handleGetEmployer(w http.ResponseWriter, r *http.Request) {
	emp, err := s.svc.GetEmployer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, emp)
}

// handleListEmployees handles GET /v1/employers/{id}/employees.
func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListEmployees(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if list == nil {
		list = []*model.Employee{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": list, "total": len(list)})
}

// handlePollEmployer handles POST /v1/employers/{id}/poll.
func (s *Server) handlePollEmployer(w http.ResponseWriter, r *http.Request) {
	polls, err := s.svc.PollEmployer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	failed := 0
	for _, p := range polls {
		if p.Error != "" {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": polls, "total": len(polls), "failed": failed})
}

// handleReport handles GET /v1/employers/{id}/report. It accepts the
// type, status, created_after and created_before filters of the event
// listing.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	report, err := s.svc.Report(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAuditTrail handles GET /v1/audit/{entity}/{id}.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.AuditTrail(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if recs == nil {
		recs = []*model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "total": len(recs)})
}

func parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, v); err != nil {
			return nil, errs.Validation("%s must be an RFC 3339 timestamp or a date", name)
		}
	}
	return &t, nil
}
