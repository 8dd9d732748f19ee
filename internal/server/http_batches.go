package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sstlabs/esocial-engine/internal/errs"
)

type submitInput struct {
	EventIDs []string `json:"event_ids"`
}

// handleSubmitBatch handles POST /v1/batches. A batch that was formed but
// failed to transmit answers with the error and the per-event outcome.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var in submitInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	if len(in.EventIDs) == 0 {
		writeFailure(w, errs.New(errs.KindValidation, errs.CodeEmptyBatch, "event_ids is required"), nil)
		return
	}
	res, err := s.svc.Submit(r.Context(), in.EventIDs)
	if err != nil {
		var partial any
		if res != nil {
			partial = res
		}
		writeFailure(w, err, partial)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleRetryBatch handles POST /v1/batches/{id}/retry.
func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RetryBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var partial any
		if res != nil {
			partial = res
		}
		writeFailure(w, err, partial)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePollBatch handles POST /v1/batches/{id}/poll.
func (s *Server) handlePollBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.PollBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
