package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/model"
)

type createEventInput struct {
	Type       string          `json:"event_type"`
	EmployerID string          `json:"employer_id"`
	Payload    json.RawMessage `json:"payload"`
}

// handleCreateEvent handles POST /v1/events.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in createEventInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	typ, err := model.ParseEventType(in.Type)
	if err != nil {
		writeFailure(w, errs.Validation("%v", err), nil)
		return
	}
	e, err := s.svc.CreateEvent(r.Context(), lifecycle.CreateRequest{
		Type:       typ,
		EmployerID: in.EmployerID,
		Payload:    in.Payload,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleListEvents handles GET /v1/events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	list, total, err := s.svc.ListEvents(r.Context(), filter)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if list == nil {
		list = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "total": total})
}

// eventFilter reads the comma-separated status and type lists and the
// scalar filters of GET /v1/events.
func eventFilter(r *http.Request) (model.EventFilter, error) {
	q := r.URL.Query()
	filter := model.EventFilter{
		EmployerID: q.Get("employer_id"),
		EmployeeID: q.Get("employee_id"),
		BatchID:    q.Get("batch_id"),
		Sort:       q.Get("sort"),
	}
	for _, v := range splitList(q.Get("status")) {
		st, err := model.ParseStatus(v)
		if err != nil {
			return filter, errs.Validation("%v", err)
		}
		filter.Status = append(filter.Status, st)
	}
	for _, v := range splitList(q.Get("type")) {
		t, err := model.ParseEventType(v)
		if err != nil {
			return filter, errs.Validation("%v", err)
		}
		filter.Type = append(filter.Type, t)
	}
	if v := q.Get("has_receipt"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errs.Validation("has_receipt must be a boolean")
		}
		filter.HasReceipt = b
	}
	var err error
	if filter.CreatedAfter, err = parseTime("created_after", q.Get("created_after")); err != nil {
		return filter, err
	}
	if filter.CreatedBefore, err = parseTime("created_before", q.Get("created_before")); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

// handleGetEvent handles GET /v1/events/{id}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleDeleteEvent handles DELETE /v1/events/{id}. The removed event is
// returned.
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleDuplicateEvent handles POST /v1/events/{id}/duplicate.
func (s *Server) handleDuplicateEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.DuplicateEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleProcessedXML handles GET /v1/events/{id}/processed-xml.
func (s *Server) handleProcessedXML(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.svc.DownloadProcessed(r.Context(), id)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.xml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
