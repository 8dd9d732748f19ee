package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sstlabs/esocial-engine/internal/errs"
)

// maxBodyBytes bounds request bodies; certificate uploads are the
// largest legitimate payload.
const maxBodyBytes = 8 << 20

// Handler returns an http.Handler with all routes registered. When an
// auth token is configured, requests other than GET /v1/health and
// GET /metrics must include Authorization: Bearer <token>.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(LoggingMiddleware(s.logger))
	if s.opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.opts.RateLimit, s.opts.RateWindow))
	}
	r.Use(AuthMiddleware(s.opts.AuthToken))

	r.Get("/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/v1/connectivity", s.handleConnectivity)

	r.Route("/v1/employers", func(r chi.Router) {
		r.Post("/", s.handleCreateEmployer)
		r.Get("/", s.handleListEmployers)
		r.Get("/{id}", s.handleGetEmployer)
		r.Get("/{id}/employees", s.handleListEmployees)
		r.Get("/{id}/certificates", s.handleListCertificates)
		r.Post("/{id}/certificates", s.handleUploadCertificate)
		r.Post("/{id}/poll", s.handlePollEmployer)
		r.Get("/{id}/report", s.handleReport)
	})

	r.Route("/v1/certificates", func(r chi.Router) {
		r.Post("/validate", s.handleInspectCertificate)
		r.Post("/{id}/validate", s.handleValidateCertificate)
		r.Post("/{id}/activate", s.handleActivateCertificate)
		r.Post("/{id}/deactivate", s.handleDeactivateCertificate)
		r.Get("/{id}/url", s.handleCertificateURL)
	})

	r.Route("/v1/events", func(r chi.Router) {
		r.Post("/", s.handleCreateEvent)
		r.Get("/", s.handleListEvents)
		r.Get("/stream", s.handleEventStream)
		r.Get("/{id}", s.handleGetEvent)
		r.Delete("/{id}", s.handleDeleteEvent)
		r.Post("/{id}/duplicate", s.handleDuplicateEvent)
		r.Get("/{id}/processed-xml", s.handleProcessedXML)
	})

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", s.handleSubmitBatch)
		r.Post("/{id}/retry", s.handleRetryBatch)
		r.Post("/{id}/poll", s.handlePollBatch)
	})

	r.Route("/v1/sync", func(r chi.Router) {
		r.Post("/jobs", s.handleScheduleJob)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/automatic", s.handleScheduleAutomatic)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/purge", s.handlePurgeJobs)
		r.Get("/stats", s.handleSyncStats)
	})

	r.Get("/v1/audit/{entity}/{id}", s.handleAuditTrail)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": string(s.svc.Environment()),
	})
}

// handleConnectivity handles GET /v1/connectivity.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.TestConnectivity(r.Context()))
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error   string        `json:"error"`
	Kind    errs.Kind     `json:"kind,omitempty"`
	Code    errs.Code     `json:"code,omitempty"`
	Details []errs.Detail `json:"details,omitempty"`
	// Result carries the partial outcome of an operation that failed
	// after doing work, e.g. a batch whose members were moved to error.
	Result any `json:"result,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response for transport-level failures.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeFailure maps an engine error to its status code and body.
func writeFailure(w http.ResponseWriter, err error, result any) {
	kind := errs.KindOf(err)
	body := errorBody{
		Error:   err.Error(),
		Kind:    kind,
		Code:    errs.CodeOf(err),
		Details: errs.DetailsOf(err),
		Result:  result,
	}
	if kind == errs.KindInternal {
		body.Error = "internal server error"
	}
	writeJSON(w, errs.HTTPStatus(kind), body)
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// splitList splits a comma-separated query value, dropping blanks.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}
