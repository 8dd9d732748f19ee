package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// certificateInput carries a PKCS#12 container. Data is base64 in JSON.
type certificateInput struct {
	Data          []byte `json:"data"`
	Password      string `json:"password"`
	EmployerTaxID string `json:"employer_tax_id,omitempty"`
	Activate      bool   `json:"activate,omitempty"`
}

// handleInspectCertificate handles POST /v1/certificates/validate. The
// container is checked and discarded.
func (s *Server) handleInspectCertificate(w http.ResponseWriter, r *http.Request) {
	var in certificateInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	if len(in.Data) == 0 {
		writeFailure(w, errs.Validation("data is required"), nil)
		return
	}
	report, err := s.svc.InspectCertificate(in.Data, in.Password, model.Digits(in.EmployerTaxID))
	if err != nil {
		writeFailure(w, err, reportResult(report))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleUploadCertificate handles POST /v1/employers/{id}/certificates.
// A refused container answers with its validation report.
func (s *Server) handleUploadCertificate(w http.ResponseWriter, r *http.Request) {
	var in certificateInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	if len(in.Data) == 0 {
		writeFailure(w, errs.Validation("data is required"), nil)
		return
	}
	cert, report, err := s.svc.UploadCertificate(r.Context(), lifecycle.UploadRequest{
		EmployerID: chi.URLParam(r, "id"),
		Data:       in.Data,
		Password:   in.Password,
		Activate:   in.Activate,
	})
	if err != nil {
		writeFailure(w, err, reportResult(report))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"certificate": cert, "report": report})
}

// handleListCertificates handles GET /v1/employers/{id}/certificates.
func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListCertificates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if list == nil {
		list = []*model.Certificate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": list, "total": len(list)})
}

// handleValidateCertificate handles POST /v1/certificates/{id}/validate.
func (s *Server) handleValidateCertificate(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ValidateCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, reportResult(report))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleActivateCertificate handles POST /v1/certificates/{id}/activate.
func (s *Server) handleActivateCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.svc.ActivateCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// handleDeactivateCertificate handles POST /v1/certificates/{id}/deactivate.
func (s *Server) handleDeactivateCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.svc.DeactivateCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// handleCertificateURL handles GET /v1/certificates/{id}/url.
func (s *Server) handleCertificateURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.svc.CertificateURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// reportResult keeps a nil report out of the error body as JSON null.
func reportResult(r *certvault.Report) any {
	if r == nil {
		return nil
	}
	return r
}
