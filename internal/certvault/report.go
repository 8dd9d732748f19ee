package certvault

import (
	"fmt"
	"strings"
	"time"

	"github.com/sstlabs/esocial-engine/internal/errs"
)

// Status is the overall verdict of a certificate validation.
type Status string

const (
	StatusValid   Status = "valid"
	StatusWarning Status = "warning"
	StatusInvalid Status = "invalid"
)

// Severity grades a single check.
type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityFailure Severity = "failure"
)

// Check names, in evaluation order.
const (
	CheckContainer          = "container"
	CheckKeyPair            = "key_pair"
	CheckTemporalValidity   = "temporal_validity"
	CheckExpiryWarning      = "expiry_warning"
	CheckKeyStrength        = "key_strength"
	CheckSignatureAlgorithm = "signature_algorithm"
	CheckOwnership          = "ownership"
	CheckChain              = "chain"
)

// Check is the outcome of one named validation step.
type Check struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Meta describes the inspected certificate.
type Meta struct {
	Subject            string    `json:"subject,omitempty"`
	Issuer             string    `json:"issuer,omitempty"`
	SerialNumber       string    `json:"serial_number,omitempty"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DaysRemaining      int       `json:"days_remaining"`
	KeyAlgorithm       string    `json:"key_algorithm,omitempty"`
	KeyBits            int       `json:"key_bits,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm,omitempty"`
	SignatureOID       string    `json:"signature_oid,omitempty"`
	OwnerTaxID         string    `json:"owner_tax_id,omitempty"`
	OwnerKind          string    `json:"owner_kind,omitempty"` // employer or individual
	Fingerprint        string    `json:"fingerprint,omitempty"`
}

// Report aggregates every check into one verdict.
type Report struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks"`
	Meta    Meta    `json:"meta"`
	Summary string  `json:"summary"`
}

func (r *Report) add(name string, sev Severity, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Severity: sev, Message: fmt.Sprintf(format, args...)})
}

// Usable reports whether the certificate may sign production events.
func (r *Report) Usable() bool {
	return r.Status != StatusInvalid
}

// Failures returns the checks with hard failures.
func (r *Report) Failures() []Check {
	return r.filter(SeverityFailure)
}

// Warnings returns the checks with soft findings.
func (r *Report) Warnings() []Check {
	return r.filter(SeverityWarning)
}

// Check returns the named check, if it ran.
func (r *Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func (r *Report) filter(sev Severity) []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Severity == sev {
			out = append(out, c)
		}
	}
	return out
}

// finish derives Status and Summary from the collected checks.
func (r *Report) finish() {
	failures, warnings := r.Failures(), r.Warnings()
	switch {
	case len(failures) > 0:
		r.Status = StatusInvalid
	case len(warnings) > 0:
		r.Status = StatusWarning
	default:
		r.Status = StatusValid
	}

	switch r.Status {
	case StatusValid:
		r.Summary = fmt.Sprintf("certificate valid for %d more days", r.Meta.DaysRemaining)
	default:
		var parts []string
		for _, c := range failures {
			parts = append(parts, c.Name+": "+c.Message)
		}
		for _, c := range warnings {
			parts = append(parts, c.Name+": "+c.Message)
		}
		r.Summary = fmt.Sprintf("%d failure(s), %d warning(s): %s", len(failures), len(warnings), strings.Join(parts, "; "))
	}
}

// Err returns an INVALID_CERTIFICATE error listing the failed checks, or
// nil when the certificate is usable.
func (r *Report) Err() error {
	if r.Usable() {
		return nil
	}
	e := errs.Certificate(errs.CodeInvalidCertificate, "certificate rejected: %s", r.Summary)
	for _, c := range r.Failures() {
		e.WithDetails(errs.Detail{ID: c.Name, Code: string(c.Severity), Message: c.Message})
	}
	return e
}
