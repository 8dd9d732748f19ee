package model

import (
	"strings"
	"time"
)

// Employer is the master-data record of a company that reports to eSocial.
type Employer struct {
	ID        string    `json:"id"`
	TaxID     string    `json:"tax_id"` // CNPJ, 14 digits
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Employee is the master-data record of a worker, keyed by employer and CPF.
type Employee struct {
	ID           string    `json:"id"`
	EmployerID   string    `json:"employer_id"`
	CPF          string    `json:"cpf"`
	Name         string    `json:"name"`
	Registration string    `json:"registration,omitempty"` // matricula
	JobTitle     string    `json:"job_title,omitempty"`
	Sector       string    `json:"sector,omitempty"`
	Category     string    `json:"category,omitempty"`
	AdmissionAt  string    `json:"admission_at,omitempty"` // YYYY-MM-DD
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SameAs reports whether the reconciled fields of e and o match.
func (e *Employee) SameAs(o *Employee) bool {
	return e.Name == o.Name &&
		e.Registration == o.Registration &&
		e.JobTitle == o.JobTitle &&
		e.Sector == o.Sector &&
		e.Category == o.Category &&
		e.AdmissionAt == o.AdmissionAt &&
		e.Active == o.Active
}

// UpsertOutcome reports what an employee upsert did.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

var sectorKeywords = []struct {
	sector   string
	keywords []string
}{
	{"Administrativo", []string{"administrativ", "escritório", "escritorio"}},
	{"Operacional", []string{"operacion", "produção", "producao"}},
	{"Gestão", []string{"gerente", "coordenador"}},
	{"Comercial", []string{"vendas", "comercial"}},
	{"Técnico", []string{"técnico", "tecnico", "especialista"}},
}

// SectorFor derives a coarse sector from a job title.
func SectorFor(jobTitle string) string {
	if strings.TrimSpace(jobTitle) == "" {
		return "Não informado"
	}
	lower := strings.ToLower(jobTitle)
	for _, s := range sectorKeywords {
		for _, kw := range s.keywords {
			if strings.Contains(lower, kw) {
				return s.sector
			}
		}
	}
	return "Geral"
}
