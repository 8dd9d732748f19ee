package model

import (
	"strings"
	"time"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: msg})
}

// err returns e as an error when it holds failures, nil otherwise.
func (e *ValidationError) err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsCPF reports whether s holds exactly 11 digits once punctuation is removed.
func IsCPF(s string) bool {
	return len(Digits(s)) == 11
}

// IsCNPJ reports whether s holds exactly 14 digits once punctuation is removed.
func IsCNPJ(s string) bool {
	return len(Digits(s)) == 14
}

func (e *ValidationError) requireCPF(field, v string) {
	if !IsCPF(v) {
		e.add(field, "must be a CPF with 11 digits")
	}
}

func (e *ValidationError) requireCNPJ(field, v string) {
	if !IsCNPJ(v) {
		e.add(field, "must be a CNPJ with 14 digits")
	}
}

func (e *ValidationError) requireDate(field, v string) {
	if strings.TrimSpace(v) == "" {
		e.add(field, "is required")
		return
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		e.add(field, "must be a date in YYYY-MM-DD form")
	}
}

func (e *ValidationError) optionalDate(field, v string) {
	if v == "" {
		return
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		e.add(field, "must be a date in YYYY-MM-DD form")
	}
}

func (e *ValidationError) requireMonth(field, v string) {
	if strings.TrimSpace(v) == "" {
		e.add(field, "is required")
		return
	}
	if _, err := time.Parse("2006-01", v); err != nil {
		e.add(field, "must be a month in YYYY-MM form")
	}
}

func (e *ValidationError) requireText(field, v string) {
	if strings.TrimSpace(v) == "" {
		e.add(field, "is required")
	}
}

func (e *ValidationError) requireClock(field, v string) {
	d := Digits(v)
	if len(d) != 4 || d[:2] > "23" || d[2:] > "59" {
		e.add(field, "must be a time in HH:MM form")
	}
}
