package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the eSocial event family an Event belongs to.
type EventType string

const (
	TypeEmployerOpening EventType = "employer-opening" // S-1000
	TypeAdmission       EventType = "admission"        // S-2200
	TypeAccident        EventType = "accident"         // S-2210
	TypePeriodicExam    EventType = "periodic-exam"    // S-2220
	TypeRiskExposure    EventType = "risk-exposure"    // S-2240
)

var eventTypeCodes = map[EventType]string{
	TypeEmployerOpening: "S-1000",
	TypeAdmission:       "S-2200",
	TypeAccident:        "S-2210",
	TypePeriodicExam:    "S-2220",
	TypeRiskExposure:    "S-2240",
}

// EventTypes lists every supported event type in S-code order.
var EventTypes = []EventType{
	TypeEmployerOpening,
	TypeAdmission,
	TypeAccident,
	TypePeriodicExam,
	TypeRiskExposure,
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid reports whether the event type is one of the supported families.
func (t EventType) IsValid() bool {
	_, ok := eventTypeCodes[t]
	return ok
}

// Code returns the eSocial layout code, e.g. "S-2220".
func (t EventType) Code() string {
	return eventTypeCodes[t]
}

// Group returns the eSocial batch group: 1 for table events, 2 for
// non-periodic events. Events of different groups never share a batch.
func (t EventType) Group() int {
	if t == TypeEmployerOpening {
		return 1
	}
	return 2
}

// ParseEventType accepts either the type name or its S-code.
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	if t := EventType(strings.ToLower(s)); t.IsValid() {
		return t, nil
	}
	code := strings.ToUpper(s)
	if !strings.HasPrefix(code, "S-") && len(code) == 5 && code[0] == 'S' {
		code = "S-" + code[1:]
	}
	for t, c := range eventTypeCodes {
		if c == code {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Event is a single compliance fact awaiting or having completed
// government submission.
type Event struct {
	ID               string          `json:"id"`
	Type             EventType       `json:"event_type"`
	EmployerID       string          `json:"employer_id"`
	EmployeeID       string          `json:"employee_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	DedupKey         string          `json:"dedup_key,omitempty"`
	XMLID            string          `json:"xml_id,omitempty"`
	RawXML           string          `json:"raw_xml,omitempty"`
	SignedXML        string          `json:"signed_xml,omitempty"`
	XMLBlobKey       string          `json:"xml_blob_key,omitempty"`
	Status           Status          `json:"status"`
	BatchID          string          `json:"batch_id,omitempty"`
	ReceiptNumber    string          `json:"receipt_number,omitempty"`
	ProcessingErrors []string        `json:"processing_errors"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// TransitionFields carries the optional column updates that accompany a
// status transition. Nil pointers leave the stored value untouched.
type TransitionFields struct {
	BatchID          *string
	SignedXML        *string
	XMLBlobKey       *string
	ReceiptNumber    *string
	ProcessingErrors []string // replaces the stored list when non-nil
	ProcessedAt      *time.Time
}

// Apply copies the set fields onto e. Used by in-memory stores and tests.
func (f TransitionFields) Apply(e *Event) {
	if f.BatchID != nil {
		e.BatchID = *f.BatchID
	}
	if f.SignedXML != nil {
		e.SignedXML = *f.SignedXML
	}
	if f.XMLBlobKey != nil {
		e.XMLBlobKey = *f.XMLBlobKey
	}
	if f.ReceiptNumber != nil {
		e.ReceiptNumber = *f.ReceiptNumber
	}
	if f.ProcessingErrors != nil {
		e.ProcessingErrors = append([]string(nil), f.ProcessingErrors...)
	}
	if f.ProcessedAt != nil {
		t := *f.ProcessedAt
		e.ProcessedAt = &t
	}
}

// StringPtr is a convenience for building TransitionFields.
func StringPtr(s string) *string { return &s }
