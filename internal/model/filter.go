package model

import "time"

// EventFilter holds criteria for querying events.
type EventFilter struct {
	Status        []Status    `json:"status,omitempty"`
	Type          []EventType `json:"type,omitempty"`
	EmployerID    string      `json:"employer_id,omitempty"`
	EmployeeID    string      `json:"employee_id,omitempty"`
	BatchID       string      `json:"batch_id,omitempty"`
	DedupKey      string      `json:"dedup_key,omitempty"`
	HasReceipt    bool        `json:"has_receipt,omitempty"`
	CreatedAfter  *time.Time  `json:"created_after,omitempty"`
	CreatedBefore *time.Time  `json:"created_before,omitempty"`
	Sort          string      `json:"sort,omitempty"` // e.g. "-created_at", "status"; prefix "-" = descending
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
}

// Matches reports whether e satisfies every criterion except paging.
func (f EventFilter) Matches(e *Event) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, e.Status) {
		return false
	}
	if len(f.Type) > 0 {
		found := false
		for _, t := range f.Type {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EmployerID != "" && e.EmployerID != f.EmployerID {
		return false
	}
	if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
		return false
	}
	if f.BatchID != "" && e.BatchID != f.BatchID {
		return false
	}
	if f.DedupKey != "" && e.DedupKey != f.DedupKey {
		return false
	}
	if f.HasReceipt && e.ReceiptNumber == "" {
		return false
	}
	if f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && e.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EventReport aggregates event counts for one employer.
type EventReport struct {
	EmployerID string         `json:"employer_id"`
	Total      int            `json:"total"`
	Sent       int            `json:"sent"`
	Processed  int            `json:"processed"`
	Errors     int            `json:"errors"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   map[string]int `json:"by_status"`
}
